package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Journal implements domain.Journal and domain.SnapshotLoader. Each commit is
// written in one transaction so the tables never disagree with each other.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a Journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Record persists every entity touched by a committed event together with
// its notification.
func (j *Journal) Record(ctx context.Context, c domain.Commit) error {
	err := pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		if c.Instrument != nil {
			if err := upsertInstrument(ctx, tx, *c.Instrument); err != nil {
				return err
			}
		}
		if c.Transaction != nil {
			if err := upsertTransaction(ctx, tx, *c.Transaction); err != nil {
				return err
			}
		}
		if c.Supply != nil {
			if err := clearPositions(ctx, tx, c.Supply.InstrumentID); err != nil {
				return err
			}
		}
		for _, p := range c.Positions {
			if err := upsertPosition(ctx, tx, p); err != nil {
				return err
			}
		}
		if c.Supply != nil {
			if err := upsertSupply(ctx, tx, *c.Supply); err != nil {
				return err
			}
		}
		return insertNotification(ctx, tx, c.Notification)
	})
	if err != nil {
		return fmt.Errorf("postgres: record commit #%d: %w", c.Notification.Sequence, err)
	}
	return nil
}

func upsertInstrument(ctx context.Context, tx pgx.Tx, inst domain.Instrument) error {
	terms, err := json.Marshal(inst.Terms)
	if err != nil {
		return fmt.Errorf("marshal terms %s: %w", inst.Address, err)
	}
	const query = `
		INSERT INTO instruments (address, type, terms, state, initial_supply, transaction_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (address) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`
	_, err = tx.Exec(ctx, query,
		inst.Address, string(inst.Type), terms, string(inst.State), inst.InitialSupply,
		inst.TransactionHash, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert instrument %s: %w", inst.Address, err)
	}
	return nil
}

func upsertTransaction(ctx context.Context, tx pgx.Tx, st domain.SettlementTransaction) error {
	const query = `
		INSERT INTO settlement_transactions (id, instrument_id, kind, from_party, to_party, quantity, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.Exec(ctx, query,
		st.ID, st.InstrumentID, string(st.Kind), st.From, st.To, st.Quantity,
		string(st.State), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert settlement %s: %w", st.ID, err)
	}
	return nil
}

// clearPositions removes the persisted book of instrumentID ahead of a
// whole-book write.
func clearPositions(ctx context.Context, tx pgx.Tx, instrumentID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE instrument_id = $1`, instrumentID); err != nil {
		return fmt.Errorf("clear positions %s: %w", instrumentID, err)
	}
	return nil
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p domain.Position) error {
	const query = `
		INSERT INTO positions (instrument_id, holder, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instrument_id, holder) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, query, p.InstrumentID, p.Holder, p.Quantity); err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.InstrumentID, p.Holder, err)
	}
	return nil
}

func upsertSupply(ctx context.Context, tx pgx.Tx, s domain.SupplySnapshot) error {
	const query = `
		INSERT INTO supplies (instrument_id, initial, unissued, retired, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (instrument_id) DO UPDATE SET
			unissued = EXCLUDED.unissued,
			retired = EXCLUDED.retired,
			updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, query, s.InstrumentID, s.Initial, s.Unissued, s.Retired); err != nil {
		return fmt.Errorf("upsert supply %s: %w", s.InstrumentID, err)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, n domain.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload #%d: %w", n.Sequence, err)
	}
	const query = `
		INSERT INTO notifications (sequence, kind, subject_id, instrument_id, transaction_hash, payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO NOTHING`
	_, err = tx.Exec(ctx, query,
		int64(n.Sequence), string(n.Kind), n.SubjectID, n.InstrumentID, n.TransactionHash, payload, n.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification #%d: %w", n.Sequence, err)
	}
	return nil
}

// LoadSnapshot reads the full persisted state in one repeatable-read
// transaction.
func (j *Journal) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := pgx.BeginTxFunc(ctx, j.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		if snap.Instruments, err = loadInstruments(ctx, tx); err != nil {
			return err
		}
		if snap.Transactions, err = loadTransactions(ctx, tx); err != nil {
			return err
		}
		if snap.Positions, err = loadPositions(ctx, tx); err != nil {
			return err
		}
		if snap.Supplies, err = loadSupplies(ctx, tx); err != nil {
			return err
		}
		var last int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM notifications`).Scan(&last); err != nil {
			return fmt.Errorf("last sequence: %w", err)
		}
		snap.LastSequence = uint64(last)
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	return snap, nil
}

func loadInstruments(ctx context.Context, tx pgx.Tx) ([]domain.Instrument, error) {
	rows, err := tx.Query(ctx, `
		SELECT address, type, terms, state, initial_supply, transaction_hash, created_at, updated_at
		FROM instruments ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Instrument, error) {
		var (
			inst        domain.Instrument
			kind, state string
			terms       []byte
		)
		if err := row.Scan(&inst.Address, &kind, &terms, &state, &inst.InitialSupply,
			&inst.TransactionHash, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return inst, fmt.Errorf("scan instrument: %w", err)
		}
		if err := json.Unmarshal(terms, &inst.Terms); err != nil {
			return inst, fmt.Errorf("unmarshal terms %s: %w", inst.Address, err)
		}
		inst.Type = domain.InstrumentType(kind)
		inst.State = domain.InstrumentState(state)
		return inst, nil
	})
}

func loadTransactions(ctx context.Context, tx pgx.Tx) ([]domain.SettlementTransaction, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, instrument_id, kind, from_party, to_party, quantity, state, created_at, updated_at
		FROM settlement_transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

func scanTransaction(row pgx.CollectableRow) (domain.SettlementTransaction, error) {
	var (
		st          domain.SettlementTransaction
		kind, state string
	)
	if err := row.Scan(&st.ID, &st.InstrumentID, &kind, &st.From, &st.To, &st.Quantity,
		&state, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, fmt.Errorf("scan settlement: %w", err)
	}
	st.Kind = domain.SettlementKind(kind)
	st.State = domain.SettlementState(state)
	return st, nil
}

func loadPositions(ctx context.Context, tx pgx.Tx) ([]domain.Position, error) {
	rows, err := tx.Query(ctx, `
		SELECT instrument_id, holder, quantity FROM positions
		WHERE quantity > 0 ORDER BY instrument_id, holder`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Position, error) {
		var p domain.Position
		err := row.Scan(&p.InstrumentID, &p.Holder, &p.Quantity)
		return p, err
	})
}

func loadSupplies(ctx context.Context, tx pgx.Tx) ([]domain.SupplySnapshot, error) {
	rows, err := tx.Query(ctx, `SELECT instrument_id, initial, unissued, retired FROM supplies ORDER BY instrument_id`)
	if err != nil {
		return nil, fmt.Errorf("query supplies: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SupplySnapshot, error) {
		var s domain.SupplySnapshot
		if err := row.Scan(&s.InstrumentID, &s.Initial, &s.Unissued, &s.Retired); err != nil {
			return s, err
		}
		s.Circulating = s.Initial - s.Unissued - s.Retired
		return s, nil
	})
}

var (
	_ domain.Journal        = (*Journal)(nil)
	_ domain.SnapshotLoader = (*Journal)(nil)
)
