package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// NotificationStore implements domain.NotificationStore over the journaled
// notifications table.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore creates a NotificationStore backed by the given pool.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// ListNotifications returns persisted notifications in sequence order. An
// empty instrumentID lists every instrument.
func (s *NotificationStore) ListNotifications(ctx context.Context, instrumentID string, opts domain.ListOpts) ([]domain.Notification, error) {
	query := `SELECT sequence, kind, subject_id, instrument_id, transaction_hash, payload, emitted_at
		FROM notifications WHERE 1=1`
	args := []any{}
	argIdx := 1

	if instrumentID != "" {
		query += fmt.Sprintf(" AND instrument_id = $%d", argIdx)
		args = append(args, instrumentID)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND emitted_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND emitted_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY sequence"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Notification, error) {
		var (
			n       domain.Notification
			seq     int64
			kind    string
			payload []byte
		)
		if err := row.Scan(&seq, &kind, &n.SubjectID, &n.InstrumentID, &n.TransactionHash, &payload, &n.EmittedAt); err != nil {
			return n, err
		}
		n.Sequence = uint64(seq)
		n.Kind = domain.NotificationKind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return n, fmt.Errorf("unmarshal payload #%d: %w", seq, err)
			}
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan notifications: %w", err)
	}
	return out, nil
}

var _ domain.NotificationStore = (*NotificationStore)(nil)
