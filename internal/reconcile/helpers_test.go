package reconcile

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/ledger/memledger"
	"github.com/alanyoungcy/bondoracle/internal/notify"
	"github.com/alanyoungcy/bondoracle/internal/testutil"
)

type harness struct {
	c      *Coordinator
	feed   *notify.Dispatcher
	ledger *memledger.Ledger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ml, err := memledger.New("")
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	feed := notify.NewDispatcher(logger)
	return &harness{
		c:      New(ml, feed, logger, opts...),
		feed:   feed,
		ledger: ml,
	}
}

// listBond creates the standard bond and consumes its listing notification.
func (h *harness) listBond(t *testing.T) domain.Instrument {
	t.Helper()
	inst, err := h.c.CreateInstrument(context.Background(), domain.InstrumentTypeBond, testutil.BondTerms())
	require.NoError(t, err)
	h.expect(t, domain.NotificationInstrumentListed, inst.Address)
	h.drained(t)
	return inst
}

// settle walks a request through initiated, received and transferred,
// checking each step's notification.
func (h *harness) settle(t *testing.T, kind domain.SettlementKind, req domain.SettlementRequest) domain.SettlementTransaction {
	t.Helper()
	ctx := context.Background()

	var (
		tx  domain.SettlementTransaction
		err error
	)
	switch kind {
	case domain.SettlementSubscription:
		tx, err = h.c.RequestSubscription(ctx, req)
	case domain.SettlementTrade:
		tx, err = h.c.RequestTrade(ctx, req)
	case domain.SettlementRedemption:
		tx, err = h.c.RequestRedemption(ctx, req)
	}
	require.NoError(t, err)
	h.expect(t, domain.NotificationSettlementInitiated, tx.ID)

	_, err = h.c.MarkReceived(ctx, tx.ID)
	require.NoError(t, err)
	h.expect(t, domain.NotificationSettlementReceived, tx.ID)

	tx, err = h.c.MarkTransferred(ctx, tx.ID)
	require.NoError(t, err)
	h.expect(t, domain.SettledKind(kind), tx.ID)
	h.drained(t)
	return tx
}

func (h *harness) expect(t *testing.T, kind domain.NotificationKind, subject string) domain.Notification {
	t.Helper()
	n, err := h.feed.Expect(kind, subject)
	require.NoError(t, err)
	return n
}

func (h *harness) drained(t *testing.T) {
	t.Helper()
	require.NoError(t, h.feed.AssertDrained())
}

func (h *harness) positions(address string) map[string]int64 {
	return maps.Collect(h.c.PositionsFor(address))
}

type memJournal struct {
	mu      sync.Mutex
	commits []domain.Commit
}

func (j *memJournal) Record(_ context.Context, c domain.Commit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commits = append(j.commits, c)
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

type snapshotFunc func(ctx context.Context) (domain.Snapshot, error)

func (f snapshotFunc) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) { return f(ctx) }

// tableJournal keeps the latest row per entity, the way the postgres
// journal's upserts do, and can refuse selected commits.
type tableJournal struct {
	mu          sync.Mutex
	refuse      func(domain.Commit) bool
	instruments map[string]domain.Instrument
	txs         map[string]domain.SettlementTransaction
	books       map[string]map[string]int64
	supplies    map[string]domain.SupplySnapshot
	last        uint64
}

func newTableJournal(refuse func(domain.Commit) bool) *tableJournal {
	return &tableJournal{
		refuse:      refuse,
		instruments: make(map[string]domain.Instrument),
		txs:         make(map[string]domain.SettlementTransaction),
		books:       make(map[string]map[string]int64),
		supplies:    make(map[string]domain.SupplySnapshot),
	}
}

func (j *tableJournal) Record(_ context.Context, c domain.Commit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.refuse != nil && j.refuse(c) {
		return errors.New("journal unavailable")
	}
	if c.Instrument != nil {
		j.instruments[c.Instrument.Address] = *c.Instrument
	}
	if c.Transaction != nil {
		j.txs[c.Transaction.ID] = *c.Transaction
	}
	if c.Supply != nil {
		j.books[c.Supply.InstrumentID] = make(map[string]int64)
	}
	for _, p := range c.Positions {
		if j.books[p.InstrumentID] == nil {
			j.books[p.InstrumentID] = make(map[string]int64)
		}
		j.books[p.InstrumentID][p.Holder] = p.Quantity
	}
	if c.Supply != nil {
		j.supplies[c.Supply.InstrumentID] = *c.Supply
	}
	j.last = max(j.last, c.Notification.Sequence)
	return nil
}

func (j *tableJournal) LoadSnapshot(context.Context) (domain.Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := domain.Snapshot{LastSequence: j.last}
	for _, inst := range j.instruments {
		snap.Instruments = append(snap.Instruments, inst)
	}
	for _, tx := range j.txs {
		snap.Transactions = append(snap.Transactions, tx)
	}
	for id, book := range j.books {
		for holder, qty := range book {
			snap.Positions = append(snap.Positions, domain.Position{InstrumentID: id, Holder: holder, Quantity: qty})
		}
	}
	for _, s := range j.supplies {
		snap.Supplies = append(snap.Supplies, s)
	}
	slices.SortFunc(snap.Positions, func(a, b domain.Position) int { return cmp.Compare(a.Holder, b.Holder) })
	return snap, nil
}

// cancellingLedger cancels the caller's context right after the ledger has
// listed the instrument, as a client giving up mid-request would.
type cancellingLedger struct {
	*memledger.Ledger
	cancel context.CancelFunc
}

func (l cancellingLedger) CreateInstrument(ctx context.Context, kind domain.InstrumentType, terms domain.InstrumentTerms) (domain.LedgerReceipt, error) {
	receipt, err := l.Ledger.CreateInstrument(ctx, kind, terms)
	l.cancel()
	return receipt, err
}
