package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/ledger/memledger"
	"github.com/alanyoungcy/bondoracle/internal/notify"
	"github.com/alanyoungcy/bondoracle/internal/testutil"
)

func TestRejectedOperationsLeaveNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.listBond(t)

	held := h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 100})

	// A trade larger than the seller's position is accepted as a request and
	// refused at transfer time.
	big, err := h.c.RequestTrade(ctx, domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, To: investor2, Quantity: 101})
	require.NoError(t, err)
	h.expect(t, domain.NotificationSettlementInitiated, big.ID)
	_, err = h.c.MarkReceived(ctx, big.ID)
	require.NoError(t, err)
	h.expect(t, domain.NotificationSettlementReceived, big.ID)
	h.drained(t)

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"request on unknown instrument", func() error {
			_, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: "0xmissing", To: investor1, Quantity: 1})
			return err
		}, domain.ErrUnknownEntity},
		{"zero quantity", func() error {
			_, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1})
			return err
		}, domain.ErrInvalidTerms},
		{"duplicate transaction id", func() error {
			_, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{ID: held.ID, InstrumentID: inst.Address, To: investor1, Quantity: 1})
			return err
		}, domain.ErrAlreadyExists},
		{"event for unknown transaction", func() error {
			_, err := h.c.MarkReceived(ctx, "tx-missing")
			return err
		}, domain.ErrUnknownEntity},
		{"unknown event type", func() error {
			_, err := h.c.HandleSettlementEvent(ctx, domain.SettlementEvent{TxID: held.ID, Type: "settled"})
			return err
		}, domain.ErrInvalidTransition},
		{"transfer twice", func() error {
			_, err := h.c.MarkTransferred(ctx, held.ID)
			return err
		}, domain.ErrInvalidTransition},
		{"cancel after transfer", func() error {
			_, err := h.c.Cancel(ctx, held.ID)
			return err
		}, domain.ErrInvalidTransition},
		{"transfer beyond position", func() error {
			_, err := h.c.MarkTransferred(ctx, big.ID)
			return err
		}, domain.ErrInsufficientPosition},
		{"invalid terms", func() error {
			terms := testutil.BondTerms()
			terms.Denomination = 0
			_, err := h.c.CreateInstrument(ctx, domain.InstrumentTypeBond, terms)
			return err
		}, domain.ErrInvalidTerms},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.positions(inst.Address)
			seq := h.feed.Sequence()

			err := tt.op()
			require.ErrorIs(t, err, tt.want)

			assert.Equal(t, seq, h.feed.Sequence(), "no notification emitted")
			assert.Zero(t, h.feed.Pending())
			assert.Equal(t, before, h.positions(inst.Address))
		})
	}

	state, _ := h.c.TransactionState(big.ID)
	assert.Equal(t, domain.SettlementReceived, state, "a refused transfer keeps the last valid state")
	assert.Len(t, h.c.Instruments(), 1)
}

func TestRedemptionRequiresTradable(t *testing.T) {
	h := newHarness(t)
	inst := h.listBond(t)

	_, err := h.c.RequestRedemption(context.Background(), domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	h.drained(t)
}

func TestTransferRechecksInstrumentGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.listBond(t)
	h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 10})

	late, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: inst.Address, To: investor2, Quantity: 5})
	require.NoError(t, err)
	_, err = h.c.MarkReceived(ctx, late.ID)
	require.NoError(t, err)
	h.feed.DrainAll()

	h.settle(t, domain.SettlementRedemption, domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, Quantity: 10})
	st, _ := h.c.InstrumentState(inst.Address)
	require.Equal(t, domain.InstrumentRedeemed, st)

	_, err = h.c.MarkTransferred(ctx, late.ID)
	assert.ErrorIs(t, err, domain.ErrInstrumentClosed)
	h.drained(t)

	_, err = h.c.Cancel(ctx, late.ID)
	require.NoError(t, err, "pending settlements can still be cancelled after redemption")
	h.expect(t, domain.NotificationSettlementCancelled, late.ID)
}

func TestLedgerFailureTracksNothing(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailNext(errors.New("node unavailable"))

	_, err := h.c.CreateInstrument(context.Background(), domain.InstrumentTypeBond, testutil.BondTerms())
	require.Error(t, err)
	assert.Empty(t, h.c.Instruments())
	h.drained(t)
}

func TestInstrumentDetailsOfUnknownInstrument(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.InstrumentDetails(context.Background(), "0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.listBond(t)

	const n = 12 // 12 x 1,000 against a supply of 10,000
	ids := make([]string, n)
	for i := range ids {
		tx, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 1_000})
		require.NoError(t, err)
		_, err = h.c.MarkReceived(ctx, tx.ID)
		require.NoError(t, err)
		ids[i] = tx.ID
	}
	h.feed.DrainAll()

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.MarkTransferred(ctx, id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientPosition):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(2), short.Load())
	assert.Len(t, h.feed.Drain(domain.NotificationSubscriptionSettled), 10)

	supply, _ := h.c.Supply(inst.Address)
	assert.Equal(t, int64(10_000), supply.Circulating)
	assert.Zero(t, supply.Unissued)
}

func TestAwaitSettlementFromAnotherGoroutine(t *testing.T) {
	h := newHarness(t)
	inst := h.listBond(t)
	tx, err := h.c.RequestSubscription(context.Background(), domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 50})
	require.NoError(t, err)

	go func() {
		ctx := context.Background()
		time.Sleep(10 * time.Millisecond)
		_, _ = h.c.MarkReceived(ctx, tx.ID)
		_, _ = h.c.MarkTransferred(ctx, tx.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := h.feed.Await(ctx, domain.NotificationSubscriptionSettled, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n.Payload["quantity"])
	assert.Equal(t, string(domain.InstrumentTradable), n.Payload["instrument_state"])

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = h.feed.Await(short, domain.NotificationTradeSettled, tx.ID)
	assert.ErrorIs(t, err, domain.ErrUnknownEntity, "a notification that never arrives is an error")
}

func TestJournalReceivesEveryCommit(t *testing.T) {
	j := &memJournal{}
	h := newHarness(t, WithJournal(j))
	inst := h.listBond(t)
	h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 5})

	_, err := h.c.MarkReceived(context.Background(), "tx-missing")
	require.Error(t, err)

	require.Len(t, j.commits, 4, "rejections are not journaled")
	kinds := make([]domain.NotificationKind, len(j.commits))
	for i, c := range j.commits {
		kinds[i] = c.Notification.Kind
		assert.Equal(t, uint64(i+1), c.Notification.Sequence)
	}
	assert.Equal(t, []domain.NotificationKind{
		domain.NotificationInstrumentListed,
		domain.NotificationSettlementInitiated,
		domain.NotificationSettlementReceived,
		domain.NotificationSubscriptionSettled,
	}, kinds)

	settled := j.commits[3]
	require.NotNil(t, settled.Instrument)
	assert.Equal(t, domain.InstrumentTradable, settled.Instrument.State)
	require.NotNil(t, settled.Supply)
	assert.Equal(t, int64(5), settled.Supply.Circulating)
	assert.Equal(t, []domain.Position{{InstrumentID: inst.Address, Holder: investor1, Quantity: 5}}, settled.Positions)
}

func TestAuditRecordsRejections(t *testing.T) {
	a := &memAudit{}
	h := newHarness(t, WithAudit(a))
	inst := h.listBond(t)

	_, err := h.c.RequestRedemption(context.Background(), domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, Quantity: 1})
	require.Error(t, err)

	entries, _ := a.List(context.Background(), domain.ListOpts{})
	require.Len(t, entries, 1)
	assert.Equal(t, "rejected", entries[0].Event)
	assert.Equal(t, "settlement.request", entries[0].Detail["op"])
	assert.Equal(t, domain.ErrInvalidTransition.Error(), entries[0].Detail["reason"])
}

func TestRestoreContinuesFromSnapshot(t *testing.T) {
	src := newHarness(t)
	inst := src.listBond(t)
	src.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 40})
	supply, _ := src.c.Supply(inst.Address)

	snap := domain.Snapshot{
		Instruments:  src.c.Instruments(),
		Transactions: src.c.Transactions(inst.Address),
		Positions:    src.c.Positions(inst.Address),
		Supplies:     []domain.SupplySnapshot{supply},
		LastSequence: src.feed.Sequence(),
	}

	dst := newHarness(t)
	require.NoError(t, dst.c.Restore(context.Background(), snapshotFunc(func(context.Context) (domain.Snapshot, error) {
		return snap, nil
	})))

	st, _ := dst.c.InstrumentState(inst.Address)
	assert.Equal(t, domain.InstrumentTradable, st)
	assert.Equal(t, map[string]int64{investor1: 40}, dst.positions(inst.Address))

	tx := dst.settle(t, domain.SettlementRedemption, domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, Quantity: 40})
	st, _ = dst.c.InstrumentState(inst.Address)
	assert.Equal(t, domain.InstrumentRedeemed, st)

	hist := dst.feed.History(inst.Address, 1)
	require.Len(t, hist, 1)
	assert.Equal(t, tx.ID, hist[0].SubjectID)
	assert.Equal(t, snap.LastSequence+3, hist[0].Sequence)
}

type flakyLocks struct {
	busy  int32
	calls atomic.Int32
}

func (f *flakyLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if f.calls.Add(1) <= f.busy {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func TestDistributedLockRetriesWhileHeld(t *testing.T) {
	locks := &flakyLocks{busy: 2}
	h := newHarness(t, WithDistributedLock(locks, time.Second))
	h.c.lockRetry = time.Millisecond

	h.listBond(t)
	assert.Equal(t, int32(3), locks.calls.Load())
}

func TestDistributedLockGivesUpAtDeadline(t *testing.T) {
	locks := &flakyLocks{busy: 1 << 30}
	h := newHarness(t, WithDistributedLock(locks, time.Second))
	h.c.lockRetry = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: "0xbond", To: investor1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestKeyedLockHonoursContext(t *testing.T) {
	k := newKeyedLock()
	unlock, err := k.lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := k.lock(context.Background(), "b")
	require.NoError(t, err, "different keys do not contend")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := k.lock(context.Background(), "a")
	require.NoError(t, err)
	again()
	assert.Empty(t, k.slots)
}

func TestListingSurvivesCancelledCaller(t *testing.T) {
	for _, distributed := range []bool{false, true} {
		ml, err := memledger.New("")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger := slog.New(slog.DiscardHandler)
		feed := notify.NewDispatcher(logger)
		var opts []Option
		if distributed {
			opts = append(opts, WithDistributedLock(&flakyLocks{busy: 2}, time.Second))
		}
		c := New(cancellingLedger{Ledger: ml, cancel: cancel}, feed, logger, opts...)
		c.lockRetry = time.Millisecond

		inst, err := c.CreateInstrument(ctx, domain.InstrumentTypeBond, testutil.BondTerms())
		require.NoError(t, err, "distributed=%v", distributed)
		require.Error(t, ctx.Err())

		st, err := c.InstrumentState(inst.Address)
		require.NoError(t, err)
		assert.Equal(t, domain.InstrumentSubscribable, st)
		supply, err := c.Supply(inst.Address)
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), supply.Unissued)
		_, err = feed.Expect(domain.NotificationInstrumentListed, inst.Address)
		assert.NoError(t, err)
	}
}

func TestJournalRetriesRefusedCommitsInOrder(t *testing.T) {
	refused := false
	j := newTableJournal(func(c domain.Commit) bool {
		if c.Notification.Kind == domain.NotificationSubscriptionSettled && !refused {
			refused = true
			return true
		}
		return false
	})
	h := newHarness(t, WithJournal(j))
	inst := h.listBond(t)

	h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 500})
	assert.Equal(t, 1, h.c.PendingCommits())

	h.settle(t, domain.SettlementTrade, domain.SettlementRequest{InstrumentID: inst.Address, From: investor1, To: investor2, Quantity: 500})
	assert.Equal(t, 0, h.c.PendingCommits())

	dst := newHarness(t)
	require.NoError(t, dst.c.Restore(context.Background(), j))
	assert.Equal(t, map[string]int64{investor2: 500}, dst.positions(inst.Address))
	supply, err := dst.c.Supply(inst.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(500), supply.Circulating)
	assert.Equal(t, int64(9_500), supply.Unissued)
	assert.Equal(t, h.feed.Sequence(), dst.feed.Sequence())
}

func TestLaterCommitRepairsDroppedBook(t *testing.T) {
	j := newTableJournal(nil)
	h := newHarness(t, WithJournal(j))
	inst := h.listBond(t)
	h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 500})

	// Lose the persisted book entirely; the next settlement rewrites it.
	j.mu.Lock()
	delete(j.books, inst.Address)
	j.mu.Unlock()
	h.settle(t, domain.SettlementSubscription, domain.SettlementRequest{InstrumentID: inst.Address, To: investor2, Quantity: 100})

	dst := newHarness(t)
	require.NoError(t, dst.c.Restore(context.Background(), j))
	assert.Equal(t, map[string]int64{investor1: 500, investor2: 100}, dst.positions(inst.Address))
}

type traceKey struct{}

// tracedMessages records which log messages were written with a context
// carrying traceKey.
type tracedMessages struct {
	mu     sync.Mutex
	traced map[string]bool
}

func (h *tracedMessages) Enabled(context.Context, slog.Level) bool { return true }
func (h *tracedMessages) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h *tracedMessages) WithGroup(string) slog.Handler           { return h }

func (h *tracedMessages) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.traced[r.Message] = h.traced[r.Message] || ctx.Value(traceKey{}) != nil
	return nil
}

func TestInstrumentAdvanceLogsWithCallerContext(t *testing.T) {
	ml, err := memledger.New("")
	require.NoError(t, err)
	logs := &tracedMessages{traced: make(map[string]bool)}
	c := New(ml, notify.NewDispatcher(slog.New(slog.DiscardHandler)), slog.New(logs))

	ctx := context.WithValue(context.Background(), traceKey{}, "req-1")
	inst, err := c.CreateInstrument(ctx, domain.InstrumentTypeBond, testutil.BondTerms())
	require.NoError(t, err)
	tx, err := c.RequestSubscription(ctx, domain.SettlementRequest{InstrumentID: inst.Address, To: investor1, Quantity: 10})
	require.NoError(t, err)
	_, err = c.MarkReceived(ctx, tx.ID)
	require.NoError(t, err)
	_, err = c.MarkTransferred(ctx, tx.ID)
	require.NoError(t, err)

	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.True(t, logs.traced["instrument advanced"])
	assert.True(t, logs.traced["instrument listed"], "values survive the uncancellable context")
}
