// Package reconcile is the single entry point for ledger and settlement
// events. Every event is validated against the lifecycle, settlement and
// position state machines first and committed only when all of them accept
// it, inside a per-instrument critical section.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/lifecycle"
	"github.com/alanyoungcy/bondoracle/internal/notify"
	"github.com/alanyoungcy/bondoracle/internal/positions"
	"github.com/alanyoungcy/bondoracle/internal/settlement"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 50 * time.Millisecond

	// maxPendingCommits bounds the journal backlog kept per instrument.
	maxPendingCommits = 1024
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every committed event. Journal failures are logged and
// do not undo the commit; the refused commit is retried ahead of the
// instrument's next one.
func WithJournal(j domain.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithAudit logs every rejected operation to the audit store.
func WithAudit(a domain.AuditStore) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithDistributedLock serializes each instrument across replicas as well as
// within this process. ttl bounds how long a crashed holder blocks others.
func WithDistributedLock(lm domain.LockManager, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.locks = lm
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// Coordinator routes external events to the state machines and emits one
// notification per accepted event.
type Coordinator struct {
	ledger     domain.LedgerClient
	lifecycle  *lifecycle.Manager
	tracker    *settlement.Tracker
	positions  *positions.Ledger
	dispatcher *notify.Dispatcher

	journal   domain.Journal
	audit     domain.AuditStore
	locks     domain.LockManager
	lockTTL   time.Duration
	lockRetry time.Duration
	keys      *keyedLock

	pendingMu sync.Mutex
	pending   map[string][]domain.Commit

	logger *slog.Logger
}

// New creates a Coordinator with empty state machines.
func New(ledger domain.LedgerClient, dispatcher *notify.Dispatcher, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:     ledger,
		lifecycle:  lifecycle.NewManager(),
		tracker:    settlement.NewTracker(),
		positions:  positions.NewLedger(),
		dispatcher: dispatcher,
		lockTTL:    defaultLockTTL,
		lockRetry:  defaultLockRetry,
		keys:       newKeyedLock(),
		pending:    make(map[string][]domain.Commit),
		logger:     logger.With(slog.String("component", "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInstrument lists a new instrument on the ledger and starts tracking
// it in Subscribable. The ledger call happens before any lock is taken. Once
// the ledger has listed the instrument, ctx ending no longer stops it from
// being registered.
func (c *Coordinator) CreateInstrument(ctx context.Context, kind domain.InstrumentType, terms domain.InstrumentTerms) (domain.Instrument, error) {
	if err := c.lifecycle.Validate(kind, terms); err != nil {
		c.rejected(ctx, "instrument.create", "", err)
		return domain.Instrument{}, err
	}

	receipt, err := c.ledger.CreateInstrument(ctx, kind, terms)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("reconcile: ledger create instrument: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	unlock, err := c.lockInstrument(ctx, receipt.InstrumentAddress)
	if err != nil {
		c.logger.ErrorContext(ctx, "listed instrument left untracked",
			slog.String("address", receipt.InstrumentAddress),
			slog.String("tx_hash", receipt.TransactionHash),
			slog.String("error", err.Error()),
		)
		return domain.Instrument{}, err
	}
	defer unlock()

	inst, err := c.lifecycle.Register(receipt.InstrumentAddress, kind, terms, receipt.TransactionHash)
	if err != nil {
		c.rejected(ctx, "instrument.create", receipt.InstrumentAddress, err)
		return domain.Instrument{}, err
	}
	if err := c.positions.Open(inst.Address, inst.InitialSupply); err != nil {
		return domain.Instrument{}, fmt.Errorf("reconcile: open book %s: %w", inst.Address, err)
	}
	supply, _ := c.positions.Supply(inst.Address)

	n := c.dispatcher.Emit(ctx, domain.Notification{
		Kind:            domain.NotificationInstrumentListed,
		SubjectID:       inst.Address,
		InstrumentID:    inst.Address,
		TransactionHash: receipt.TransactionHash,
		Payload: map[string]any{
			"type":           string(inst.Type),
			"symbol":         terms.Symbol,
			"isin":           terms.ISINCode,
			"initial_supply": inst.InitialSupply,
			"state":          string(inst.State),
		},
	})
	c.record(ctx, inst.Address, domain.Commit{Instrument: &inst, Supply: &supply, Notification: n})

	c.logger.InfoContext(ctx, "instrument listed",
		slog.String("address", inst.Address),
		slog.String("tx_hash", receipt.TransactionHash),
		slog.String("symbol", terms.Symbol),
		slog.Int64("initial_supply", inst.InitialSupply),
	)
	return inst, nil
}

// InstrumentDetails reads a tracked instrument's details from the ledger.
func (c *Coordinator) InstrumentDetails(ctx context.Context, address string) (domain.InstrumentDetails, error) {
	if _, err := c.lifecycle.Get(address); err != nil {
		return domain.InstrumentDetails{}, err
	}
	d, err := c.ledger.GetInstrumentDetails(ctx, address)
	if err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("reconcile: ledger details %s: %w", address, err)
	}
	return d, nil
}

// VerifyInstrument checks the ledger's details against the terms the
// instrument was created with.
func (c *Coordinator) VerifyInstrument(ctx context.Context, address string) error {
	inst, err := c.lifecycle.Get(address)
	if err != nil {
		return err
	}
	d, err := c.InstrumentDetails(ctx, address)
	if err != nil {
		return err
	}
	if err := domain.VerifyDetails(inst.Terms, d); err != nil {
		return fmt.Errorf("reconcile: instrument %s: %w", address, err)
	}
	return nil
}

// RequestSubscription opens a subscription settlement.
func (c *Coordinator) RequestSubscription(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	return c.request(ctx, domain.SettlementSubscription, req)
}

// RequestTrade opens a trade settlement.
func (c *Coordinator) RequestTrade(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	return c.request(ctx, domain.SettlementTrade, req)
}

// RequestRedemption opens a redemption settlement.
func (c *Coordinator) RequestRedemption(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	return c.request(ctx, domain.SettlementRedemption, req)
}

func (c *Coordinator) request(ctx context.Context, kind domain.SettlementKind, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	unlock, err := c.lockInstrument(ctx, req.InstrumentID)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	defer unlock()

	if err := c.lifecycle.CheckSettlement(req.InstrumentID, kind); err != nil {
		c.rejected(ctx, "settlement.request", req.InstrumentID, err)
		return domain.SettlementTransaction{}, err
	}
	tx, err := c.tracker.Initiate(kind, req)
	if err != nil {
		c.rejected(ctx, "settlement.request", req.InstrumentID, err)
		return domain.SettlementTransaction{}, err
	}

	n := c.dispatcher.Emit(ctx, domain.Notification{
		Kind:         domain.NotificationSettlementInitiated,
		SubjectID:    tx.ID,
		InstrumentID: tx.InstrumentID,
		Payload:      txPayload(tx),
	})
	c.record(ctx, tx.InstrumentID, domain.Commit{Transaction: &tx, Notification: n})

	c.logger.InfoContext(ctx, "settlement initiated",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(kind)),
		slog.String("instrument", tx.InstrumentID),
		slog.Int64("quantity", tx.Quantity),
	)
	return tx, nil
}

// MarkReceived reports that the settlement transport received the funds or
// instruments for txID.
func (c *Coordinator) MarkReceived(ctx context.Context, txID string) (domain.SettlementTransaction, error) {
	return c.HandleSettlementEvent(ctx, domain.SettlementEvent{TxID: txID, Type: domain.SettlementEventReceived})
}

// MarkTransferred reports that txID completed.
func (c *Coordinator) MarkTransferred(ctx context.Context, txID string) (domain.SettlementTransaction, error) {
	return c.HandleSettlementEvent(ctx, domain.SettlementEvent{TxID: txID, Type: domain.SettlementEventTransferred})
}

// Cancel cancels txID.
func (c *Coordinator) Cancel(ctx context.Context, txID string) (domain.SettlementTransaction, error) {
	return c.HandleSettlementEvent(ctx, domain.SettlementEvent{TxID: txID, Type: domain.SettlementEventCancelled})
}

// HandleSettlementEvent applies one settlement transport event. A rejected
// event changes nothing and emits nothing.
func (c *Coordinator) HandleSettlementEvent(ctx context.Context, ev domain.SettlementEvent) (domain.SettlementTransaction, error) {
	to, ok := ev.Type.Target()
	if !ok {
		err := fmt.Errorf("reconcile: %w: unknown settlement event %q", domain.ErrInvalidTransition, ev.Type)
		c.rejected(ctx, "settlement.event", ev.TxID, err)
		return domain.SettlementTransaction{}, err
	}
	tx, err := c.tracker.Get(ev.TxID)
	if err != nil {
		c.rejected(ctx, "settlement.event", ev.TxID, err)
		return domain.SettlementTransaction{}, err
	}

	unlock, err := c.lockInstrument(ctx, tx.InstrumentID)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	defer unlock()

	var out domain.SettlementTransaction
	switch to {
	case domain.SettlementTransferred:
		out, err = c.transfer(ctx, tx.ID)
	default:
		out, err = c.advanceTransaction(ctx, tx.ID, to)
	}
	if err != nil {
		c.rejected(ctx, "settlement."+string(ev.Type), tx.ID, err)
		return out, err
	}
	return out, nil
}

// advanceTransaction handles received and cancelled events, which only touch
// the transaction itself.
func (c *Coordinator) advanceTransaction(ctx context.Context, id string, to domain.SettlementState) (domain.SettlementTransaction, error) {
	before, err := c.tracker.Check(id, to)
	if err != nil {
		return before, err
	}
	tx, err := c.tracker.Apply(id, to)
	if err != nil {
		return tx, err
	}

	kind := domain.NotificationSettlementReceived
	if to == domain.SettlementCancelled {
		kind = domain.NotificationSettlementCancelled
	}
	payload := txPayload(tx)
	payload["previous_state"] = string(before.State)

	n := c.dispatcher.Emit(ctx, domain.Notification{
		Kind:         kind,
		SubjectID:    tx.ID,
		InstrumentID: tx.InstrumentID,
		Payload:      payload,
	})
	c.record(ctx, tx.InstrumentID, domain.Commit{Transaction: &tx, Notification: n})

	c.logger.InfoContext(ctx, "settlement "+string(to),
		slog.String("tx_id", tx.ID),
		slog.String("instrument", tx.InstrumentID),
	)
	return tx, nil
}

// transfer completes a settlement: the position effect is applied and the
// instrument advances when the settlement moves it to its next stage.
func (c *Coordinator) transfer(ctx context.Context, id string) (domain.SettlementTransaction, error) {
	pending, err := c.tracker.Check(id, domain.SettlementTransferred)
	if err != nil {
		return pending, err
	}
	if err := c.lifecycle.CheckSettlement(pending.InstrumentID, pending.Kind); err != nil {
		return pending, err
	}
	if err := c.positions.CheckSettlement(pending); err != nil {
		return pending, err
	}

	tx, err := c.tracker.Apply(id, domain.SettlementTransferred)
	if err != nil {
		return tx, err
	}
	if _, err := c.positions.ApplySettlement(tx); err != nil {
		// Checked above under the same lock; reaching this is a bug.
		c.logger.ErrorContext(ctx, "position update failed after check",
			slog.String("tx_id", tx.ID),
			slog.String("error", err.Error()),
		)
		return tx, fmt.Errorf("reconcile: apply %s: %w", tx.ID, err)
	}

	inst, err := c.advanceInstrument(ctx, tx)
	if err != nil {
		return tx, err
	}
	supply, _ := c.positions.Supply(tx.InstrumentID)
	book := c.positions.Snapshot(tx.InstrumentID)

	payload := txPayload(tx)
	payload["instrument_state"] = string(inst.State)
	payload["circulating"] = supply.Circulating

	n := c.dispatcher.Emit(ctx, domain.Notification{
		Kind:         domain.SettledKind(tx.Kind),
		SubjectID:    tx.ID,
		InstrumentID: tx.InstrumentID,
		Payload:      payload,
	})
	c.record(ctx, tx.InstrumentID, domain.Commit{
		Instrument:   &inst,
		Transaction:  &tx,
		Positions:    book,
		Supply:       &supply,
		Notification: n,
	})

	c.logger.InfoContext(ctx, "settlement transferred",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.String("instrument", tx.InstrumentID),
		slog.String("instrument_state", string(inst.State)),
		slog.Int64("circulating", supply.Circulating),
	)
	return tx, nil
}

// advanceInstrument moves Subscribable to Tradable on the first settled
// subscription, and Tradable to Redeemed once redemptions leave nothing in
// circulation.
func (c *Coordinator) advanceInstrument(ctx context.Context, tx domain.SettlementTransaction) (domain.Instrument, error) {
	inst, err := c.lifecycle.Get(tx.InstrumentID)
	if err != nil {
		return inst, err
	}

	var next domain.InstrumentState
	switch {
	case tx.Kind == domain.SettlementSubscription && inst.State == domain.InstrumentSubscribable:
		next = domain.InstrumentTradable
	case tx.Kind == domain.SettlementRedemption && inst.State == domain.InstrumentTradable:
		circ, err := c.positions.Circulating(tx.InstrumentID)
		if err != nil {
			return inst, err
		}
		if circ == 0 {
			next = domain.InstrumentRedeemed
		}
	}
	if next == "" {
		return inst, nil
	}

	inst, err = c.lifecycle.Advance(tx.InstrumentID, next)
	if err != nil {
		return inst, fmt.Errorf("reconcile: advance %s: %w", tx.InstrumentID, err)
	}
	c.logger.InfoContext(ctx, "instrument advanced",
		slog.String("address", inst.Address),
		slog.String("state", string(inst.State)),
	)
	return inst, nil
}

func txPayload(tx domain.SettlementTransaction) map[string]any {
	return map[string]any{
		"kind":     string(tx.Kind),
		"from":     tx.From,
		"to":       tx.To,
		"quantity": tx.Quantity,
		"state":    string(tx.State),
	}
}

// record persists commit. Commits the journal refused are kept per
// instrument and written, in order, ahead of the instrument's next commit.
// Callers hold the instrument lock.
func (c *Coordinator) record(ctx context.Context, instrumentID string, commit domain.Commit) {
	if c.journal == nil {
		return
	}
	// The transition is already committed in memory; a cancelled caller
	// must not stop it from being persisted.
	ctx = context.WithoutCancel(ctx)

	c.pendingMu.Lock()
	queue := append(c.pending[instrumentID], commit)
	delete(c.pending, instrumentID)
	c.pendingMu.Unlock()

	for i, pc := range queue {
		if err := c.journal.Record(ctx, pc); err != nil {
			c.logger.ErrorContext(ctx, "journal record failed",
				slog.String("instrument", instrumentID),
				slog.Uint64("sequence", pc.Notification.Sequence),
				slog.String("kind", string(pc.Notification.Kind)),
				slog.Int("backlog", len(queue)-i),
				slog.String("error", err.Error()),
			)
			c.deferCommits(ctx, instrumentID, queue[i:])
			return
		}
	}
}

// defer_ keeps unrecorded commits for the next attempt, dropping the oldest
// beyond maxPendingCommits. Later commits carry the whole position book, so
// a dropped commit never leaves the persisted book inconsistent.
func (c *Coordinator) deferCommits(ctx context.Context, instrumentID string, queue []domain.Commit) {
	if over := len(queue) - maxPendingCommits; over > 0 {
		c.logger.ErrorContext(ctx, "journal backlog full, dropping commits",
			slog.String("instrument", instrumentID),
			slog.Int("dropped", over),
		)
		queue = queue[over:]
	}
	c.pendingMu.Lock()
	c.pending[instrumentID] = queue
	c.pendingMu.Unlock()
}

// PendingCommits returns the number of commits waiting to be journaled.
func (c *Coordinator) PendingCommits() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	total := 0
	for _, q := range c.pending {
		total += len(q)
	}
	return total
}

func (c *Coordinator) rejected(ctx context.Context, op, subject string, err error) {
	c.logger.WarnContext(ctx, "operation rejected",
		slog.String("op", op),
		slog.String("subject", subject),
		slog.String("error", err.Error()),
	)
	if c.audit == nil {
		return
	}
	detail := map[string]any{
		"op":      op,
		"subject": subject,
		"error":   err.Error(),
		"reason":  reason(err),
	}
	if aerr := c.audit.Log(context.WithoutCancel(ctx), "rejected", detail); aerr != nil {
		c.logger.ErrorContext(ctx, "audit log failed", slog.String("error", aerr.Error()))
	}
}

// reason names the sentinel behind err, or "other".
func reason(err error) string {
	for _, s := range []error{
		domain.ErrInvalidTerms,
		domain.ErrInstrumentClosed,
		domain.ErrInvalidTransition,
		domain.ErrInsufficientPosition,
		domain.ErrUnknownEntity,
		domain.ErrAlreadyExists,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "other"
}

// Instrument returns a tracked instrument.
func (c *Coordinator) Instrument(address string) (domain.Instrument, error) {
	return c.lifecycle.Get(address)
}

// Instruments returns every tracked instrument in listing order.
func (c *Coordinator) Instruments() []domain.Instrument {
	return c.lifecycle.List()
}

// InstrumentState returns an instrument's lifecycle state.
func (c *Coordinator) InstrumentState(address string) (domain.InstrumentState, error) {
	return c.lifecycle.State(address)
}

// Transaction returns a settlement transaction.
func (c *Coordinator) Transaction(id string) (domain.SettlementTransaction, error) {
	return c.tracker.Get(id)
}

// TransactionState returns a settlement transaction's state.
func (c *Coordinator) TransactionState(id string) (domain.SettlementState, error) {
	return c.tracker.State(id)
}

// Transactions returns the instrument's settlement transactions.
func (c *Coordinator) Transactions(instrumentID string) []domain.SettlementTransaction {
	return c.tracker.ListByInstrument(instrumentID)
}

// PositionsFor yields the instrument's (holder, quantity) pairs.
func (c *Coordinator) PositionsFor(instrumentID string) iter.Seq2[string, int64] {
	return c.positions.PositionsFor(instrumentID)
}

// Positions returns the instrument's non-zero positions ordered by holder.
func (c *Coordinator) Positions(instrumentID string) []domain.Position {
	return c.positions.Snapshot(instrumentID)
}

// Supply returns the instrument's supply breakdown.
func (c *Coordinator) Supply(instrumentID string) (domain.SupplySnapshot, error) {
	return c.positions.Supply(instrumentID)
}
