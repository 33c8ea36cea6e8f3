// Package settlement tracks settlement transactions through
// initiated -> received -> transferred, with cancellation allowed until the
// transfer completes.
package settlement

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// transitions lists, for every target state, the states it may be reached from.
var transitions = map[domain.SettlementState][]domain.SettlementState{
	domain.SettlementReceived:    {domain.SettlementInitiated},
	domain.SettlementTransferred: {domain.SettlementReceived},
	domain.SettlementCancelled:   {domain.SettlementInitiated, domain.SettlementReceived},
}

// Tracker owns every settlement transaction's state. It is safe for
// concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	txs map[string]*domain.SettlementTransaction
	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		txs: make(map[string]*domain.SettlementTransaction),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Prepare validates a request and builds the transaction Initiate would
// store, without storing it.
func (t *Tracker) Prepare(kind domain.SettlementKind, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	if !kind.Valid() {
		return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: unknown kind %q", domain.ErrInvalidTerms, kind)
	}
	if req.InstrumentID == "" {
		return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: instrument id is required", domain.ErrInvalidTerms)
	}
	if req.Quantity <= 0 {
		return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: quantity must be > 0, got %d", domain.ErrInvalidTerms, req.Quantity)
	}
	switch kind {
	case domain.SettlementSubscription:
		if req.To == "" {
			return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: subscription requires a buyer", domain.ErrInvalidTerms)
		}
	case domain.SettlementTrade:
		if req.From == "" || req.To == "" {
			return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: trade requires seller and buyer", domain.ErrInvalidTerms)
		}
		if req.From == req.To {
			return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: trade parties must differ", domain.ErrInvalidTerms)
		}
	case domain.SettlementRedemption:
		if req.From == "" {
			return domain.SettlementTransaction{}, fmt.Errorf("settlement: %w: redemption requires a holder", domain.ErrInvalidTerms)
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	t.mu.RLock()
	_, exists := t.txs[id]
	t.mu.RUnlock()
	if exists {
		return domain.SettlementTransaction{}, fmt.Errorf("settlement: transaction %s: %w", id, domain.ErrAlreadyExists)
	}

	now := t.now()
	return domain.SettlementTransaction{
		ID:           id,
		InstrumentID: req.InstrumentID,
		Kind:         kind,
		From:         req.From,
		To:           req.To,
		Quantity:     req.Quantity,
		State:        domain.SettlementInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Initiate stores a new transaction in the Initiated state.
func (t *Tracker) Initiate(kind domain.SettlementKind, req domain.SettlementRequest) (domain.SettlementTransaction, error) {
	tx, err := t.Prepare(kind, req)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.txs[tx.ID]; ok {
		return domain.SettlementTransaction{}, fmt.Errorf("settlement: transaction %s: %w", tx.ID, domain.ErrAlreadyExists)
	}
	stored := tx
	t.txs[tx.ID] = &stored
	return tx, nil
}

// Restore reinstates a persisted transaction as-is.
func (t *Tracker) Restore(tx domain.SettlementTransaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.txs[tx.ID]; ok {
		return fmt.Errorf("settlement: restore %s: %w", tx.ID, domain.ErrAlreadyExists)
	}
	cp := tx
	t.txs[tx.ID] = &cp
	return nil
}

// Check reports whether the transaction may move to the target state
// without changing anything.
func (t *Tracker) Check(id string, to domain.SettlementState) (domain.SettlementTransaction, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, err := t.lookup(id)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	if err := allowed(tx.State, to); err != nil {
		return *tx, fmt.Errorf("settlement: transaction %s: %w", id, err)
	}
	return *tx, nil
}

// Apply moves the transaction to the target state. A rejected transition
// leaves the transaction untouched. Re-applying a transition that already
// happened is rejected.
func (t *Tracker) Apply(id string, to domain.SettlementState) (domain.SettlementTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, err := t.lookup(id)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	if err := allowed(tx.State, to); err != nil {
		return *tx, fmt.Errorf("settlement: transaction %s: %w", id, err)
	}
	tx.State = to
	tx.UpdatedAt = t.now()
	return *tx, nil
}

// MarkReceived moves an Initiated transaction to Received.
func (t *Tracker) MarkReceived(id string) (domain.SettlementTransaction, error) {
	return t.Apply(id, domain.SettlementReceived)
}

// MarkTransferred moves a Received transaction to Transferred.
func (t *Tracker) MarkTransferred(id string) (domain.SettlementTransaction, error) {
	return t.Apply(id, domain.SettlementTransferred)
}

// Cancel cancels a transaction that has not been transferred yet.
func (t *Tracker) Cancel(id string) (domain.SettlementTransaction, error) {
	return t.Apply(id, domain.SettlementCancelled)
}

// Get returns a copy of the transaction.
func (t *Tracker) Get(id string) (domain.SettlementTransaction, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, err := t.lookup(id)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	return *tx, nil
}

// State returns the transaction's current state.
func (t *Tracker) State(id string) (domain.SettlementState, error) {
	tx, err := t.Get(id)
	if err != nil {
		return "", err
	}
	return tx.State, nil
}

// ListByInstrument returns the instrument's transactions in creation order.
func (t *Tracker) ListByInstrument(instrumentID string) []domain.SettlementTransaction {
	t.mu.RLock()
	var out []domain.SettlementTransaction
	for _, tx := range t.txs {
		if tx.InstrumentID == instrumentID {
			out = append(out, *tx)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) lookup(id string) (*domain.SettlementTransaction, error) {
	tx, ok := t.txs[id]
	if !ok {
		return nil, fmt.Errorf("settlement: transaction %s: %w", id, domain.ErrUnknownEntity)
	}
	return tx, nil
}

func allowed(from, to domain.SettlementState) error {
	sources, ok := transitions[to]
	if !ok {
		return fmt.Errorf("%w: unknown target state %q", domain.ErrInvalidTransition, to)
	}
	for _, s := range sources {
		if s == from {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
}
