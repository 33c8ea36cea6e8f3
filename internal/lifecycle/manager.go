// Package lifecycle owns the per-instrument state machine
// (created -> subscribable -> tradable -> redeemed) and gates which economic
// operations an instrument accepts in its current state.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Manager holds every listed instrument. It is safe for concurrent use;
// callers serialize mutations of a single instrument themselves.
type Manager struct {
	mu          sync.RWMutex
	instruments map[string]*domain.Instrument
	now         func() time.Time
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		instruments: make(map[string]*domain.Instrument),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks creation input without registering anything.
func (m *Manager) Validate(kind domain.InstrumentType, terms domain.InstrumentTerms) error {
	if kind != domain.InstrumentTypeBond {
		return fmt.Errorf("lifecycle: %w: unsupported instrument type %q", domain.ErrInvalidTerms, kind)
	}
	if err := terms.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	return nil
}

// Register lists a new instrument. It enters Created and immediately moves
// to Subscribable. The returned copy reflects the final state.
func (m *Manager) Register(address string, kind domain.InstrumentType, terms domain.InstrumentTerms, txHash string) (domain.Instrument, error) {
	if address == "" {
		return domain.Instrument{}, fmt.Errorf("lifecycle: %w: empty instrument address", domain.ErrInvalidTerms)
	}
	if err := m.Validate(kind, terms); err != nil {
		return domain.Instrument{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instruments[address]; ok {
		return domain.Instrument{}, fmt.Errorf("lifecycle: instrument %s: %w", address, domain.ErrAlreadyExists)
	}

	now := m.now()
	inst := &domain.Instrument{
		Address:         address,
		Type:            kind,
		Terms:           terms,
		State:           domain.InstrumentCreated,
		InitialSupply:   terms.InitialSupply(),
		TransactionHash: txHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inst.State = domain.InstrumentSubscribable
	m.instruments[address] = inst
	return *inst, nil
}

// Restore reinstates a previously persisted instrument as-is.
func (m *Manager) Restore(inst domain.Instrument) error {
	if inst.State.Rank() < 0 {
		return fmt.Errorf("lifecycle: restore %s: unknown state %q", inst.Address, inst.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instruments[inst.Address]; ok {
		return fmt.Errorf("lifecycle: restore %s: %w", inst.Address, domain.ErrAlreadyExists)
	}
	cp := inst
	m.instruments[inst.Address] = &cp
	return nil
}

// CheckSubscription reports whether a subscription may be requested.
func (m *Manager) CheckSubscription(id string) error {
	return m.check(id, domain.SettlementSubscription)
}

// CheckTrade reports whether a trade may be requested.
func (m *Manager) CheckTrade(id string) error {
	return m.check(id, domain.SettlementTrade)
}

// CheckRedemption reports whether a redemption may be requested.
func (m *Manager) CheckRedemption(id string) error {
	return m.check(id, domain.SettlementRedemption)
}

// CheckSettlement re-applies the operation gate for kind. The coordinator
// calls it again when a settlement completes, since the instrument may have
// moved on since the request was accepted.
func (m *Manager) CheckSettlement(id string, kind domain.SettlementKind) error {
	return m.check(id, kind)
}

func (m *Manager) check(id string, kind domain.SettlementKind) error {
	state, err := m.State(id)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return fmt.Errorf("lifecycle: %s on %s: %w", kind, id, domain.ErrInstrumentClosed)
	}

	switch kind {
	case domain.SettlementSubscription, domain.SettlementTrade:
		if state == domain.InstrumentSubscribable || state == domain.InstrumentTradable {
			return nil
		}
	case domain.SettlementRedemption:
		if state == domain.InstrumentTradable {
			return nil
		}
	default:
		return fmt.Errorf("lifecycle: %w: unknown settlement kind %q", domain.ErrInvalidTerms, kind)
	}
	return fmt.Errorf("lifecycle: %s on %s in state %s: %w", kind, id, state, domain.ErrInvalidTransition)
}

// Advance moves an instrument to the next lifecycle state. Only the
// immediate successor of the current state is accepted.
func (m *Manager) Advance(id string, to domain.InstrumentState) (domain.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instruments[id]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("lifecycle: instrument %s: %w", id, domain.ErrUnknownEntity)
	}
	if to.Rank() != inst.State.Rank()+1 {
		return *inst, fmt.Errorf("lifecycle: %s -> %s on %s: %w", inst.State, to, id, domain.ErrInvalidTransition)
	}
	inst.State = to
	inst.UpdatedAt = m.now()
	return *inst, nil
}

// State returns the current lifecycle state.
func (m *Manager) State(id string) (domain.InstrumentState, error) {
	inst, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return inst.State, nil
}

// Get returns a copy of the instrument.
func (m *Manager) Get(id string) (domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instruments[id]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("lifecycle: instrument %s: %w", id, domain.ErrUnknownEntity)
	}
	return *inst, nil
}

// List returns all instruments ordered by creation time.
func (m *Manager) List() []domain.Instrument {
	m.mu.RLock()
	out := make([]domain.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		out = append(out, *inst)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
