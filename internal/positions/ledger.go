// Package positions keeps per-holder quantities for every instrument and
// applies the effect of completed settlements.
package positions

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// book is the position book of one instrument. Circulating plus unissued
// plus retired always equals initial.
type book struct {
	initial  int64
	unissued int64
	retired  int64
	holders  map[string]int64
}

func (b *book) circulating() int64 {
	return b.initial - b.unissued - b.retired
}

// Ledger holds one book per instrument. It is safe for concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	books map[string]*book
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{books: make(map[string]*book)}
}

// Open creates the book of a newly listed instrument with the whole supply
// unissued.
func (l *Ledger) Open(instrumentID string, initialSupply int64) error {
	if initialSupply < 0 {
		return fmt.Errorf("positions: %w: negative initial supply %d", domain.ErrInvalidTerms, initialSupply)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.books[instrumentID]; ok {
		return fmt.Errorf("positions: book %s: %w", instrumentID, domain.ErrAlreadyExists)
	}
	l.books[instrumentID] = &book{
		initial:  initialSupply,
		unissued: initialSupply,
		holders:  make(map[string]int64),
	}
	return nil
}

// Restore reinstates a persisted book.
func (l *Ledger) Restore(supply domain.SupplySnapshot, holdings []domain.Position) error {
	b := &book{
		initial:  supply.Initial,
		unissued: supply.Unissued,
		retired:  supply.Retired,
		holders:  make(map[string]int64, len(holdings)),
	}
	var sum int64
	for _, p := range holdings {
		if p.Quantity < 0 {
			return fmt.Errorf("positions: restore %s: negative position for %s", supply.InstrumentID, p.Holder)
		}
		if p.Quantity > 0 {
			b.holders[p.Holder] = p.Quantity
			sum += p.Quantity
		}
	}
	if sum != b.circulating() {
		return fmt.Errorf("positions: restore %s: holdings sum %d does not match circulating %d",
			supply.InstrumentID, sum, b.circulating())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.books[supply.InstrumentID]; ok {
		return fmt.Errorf("positions: restore %s: %w", supply.InstrumentID, domain.ErrAlreadyExists)
	}
	l.books[supply.InstrumentID] = b
	return nil
}

// CheckSettlement reports whether ApplySettlement would succeed, without
// changing anything.
func (l *Ledger) CheckSettlement(tx domain.SettlementTransaction) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, err := l.book(tx.InstrumentID)
	if err != nil {
		return err
	}
	return check(b, tx)
}

// ApplySettlement applies a transferred settlement and returns the resulting
// positions of the holders it touched. Subscriptions credit the buyer from the
// unissued pool; trades move quantity from seller to buyer; redemptions debit
// the holder and retire the quantity.
func (l *Ledger) ApplySettlement(tx domain.SettlementTransaction) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.book(tx.InstrumentID)
	if err != nil {
		return nil, err
	}
	if err := check(b, tx); err != nil {
		return nil, err
	}

	var touched []string
	switch tx.Kind {
	case domain.SettlementSubscription:
		b.unissued -= tx.Quantity
		b.holders[tx.To] += tx.Quantity
		touched = []string{tx.To}
	case domain.SettlementTrade:
		b.holders[tx.From] -= tx.Quantity
		b.holders[tx.To] += tx.Quantity
		touched = []string{tx.From, tx.To}
	case domain.SettlementRedemption:
		b.holders[tx.From] -= tx.Quantity
		b.retired += tx.Quantity
		touched = []string{tx.From}
	}

	out := make([]domain.Position, 0, len(touched))
	for _, h := range touched {
		q := b.holders[h]
		if q == 0 {
			delete(b.holders, h)
		}
		out = append(out, domain.Position{InstrumentID: tx.InstrumentID, Holder: h, Quantity: q})
	}
	return out, nil
}

func check(b *book, tx domain.SettlementTransaction) error {
	if tx.Quantity <= 0 {
		return fmt.Errorf("positions: %w: quantity must be > 0", domain.ErrInvalidTerms)
	}
	switch tx.Kind {
	case domain.SettlementSubscription:
		if b.unissued < tx.Quantity {
			return fmt.Errorf("positions: subscription %s: unissued %d < %d: %w",
				tx.ID, b.unissued, tx.Quantity, domain.ErrInsufficientPosition)
		}
	case domain.SettlementTrade, domain.SettlementRedemption:
		if held := b.holders[tx.From]; held < tx.Quantity {
			return fmt.Errorf("positions: %s %s: %s holds %d < %d: %w",
				tx.Kind, tx.ID, tx.From, held, tx.Quantity, domain.ErrInsufficientPosition)
		}
	default:
		return fmt.Errorf("positions: %w: unknown settlement kind %q", domain.ErrInvalidTerms, tx.Kind)
	}
	return nil
}

// PositionsFor yields (holder, quantity) pairs in holder order. The sequence
// is lazy and restartable: each iteration reads a fresh snapshot of the book.
// Holders with a zero position are not yielded.
func (l *Ledger) PositionsFor(instrumentID string) iter.Seq2[string, int64] {
	return func(yield func(string, int64) bool) {
		for _, p := range l.Snapshot(instrumentID) {
			if !yield(p.Holder, p.Quantity) {
				return
			}
		}
	}
}

// Snapshot returns the instrument's non-zero positions ordered by holder.
// Unknown instruments yield an empty slice.
func (l *Ledger) Snapshot(instrumentID string) []domain.Position {
	l.mu.RLock()
	b, ok := l.books[instrumentID]
	if !ok {
		l.mu.RUnlock()
		return nil
	}
	out := make([]domain.Position, 0, len(b.holders))
	for h, q := range b.holders {
		if q > 0 {
			out = append(out, domain.Position{InstrumentID: instrumentID, Holder: h, Quantity: q})
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out
}

// Position returns a single holder's quantity.
func (l *Ledger) Position(instrumentID, holder string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, err := l.book(instrumentID)
	if err != nil {
		return 0, err
	}
	return b.holders[holder], nil
}

// Supply returns the supply breakdown of an instrument.
func (l *Ledger) Supply(instrumentID string) (domain.SupplySnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, err := l.book(instrumentID)
	if err != nil {
		return domain.SupplySnapshot{}, err
	}
	return domain.SupplySnapshot{
		InstrumentID: instrumentID,
		Initial:      b.initial,
		Unissued:     b.unissued,
		Circulating:  b.circulating(),
		Retired:      b.retired,
	}, nil
}

// Circulating returns the quantity currently held by investors.
func (l *Ledger) Circulating(instrumentID string) (int64, error) {
	s, err := l.Supply(instrumentID)
	return s.Circulating, err
}

// Unissued returns the quantity not yet subscribed.
func (l *Ledger) Unissued(instrumentID string) (int64, error) {
	s, err := l.Supply(instrumentID)
	return s.Unissued, err
}

// Retired returns the quantity removed from circulation by redemptions.
func (l *Ledger) Retired(instrumentID string) (int64, error) {
	s, err := l.Supply(instrumentID)
	return s.Retired, err
}

func (l *Ledger) book(instrumentID string) (*book, error) {
	b, ok := l.books[instrumentID]
	if !ok {
		return nil, fmt.Errorf("positions: book %s: %w", instrumentID, domain.ErrUnknownEntity)
	}
	return b, nil
}
