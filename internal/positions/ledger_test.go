package positions

import (
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

const bond = "0xbond"

func settled(kind domain.SettlementKind, from, to string, qty int64) domain.SettlementTransaction {
	return domain.SettlementTransaction{
		ID:           string(kind) + "-" + from + "-" + to,
		InstrumentID: bond,
		Kind:         kind,
		From:         from,
		To:           to,
		Quantity:     qty,
		State:        domain.SettlementTransferred,
	}
}

func openBook(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	require.NoError(t, l.Open(bond, 10_000))
	return l
}

func assertConserved(t *testing.T, l *Ledger) {
	t.Helper()
	s, err := l.Supply(bond)
	require.NoError(t, err)

	var sum int64
	for _, q := range l.PositionsFor(bond) {
		sum += q
	}
	assert.Equal(t, s.Circulating, sum)
	assert.Equal(t, s.Initial, s.Circulating+s.Unissued+s.Retired)
}

func TestLifecycleOfPositions(t *testing.T) {
	l := openBook(t)
	assert.Empty(t, maps.Collect(l.PositionsFor(bond)), "no positions right after issuance")
	assertConserved(t, l)

	_, err := l.ApplySettlement(settled(domain.SettlementSubscription, "", "alice", 500))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 500}, maps.Collect(l.PositionsFor(bond)))
	assertConserved(t, l)

	touched, err := l.ApplySettlement(settled(domain.SettlementTrade, "alice", "bob", 200))
	require.NoError(t, err)
	assert.Equal(t, []domain.Position{
		{InstrumentID: bond, Holder: "alice", Quantity: 300},
		{InstrumentID: bond, Holder: "bob", Quantity: 200},
	}, touched)
	assertConserved(t, l)

	_, err = l.ApplySettlement(settled(domain.SettlementRedemption, "alice", "", 300))
	require.NoError(t, err)
	_, err = l.ApplySettlement(settled(domain.SettlementRedemption, "bob", "", 200))
	require.NoError(t, err)

	assert.Empty(t, maps.Collect(l.PositionsFor(bond)))
	circ, err := l.Circulating(bond)
	require.NoError(t, err)
	assert.Zero(t, circ)

	s, _ := l.Supply(bond)
	assert.Equal(t, int64(500), s.Retired)
	assert.Equal(t, int64(9_500), s.Unissued)
	assertConserved(t, l)
}

func TestInsufficientPosition(t *testing.T) {
	l := openBook(t)
	_, err := l.ApplySettlement(settled(domain.SettlementSubscription, "", "alice", 100))
	require.NoError(t, err)

	_, err = l.ApplySettlement(settled(domain.SettlementTrade, "alice", "bob", 101))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition)

	_, err = l.ApplySettlement(settled(domain.SettlementRedemption, "bob", "", 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition)

	_, err = l.ApplySettlement(settled(domain.SettlementSubscription, "", "carol", 10_000))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition, "cannot subscribe beyond unissued supply")

	q, _ := l.Position(bond, "alice")
	assert.Equal(t, int64(100), q, "rejected settlements leave the book unchanged")
	assertConserved(t, l)
}

func TestCheckSettlementDoesNotMutate(t *testing.T) {
	l := openBook(t)
	require.NoError(t, l.CheckSettlement(settled(domain.SettlementSubscription, "", "alice", 10)))
	q, _ := l.Position(bond, "alice")
	assert.Zero(t, q)
}

func TestPositionsForIsRestartable(t *testing.T) {
	l := openBook(t)
	_, err := l.ApplySettlement(settled(domain.SettlementSubscription, "", "bob", 1))
	require.NoError(t, err)
	_, err = l.ApplySettlement(settled(domain.SettlementSubscription, "", "alice", 2))
	require.NoError(t, err)

	seq := l.PositionsFor(bond)

	var first []string
	for h := range seq {
		first = append(first, h)
		break
	}
	assert.Equal(t, []string{"alice"}, first, "holders are yielded in order and iteration can stop early")

	_, err = l.ApplySettlement(settled(domain.SettlementSubscription, "", "carol", 3))
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"alice": 2, "bob": 1, "carol": 3}, maps.Collect(seq),
		"a new iteration observes the current book")
}

func TestUnknownBook(t *testing.T) {
	l := NewLedger()
	_, err := l.ApplySettlement(settled(domain.SettlementSubscription, "", "alice", 1))
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	assert.Empty(t, maps.Collect(l.PositionsFor(bond)))
}

func TestOpenTwice(t *testing.T) {
	l := openBook(t)
	assert.ErrorIs(t, l.Open(bond, 1), domain.ErrAlreadyExists)
}

func TestRestore(t *testing.T) {
	l := NewLedger()
	err := l.Restore(domain.SupplySnapshot{InstrumentID: bond, Initial: 100, Unissued: 50, Retired: 10},
		[]domain.Position{{Holder: "alice", Quantity: 40}})
	require.NoError(t, err)
	q, _ := l.Position(bond, "alice")
	assert.Equal(t, int64(40), q)

	bad := NewLedger()
	err = bad.Restore(domain.SupplySnapshot{InstrumentID: bond, Initial: 100, Unissued: 50},
		[]domain.Position{{Holder: "alice", Quantity: 40}})
	assert.Error(t, err, "holdings must match circulating supply")
}
