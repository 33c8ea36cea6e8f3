package domain

import "time"

// SettlementKind classifies the economic operation a settlement carries.
type SettlementKind string

const (
	SettlementSubscription SettlementKind = "subscription"
	SettlementTrade        SettlementKind = "trade"
	SettlementRedemption   SettlementKind = "redemption"
)

// Valid reports whether k is a known settlement kind.
func (k SettlementKind) Valid() bool {
	switch k {
	case SettlementSubscription, SettlementTrade, SettlementRedemption:
		return true
	default:
		return false
	}
}

// SettlementState is the state of a single settlement transaction.
type SettlementState string

const (
	SettlementInitiated   SettlementState = "initiated"
	SettlementReceived    SettlementState = "received"
	SettlementTransferred SettlementState = "transferred"
	SettlementCancelled   SettlementState = "cancelled"
)

// Terminal reports whether s accepts no further transition.
func (s SettlementState) Terminal() bool {
	return s == SettlementTransferred || s == SettlementCancelled
}

// SettlementTransaction moves Quantity units of an instrument from one party
// to another. For subscriptions From is the issuer pool; for redemptions To
// is the issuer.
type SettlementTransaction struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Kind         SettlementKind  `json:"kind"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Quantity     int64           `json:"quantity"`
	State        SettlementState `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SettlementEventType is what the settlement transport reports for a
// transaction.
type SettlementEventType string

const (
	SettlementEventReceived    SettlementEventType = "received"
	SettlementEventTransferred SettlementEventType = "transferred"
	SettlementEventCancelled   SettlementEventType = "cancelled"
)

// Target returns the settlement state the event moves a transaction to.
func (e SettlementEventType) Target() (SettlementState, bool) {
	switch e {
	case SettlementEventReceived:
		return SettlementReceived, true
	case SettlementEventTransferred:
		return SettlementTransferred, true
	case SettlementEventCancelled:
		return SettlementCancelled, true
	default:
		return "", false
	}
}

// SettlementEvent is one asynchronous notification from the settlement
// transport.
type SettlementEvent struct {
	TxID       string              `json:"tx_id"`
	Type       SettlementEventType `json:"event"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// SettlementRequest asks for a new settlement transaction. ID may be empty,
// in which case one is generated.
type SettlementRequest struct {
	ID           string `json:"id"`
	InstrumentID string `json:"instrument_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Quantity     int64  `json:"quantity"`
}
