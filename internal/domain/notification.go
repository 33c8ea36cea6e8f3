package domain

import "time"

// NotificationKind names the transition a notification reports.
type NotificationKind string

const (
	NotificationInstrumentListed    NotificationKind = "InstrumentListed"
	NotificationSettlementInitiated NotificationKind = "SettlementInitiated"
	NotificationSettlementReceived  NotificationKind = "SettlementReceived"
	NotificationSubscriptionSettled NotificationKind = "SubscriptionSettled"
	NotificationTradeSettled        NotificationKind = "TradeSettled"
	NotificationRedemptionSettled   NotificationKind = "RedemptionSettled"
	NotificationSettlementCancelled NotificationKind = "SettlementCancelled"
)

// NotificationKinds lists every kind in a stable order.
var NotificationKinds = []NotificationKind{
	NotificationInstrumentListed,
	NotificationSettlementInitiated,
	NotificationSettlementReceived,
	NotificationSubscriptionSettled,
	NotificationTradeSettled,
	NotificationRedemptionSettled,
	NotificationSettlementCancelled,
}

// SettledKind maps a settlement kind to the notification emitted when it
// reaches Transferred.
func SettledKind(k SettlementKind) NotificationKind {
	switch k {
	case SettlementSubscription:
		return NotificationSubscriptionSettled
	case SettlementTrade:
		return NotificationTradeSettled
	case SettlementRedemption:
		return NotificationRedemptionSettled
	default:
		return ""
	}
}

// Notification is a one-time record of an accepted state transition.
type Notification struct {
	Sequence        uint64           `json:"sequence"`
	Kind            NotificationKind `json:"kind"`
	SubjectID       string           `json:"subject_id"`
	InstrumentID    string           `json:"instrument_id"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	Payload         map[string]any   `json:"payload"`
	EmittedAt       time.Time        `json:"emitted_at"`
}
