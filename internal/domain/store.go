package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Event  string // audit queries only
}

// Commit is everything a single accepted event changed. Pointer fields are
// nil when the event did not touch that entity. When Supply is set,
// Positions is the instrument's whole non-zero book and replaces any
// persisted one.
type Commit struct {
	Instrument   *Instrument
	Transaction  *SettlementTransaction
	Positions    []Position
	Supply       *SupplySnapshot
	Notification Notification
}

// Journal durably records committed events.
type Journal interface {
	Record(ctx context.Context, c Commit) error
}

// Snapshot is the full persisted state used to rebuild the in-memory state
// machines at startup.
type Snapshot struct {
	Instruments  []Instrument
	Transactions []SettlementTransaction
	Positions    []Position
	Supplies     []SupplySnapshot
	LastSequence uint64
}

// SnapshotLoader reads a Snapshot from durable storage.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// NotificationStore lists persisted notifications.
type NotificationStore interface {
	ListNotifications(ctx context.Context, instrumentID string, opts ListOpts) ([]Notification, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
