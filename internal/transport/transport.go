// Package transport defines how settlement transport events reach the
// coordinator. Concrete transports live in sub-packages.
package transport

import (
	"context"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Handler applies one settlement event. The coordinator implements it.
type Handler interface {
	HandleSettlementEvent(ctx context.Context, ev domain.SettlementEvent) (domain.SettlementTransaction, error)
}

// Source delivers settlement events to a Handler until ctx is done.
type Source interface {
	Run(ctx context.Context, h Handler) error
}
