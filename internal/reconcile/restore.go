package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Restore rebuilds the state machines from a persisted snapshot. It must run
// before the Coordinator handles any event.
func (c *Coordinator) Restore(ctx context.Context, loader domain.SnapshotLoader) error {
	snap, err := loader.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load snapshot: %w", err)
	}

	for _, inst := range snap.Instruments {
		if err := c.lifecycle.Restore(inst); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}
	for _, tx := range snap.Transactions {
		if err := c.tracker.Restore(tx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	holdings := make(map[string][]domain.Position)
	for _, p := range snap.Positions {
		holdings[p.InstrumentID] = append(holdings[p.InstrumentID], p)
	}
	for _, s := range snap.Supplies {
		if err := c.positions.Restore(s, holdings[s.InstrumentID]); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}
	c.dispatcher.SetSequence(snap.LastSequence)

	c.logger.InfoContext(ctx, "state restored",
		slog.Int("instruments", len(snap.Instruments)),
		slog.Int("transactions", len(snap.Transactions)),
		slog.Int("positions", len(snap.Positions)),
		slog.Uint64("last_sequence", snap.LastSequence),
	)
	return nil
}
