package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// historyLimit bounds the number of emitted notifications kept for History.
const historyLimit = 4096

// DefaultFeedLimit bounds each kind's unconsumed feed. When a feed is full
// the oldest notification is dropped from it.
const DefaultFeedLimit = 10_000

// Sink receives every emitted notification. Delivery is best effort: sink
// errors are logged and never fail the emission.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// Dispatcher assigns sequence numbers to notifications, keeps an ordered
// unconsumed feed per kind, and fans each notification out to its sinks.
// It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	seq     uint64
	feeds   map[domain.NotificationKind][]domain.Notification
	history []domain.Notification
	signal  chan struct{} // closed and replaced on every emission
	sinks   []Sink

	feedLimit int

	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher with the given sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		feeds:     make(map[domain.NotificationKind][]domain.Notification),
		signal:    make(chan struct{}),
		sinks:     sinks,
		feedLimit: DefaultFeedLimit,
		logger:    logger.With(slog.String("component", "dispatcher")),
		now:       time.Now,
	}
}

// AddSink registers an additional sink. Sinks added after emissions started
// only see later notifications.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// SetFeedLimit changes the per-kind feed bound. n <= 0 keeps every
// unconsumed notification.
func (d *Dispatcher) SetFeedLimit(n int) {
	d.mu.Lock()
	d.feedLimit = n
	d.mu.Unlock()
}

// SetSequence sets the last used sequence number, used after restoring state
// so new notifications continue the persisted numbering.
func (d *Dispatcher) SetSequence(seq uint64) {
	d.mu.Lock()
	if seq > d.seq {
		d.seq = seq
	}
	d.mu.Unlock()
}

// Sequence returns the last assigned sequence number.
func (d *Dispatcher) Sequence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Emit stamps n with the next sequence number and emission time, enqueues it
// on its kind's feed and hands it to every sink. The stamped notification is
// returned.
func (d *Dispatcher) Emit(ctx context.Context, n domain.Notification) domain.Notification {
	d.mu.Lock()
	d.seq++
	n.Sequence = d.seq
	if n.EmittedAt.IsZero() {
		n.EmittedAt = d.now().UTC()
	}
	feed := append(d.feeds[n.Kind], n)
	var dropped domain.Notification
	if d.feedLimit > 0 && len(feed) > d.feedLimit {
		dropped = feed[0]
		feed = feed[len(feed)-d.feedLimit:]
	}
	d.feeds[n.Kind] = feed
	d.history = append(d.history, n)
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
	close(d.signal)
	d.signal = make(chan struct{})
	sinks := d.sinks
	d.mu.Unlock()

	if dropped.Sequence != 0 {
		d.logger.WarnContext(ctx, "feed full, oldest unconsumed notification dropped",
			slog.String("kind", string(n.Kind)),
			slog.Uint64("dropped_sequence", dropped.Sequence),
		)
	}

	d.logger.DebugContext(ctx, "notification emitted",
		slog.Uint64("sequence", n.Sequence),
		slog.String("kind", string(n.Kind)),
		slog.String("subject", n.SubjectID),
	)

	for _, s := range sinks {
		if err := s.Deliver(ctx, n); err != nil {
			d.logger.WarnContext(ctx, "sink delivery failed",
				slog.String("sink", s.Name()),
				slog.Uint64("sequence", n.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
	return n
}

// Next pops the oldest unconsumed notification of kind.
func (d *Dispatcher) Next(kind domain.NotificationKind) (domain.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	feed := d.feeds[kind]
	if len(feed) == 0 {
		return domain.Notification{}, false
	}
	n := feed[0]
	d.feeds[kind] = feed[1:]
	return n, true
}

// Expect consumes the oldest unconsumed notification of kind whose subject is
// subjectID. It fails with ErrUnknownEntity when there is none.
func (d *Dispatcher) Expect(kind domain.NotificationKind, subjectID string) (domain.Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.take(kind, subjectID); ok {
		return n, nil
	}
	return domain.Notification{}, fmt.Errorf("notify: no %s notification for %s: %w", kind, subjectID, domain.ErrUnknownEntity)
}

// Await is Expect that waits for the notification to arrive. When ctx ends
// first it fails with ErrUnknownEntity.
func (d *Dispatcher) Await(ctx context.Context, kind domain.NotificationKind, subjectID string) (domain.Notification, error) {
	for {
		d.mu.Lock()
		if n, ok := d.take(kind, subjectID); ok {
			d.mu.Unlock()
			return n, nil
		}
		wait := d.signal
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return domain.Notification{}, fmt.Errorf("notify: await %s for %s: %w (%v)",
				kind, subjectID, domain.ErrUnknownEntity, ctx.Err())
		}
	}
}

func (d *Dispatcher) take(kind domain.NotificationKind, subjectID string) (domain.Notification, bool) {
	feed := d.feeds[kind]
	for i, n := range feed {
		if n.SubjectID != subjectID {
			continue
		}
		rest := make([]domain.Notification, 0, len(feed)-1)
		rest = append(rest, feed[:i]...)
		rest = append(rest, feed[i+1:]...)
		d.feeds[kind] = rest
		return n, true
	}
	return domain.Notification{}, false
}

// Drain consumes and returns every unconsumed notification of kind, oldest
// first.
func (d *Dispatcher) Drain(kind domain.NotificationKind) []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	feed := d.feeds[kind]
	delete(d.feeds, kind)
	return feed
}

// DrainAll consumes every unconsumed notification in sequence order.
func (d *Dispatcher) DrainAll() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.unconsumed()
	clear(d.feeds)
	return out
}

// Pending returns the number of unconsumed notifications across all kinds.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, feed := range d.feeds {
		total += len(feed)
	}
	return total
}

// Unconsumed returns a copy of every unconsumed notification in sequence
// order without consuming them.
func (d *Dispatcher) Unconsumed() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unconsumed()
}

func (d *Dispatcher) unconsumed() []domain.Notification {
	var out []domain.Notification
	for _, feed := range d.feeds {
		out = append(out, feed...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// AssertDrained returns ErrUndrainedNotifications listing every leftover
// notification, or nil when all feeds are empty.
func (d *Dispatcher) AssertDrained() error {
	left := d.Unconsumed()
	if len(left) == 0 {
		return nil
	}
	parts := make([]string, len(left))
	for i, n := range left {
		parts[i] = fmt.Sprintf("#%d %s(%s)", n.Sequence, n.Kind, n.SubjectID)
	}
	return fmt.Errorf("notify: %d left: %s: %w", len(left), strings.Join(parts, ", "), domain.ErrUndrainedNotifications)
}

// History returns up to limit of the most recently emitted notifications,
// consumed or not, oldest first. An empty instrumentID matches every
// instrument; limit <= 0 means no limit.
func (d *Dispatcher) History(instrumentID string, limit int) []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Notification
	for i := len(d.history) - 1; i >= 0; i-- {
		n := d.history[i]
		if instrumentID != "" && n.InstrumentID != instrumentID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
