// Package notify emits lifecycle and settlement notifications. The Dispatcher
// keeps the drainable per-kind feeds; the Notifier forwards selected kinds to
// operator channels (Telegram, Discord) as a Dispatcher sink.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Sender is the interface that each alert channel must implement.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// alertQueueSize bounds the alerts waiting for Run.
const alertQueueSize = 256

// sendTimeout bounds one alert across every sender.
const sendTimeout = 30 * time.Second

type alert struct {
	title, message string
}

// Notifier forwards notifications to one or more Senders. Only kinds in the
// allowed set are forwarded; an empty set allows every kind. Deliver only
// queues; Run does the sending so a slow chat API never holds up emission.
type Notifier struct {
	senders []Sender
	kinds   map[domain.NotificationKind]bool
	queue   chan alert
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. kinds lists the
// notification kinds to forward, matched case-insensitively.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.NotificationKind]bool, len(kinds))
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		for _, known := range domain.NotificationKinds {
			if strings.EqualFold(k, string(known)) {
				allowed[known] = true
			}
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		queue:   make(chan alert, alertQueueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Name implements Sink.
func (n *Notifier) Name() string { return "alerts" }

// Deliver implements Sink. Filtered kinds are dropped silently.
func (n *Notifier) Deliver(ctx context.Context, note domain.Notification) error {
	if len(n.kinds) > 0 && !n.kinds[note.Kind] {
		n.logger.DebugContext(ctx, "kind filtered out",
			slog.String("kind", string(note.Kind)),
		)
		return nil
	}
	return n.enqueue(alert{title: alertTitle(note), message: alertBody(note)})
}

// NotifyAll queues a free-form alert for all senders regardless of kind.
func (n *Notifier) NotifyAll(_ context.Context, title, message string) error {
	return n.enqueue(alert{title: title, message: message})
}

func (n *Notifier) enqueue(a alert) error {
	if len(n.senders) == 0 {
		return nil
	}
	select {
	case n.queue <- a:
		return nil
	default:
		return fmt.Errorf("notify: alert queue full, dropping %q", a.title)
	}
}

// Run sends queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if left := len(n.queue); left > 0 {
				n.logger.WarnContext(ctx, "unsent alerts dropped at shutdown", slog.Int("count", left))
			}
			return nil
		case a := <-n.queue:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			_ = n.dispatch(sctx, a.title, a.message)
			cancel()
		}
	}
}

// dispatch sends to every sender; one sender failing does not stop delivery
// to the rest. Failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func alertTitle(n domain.Notification) string {
	return fmt.Sprintf("%s #%d", n.Kind, n.Sequence)
}

func alertBody(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "instrument: %s\n", n.InstrumentID)
	if n.SubjectID != n.InstrumentID {
		fmt.Fprintf(&b, "subject: %s\n", n.SubjectID)
	}
	if n.TransactionHash != "" {
		fmt.Fprintf(&b, "tx: %s\n", n.TransactionHash)
	}
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, n.Payload[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
