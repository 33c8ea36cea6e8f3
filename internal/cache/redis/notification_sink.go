package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// NotificationChannel is the pub/sub channel every notification is published
// on, relative to the client prefix.
const NotificationChannel = "notifications"

// NotificationSink publishes each emitted notification on the signal bus:
// live on the pub/sub channel for WebSocket observers and appended to a
// stream so late consumers can replay it.
type NotificationSink struct {
	bus     domain.SignalBus
	channel string
	stream  string
}

// NewNotificationSink creates a sink publishing under the client's prefix.
func NewNotificationSink(c *Client, bus domain.SignalBus) *NotificationSink {
	return &NotificationSink{
		bus:     bus,
		channel: c.Key(NotificationChannel),
		stream:  c.Key("stream", NotificationChannel),
	}
}

// Channel returns the pub/sub channel notifications are published on.
func (s *NotificationSink) Channel() string { return s.channel }

// Stream returns the stream notifications are appended to.
func (s *NotificationSink) Stream() string { return s.stream }

// Name identifies the sink in logs.
func (s *NotificationSink) Name() string { return "redis" }

// Deliver publishes n as JSON.
func (s *NotificationSink) Deliver(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("redis: marshal notification #%d: %w", n.Sequence, err)
	}
	if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
		return err
	}
	return s.bus.Publish(ctx, s.channel, payload)
}

// Replay reads up to count notifications appended after lastID.
func (s *NotificationSink) Replay(ctx context.Context, lastID string, count int) ([]domain.Notification, string, error) {
	msgs, err := s.bus.StreamRead(ctx, s.stream, lastID, count)
	if err != nil {
		return nil, lastID, err
	}
	out := make([]domain.Notification, 0, len(msgs))
	for _, m := range msgs {
		var n domain.Notification
		if err := json.Unmarshal(m.Payload, &n); err != nil {
			return out, lastID, fmt.Errorf("redis: decode notification %s: %w", m.ID, err)
		}
		out = append(out, n)
		lastID = m.ID
	}
	return out, lastID, nil
}
