// Package rabbitmq consumes settlement events from a RabbitMQ topic exchange
// and publishes oracle notifications back to one.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/transport"
)

const (
	dialTimeout    = 10 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
	routingPrefix  = "settlement."
	defaultBinding = "settlement.*"
)

// ConsumerConfig configures the settlement event consumer.
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Bindings []string // routing keys; defaults to settlement.*
	Prefetch int
}

// Consumer reads settlement events from a durable queue bound to a topic
// exchange. It implements transport.Source.
type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer validates cfg and returns a Consumer. It does not connect
// until Run.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	clean, err := sanitizeURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}
	cfg.URL = clean
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, errors.New("rabbitmq: exchange and queue are required")
	}
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = []string{defaultBinding}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rabbitmq-consumer")),
	}, nil
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme %q", parsed.Scheme)
	}
	return clean, nil
}

func dial(rawURL string) (*amqp.Connection, error) {
	return amqp.DialConfig(rawURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
}

// Run consumes until ctx is done, reconnecting with exponential backoff when
// the broker connection drops.
func (c *Consumer) Run(ctx context.Context, h transport.Handler) error {
	backoff := minBackoff
	for {
		started := time.Now()
		err := c.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		c.logger.WarnContext(ctx, "consumer stopped, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("backoff", backoff),
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Consumer) consume(ctx context.Context, h transport.Handler) error {
	conn, err := dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	for _, key := range c.cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.InfoContext(ctx, "consuming settlement events",
		slog.String("exchange", c.cfg.Exchange),
		slog.String("queue", q.Name),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.deliver(ctx, h, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, h transport.Handler, d amqp.Delivery) {
	log := c.logger.With(
		slog.String("routing_key", d.RoutingKey),
		slog.Bool("redelivered", d.Redelivered),
	)

	ev, err := DecodeEvent(d.RoutingKey, d.Body)
	if err != nil {
		log.WarnContext(ctx, "dropping undecodable settlement event", slog.String("error", err.Error()))
		_ = d.Ack(false)
		return
	}

	_, err = h.HandleSettlementEvent(ctx, ev)
	switch Decide(err, d.Redelivered) {
	case Ack:
		if err != nil {
			log.WarnContext(ctx, "settlement event rejected",
				slog.String("tx_id", ev.TxID),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
		_ = d.Ack(false)
	case Requeue:
		log.InfoContext(ctx, "requeueing settlement event",
			slog.String("tx_id", ev.TxID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, true)
	}
}

// Disposition is what happens to a delivery after it was handled.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
)

// Decide maps a handling result to a disposition. Out-of-order and
// not-yet-known events get one redelivery, since the transport may overtake
// the request that creates the transaction; lock contention and cancellation
// always requeue. Everything else is final.
func Decide(err error, redelivered bool) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Requeue
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnknownEntity):
		if redelivered {
			return Ack
		}
		return Requeue
	default:
		return Ack
	}
}

// DecodeEvent parses a delivery body. When the body omits the event type it
// is taken from the routing key (settlement.<event>).
func DecodeEvent(routingKey string, body []byte) (domain.SettlementEvent, error) {
	var ev domain.SettlementEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode settlement event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = domain.SettlementEventType(strings.TrimPrefix(routingKey, routingPrefix))
	}
	if ev.TxID == "" {
		return ev, errors.New("decode settlement event: tx_id is required")
	}
	if _, ok := ev.Type.Target(); !ok {
		return ev, fmt.Errorf("decode settlement event: unknown event %q", ev.Type)
	}
	return ev, nil
}

var _ transport.Source = (*Consumer)(nil)
