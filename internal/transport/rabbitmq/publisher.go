package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Publisher publishes oracle notifications to a topic exchange with routing
// key notification.<Kind>. It is a notification sink.
type Publisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
}

// NewPublisher connects to the broker and declares the exchange.
func NewPublisher(rawURL, exchange string) (*Publisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}
	p := &Publisher{url: clean, exchange: exchange}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) reopen() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := dial(p.url)
		if err != nil {
			return fmt.Errorf("rabbitmq: dial: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", p.exchange, err)
	}
	p.ch = ch
	return nil
}

// RoutingKey returns the routing key a notification is published with.
func RoutingKey(n domain.Notification) string {
	return "notification." + string(n.Kind)
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "rabbitmq" }

// Deliver publishes n as a persistent JSON message. A failed publish is
// retried once on a fresh channel.
func (p *Publisher) Deliver(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal notification #%d: %w", n.Sequence, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%d", n.Sequence),
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(n), false, false, msg)
	if err == nil {
		return nil
	}
	if rerr := p.reopen(); rerr != nil {
		return fmt.Errorf("rabbitmq: publish #%d: %w", n.Sequence, err)
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(n), false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish #%d: %w", n.Sequence, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
