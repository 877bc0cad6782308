// Package messaging publishes booking events to a RabbitMQ topic exchange.
// Publishers satisfy the outbox ActionExecutor contract: Execute takes an
// outbox payload and returns the broker message id.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives booking.created, booking.rescheduled and booking.cancelled.
const DefaultExchange = "courtbook.events"

// ErrNoRoutingKey reports a payload without a "type" field.
var ErrNoRoutingKey = errors.New("event payload has no type")

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a channel with the exchange declared.
type dialFunc func() (channel, connCloser, error)

// connCloser closes the underlying connection.
type connCloser interface {
	Close() error
}

// Publisher sends outbox payloads as persistent JSON messages. It redials
// once when the channel has gone away.
type Publisher struct {
	exchange string
	dial     dialFunc
	now      func() time.Time

	mu   sync.Mutex
	ch   channel
	conn connCloser
}

// NewPublisher dials url and declares a durable topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	dial := func() (channel, connCloser, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange: %w", err)
		}
		return ch, conn, nil
	}
	p := newPublisher(exchange, dial)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(exchange string, dial dialFunc) *Publisher {
	return &Publisher{exchange: exchange, dial: dial, now: time.Now}
}

func (p *Publisher) connect() error {
	ch, conn, err := p.dial()
	if err != nil {
		return err
	}
	p.ch, p.conn = ch, conn
	return nil
}

// Execute publishes payload with its event type as routing key.
// PRE: payload is a JSON object with a non-empty "type"
// POST: returns the message id set on the published message
func (p *Publisher) Execute(ctx context.Context, payload string) (string, error) {
	var head struct {
		Type      string `json:"type"`
		BookingID string `json:"bookingId"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return "", fmt.Errorf("decode event payload: %w", err)
	}
	if head.Type == "" {
		return "", ErrNoRoutingKey
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Type:         head.Type,
		Body:         []byte(payload),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		if err := p.connect(); err != nil {
			return "", err
		}
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, head.Type, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		slog.Warn("amqp_channel_closed", "exchange", p.exchange, "event", head.Type)
		p.closeLocked()
		if err = p.connect(); err == nil {
			err = p.ch.PublishWithContext(ctx, p.exchange, head.Type, false, false, msg)
		}
	}
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", head.Type, err)
	}
	slog.Debug("amqp_published", "event", head.Type, "booking_id", head.BookingID, "message_id", msg.MessageId)
	return msg.MessageId, nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}

// LogPublisher stands in when no broker is configured: it logs the event
// and reports it delivered.
type LogPublisher struct{}

// Execute logs the event type and returns an empty message id.
func (LogPublisher) Execute(_ context.Context, payload string) (string, error) {
	var head struct {
		Type      string `json:"type"`
		BookingID string `json:"bookingId"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return "", fmt.Errorf("decode event payload: %w", err)
	}
	slog.Info("booking_event_unpublished", "event", head.Type, "booking_id", head.BookingID, "reason", "no_broker")
	return "", nil
}

// Close is a no-op.
func (LogPublisher) Close() error { return nil }
