package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// ExchangeName is the topic exchange lifecycle events are published to.
const ExchangeName = "backfill.events"

// Publisher sends an event payload to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes lifecycle events to a RabbitMQ topic exchange.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *logging.Logger
	mu       sync.Mutex
}

// NewRabbitMQPublisher dials url and declares the durable topic exchange.
func NewRabbitMQPublisher(url string, logger *logging.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = logging.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	logger.Info("rabbitmq publisher connected", "exchange", ExchangeName)
	return &RabbitMQPublisher{conn: conn, channel: ch, exchange: ExchangeName, logger: logger}, nil
}

// Publish sends a persistent JSON message with the event type as routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", routingKey, err)
	}
	p.logger.Debug("event published", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing rabbitmq channel", "error", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher logs events instead of publishing them. Used when no broker
// is configured.
type NoopPublisher struct {
	logger *logging.Logger
}

func NewNoopPublisher(logger *logging.Logger) *NoopPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("noop publish", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }
