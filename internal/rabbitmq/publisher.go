// Package rabbitmq publishes saga lifecycle events to a RabbitMQ topic
// exchange, with the event type as routing key.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/valueops/sagaflow-go/saga"
)

// EventPublisher implements saga.EventPublisher over AMQP
type EventPublisher struct {
	mu       sync.RWMutex
	channel  *amqp.Channel
	exchange string
	confirms chan amqp.Confirmation
	reliable bool
}

// PublisherOption configures the event publisher
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	Exchange string
	Reliable bool
}

// WithExchange sets the exchange events are published to
func WithExchange(exchange string) PublisherOption {
	return func(c *publisherConfig) {
		c.Exchange = exchange
	}
}

// WithReliablePublishing enables publisher confirms
func WithReliablePublishing(reliable bool) PublisherOption {
	return func(c *publisherConfig) {
		c.Reliable = reliable
	}
}

// NewEventPublisher creates a publisher on the given connection and declares
// a durable topic exchange for saga events
func NewEventPublisher(conn *amqp.Connection, opts ...PublisherOption) (*EventPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	config := &publisherConfig{
		Exchange: "saga.events",
		Reliable: true,
	}
	for _, opt := range opts {
		opt(config)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := channel.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.Exchange, err)
	}

	p := &EventPublisher{
		channel:  channel,
		exchange: config.Exchange,
		reliable: config.Reliable,
	}
	if config.Reliable {
		if err := channel.Confirm(false); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
		p.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	return p, nil
}

// PublishEvent publishes one saga lifecycle event with the event type as
// routing key
func (p *EventPublisher) PublishEvent(ctx context.Context, event saga.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil {
		return fmt.Errorf("publisher is closed")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	meta := event.Meta()
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    meta.ID,
		Type:         meta.Type,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := p.channel.PublishWithContext(ctx, p.exchange, meta.Type, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish %s: %w", meta.Type, err)
	}

	if p.reliable {
		select {
		case confirm := <-p.confirms:
			if !confirm.Ack {
				return fmt.Errorf("broker rejected %s (delivery tag %d)", meta.Type, confirm.DeliveryTag)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the publisher's channel
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return nil
	}
	err := p.channel.Close()
	p.channel = nil
	return err
}
