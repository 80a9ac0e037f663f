// Package broker publishes domain events to a RabbitMQ topic exchange.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends JSON messages to one durable topic exchange.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp091.Connection
	exchange string
	log      zerolog.Logger
}

// Dial connects to amqpURL, opens a channel and declares exchange.
func Dial(amqpURL, exchange string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	logger.Info().Str("exchange", exchange).Msg("connected to rabbitmq")
	return p, nil
}

// NewPublisher declares exchange on ch and returns a Publisher over it.
func NewPublisher(ch Channel, exchange string, logger zerolog.Logger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, log: logger}, nil
}

// Publish sends body with the given routing key. messageType is carried in
// the Type property so consumers can dispatch without decoding the body.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageType string, body []byte) error {
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         messageType,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", routingKey, p.exchange, err)
	}
	p.log.Debug().Str("exchange", p.exchange).Str("routing_key", routingKey).Str("type", messageType).Msg("message published")
	return nil
}

// Close closes the channel and, when the publisher dialled it, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
