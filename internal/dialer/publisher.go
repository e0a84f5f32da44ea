// Package dialer publishes click-to-call requests on the telephony message
// bus and orchestrates the wait for the resident leg to connect back.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends one opaque payload to the click-to-call queue.
//
// The bus is a hard dependency: implementations must surface transport
// failures to the caller rather than degrade silently.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// AMQPPublisher publishes on a RabbitMQ queue through the default exchange.
// The connection is established lazily and re-established after failures.
type AMQPPublisher struct {
	url        string
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for the given broker URL and routing
// key (the queue name when exchange is empty).
func NewAMQPPublisher(url, exchange, routingKey string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// Publish sends body as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		// One reconnect attempt covers the broker having dropped an idle
		// channel between calls.
		p.reset()
		ch, rerr := p.channel()
		if rerr != nil {
			return fmt.Errorf("dialer: publish: %w", err)
		}
		err = ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("dialer: publish: %w", err)
		}
	}
	return nil
}

// channel returns a live channel, dialing and declaring the queue if needed.
// Callers hold p.mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dialer: connect bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: open channel: %w", err)
	}
	if p.exchange == "" {
		if _, err := ch.QueueDeclare(p.routingKey, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("dialer: declare queue %q: %w", p.routingKey, err)
		}
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("bus connected", "routing_key", p.routingKey)
	return ch, nil
}

// reset drops the current connection. Callers hold p.mu.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close tears down the bus connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
