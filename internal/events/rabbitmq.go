// ABOUTME: RabbitMQ implementation of the event Publisher
// ABOUTME: Publishes enveloped conversation events to a durable topic exchange

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes envelopes to a topic exchange. A channel is
// opened per publish; the underlying connection is shared.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewRabbitPublisher connects to the broker and declares the exchange.
func NewRabbitPublisher(url, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	logger.Info("event publisher connected", "exchange", exchange)
	return &RabbitPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish sends one envelope with the given routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	correlationID := ""
	if env.Meta.CorrelationID != nil {
		correlationID = *env.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("published event", "key", key, "event_id", env.Meta.ID)
	return nil
}

// Close closes the broker connection.
func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}

var _ Publisher = (*RabbitPublisher)(nil)
