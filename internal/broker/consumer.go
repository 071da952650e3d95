package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/infra"
	"github.com/billabex/netsuite-connector/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventHandler applies one change event. An error sends the message to the
// dead letter queue.
type EventHandler func(ctx context.Context, event models.EntityChangedEvent) error

// DeadLetterHandler stores a dead letter. An error requeues it.
type DeadLetterHandler func(ctx context.Context, body []byte) error

// RabbitMQConsumer manages the connection and message flow from the broker
type RabbitMQConsumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewRabbitMQConsumer(url string, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Prefetch 1: one event at a time, in order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQConsumer{conn: conn, channel: ch, logger: logger, retryDelay: 5 * time.Second}, nil
}

// ListenChanges consumes change events until ctx is done or the channel drops
func (c *RabbitMQConsumer) ListenChanges(ctx context.Context, handler EventHandler) error {
	args := amqp.Table{"x-dead-letter-exchange": ExchangeDeadLetter}
	msgs, err := c.subscribe(QueueEntityChanges, ExchangeEntityChanges, BindingAllEntities, args)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handleChange(ctx, d, handler)
		}
	}
}

// ListenDeadLetters feeds dead letters to handler
func (c *RabbitMQConsumer) ListenDeadLetters(ctx context.Context, handler DeadLetterHandler) error {
	msgs, err := c.subscribe(QueueDeadLetters, ExchangeDeadLetter, "", nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("dead letter channel closed")
			}
			c.handleDeadLetter(ctx, d, handler)
		}
	}
}

func (c *RabbitMQConsumer) subscribe(queue, exchange, key string, args amqp.Table) (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(queue, true, false, false, false, args)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer is online and waiting for messages", "queue", q.Name, "exchange", exchange, "routing_key", key)
	return msgs, nil
}

func (c *RabbitMQConsumer) handleChange(ctx context.Context, d amqp.Delivery, handler EventHandler) {
	var event models.EntityChangedEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error("Failed to unmarshal message, dead-lettering", "message_id", d.MessageId, "error", err)
		metrics.ConsumerMessages.WithLabelValues("malformed", "unknown").Inc()
		c.nack(d, false)
		return
	}

	if err := handler(ctx, event); err != nil {
		c.logger.Error("Event could not be applied nor queued, dead-lettering",
			"event_id", event.EventID, "entity_kind", event.Kind, "error", err)
		metrics.ConsumerMessages.WithLabelValues("dead_lettered", string(event.Kind)).Inc()
		c.nack(d, false)
		return
	}

	metrics.ConsumerMessages.WithLabelValues("success", string(event.Kind)).Inc()
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to Ack message", "event_id", event.EventID, "error", err)
	}
}

func (c *RabbitMQConsumer) handleDeadLetter(ctx context.Context, d amqp.Delivery, handler DeadLetterHandler) {
	if err := handler(ctx, d.Body); err != nil {
		c.logger.Error("Dead letter not stored, requeueing", "message_id", d.MessageId, "error", err)
		// throttle the redelivery loop while storage is down
		_ = infra.Sleep(ctx, c.retryDelay)
		c.nack(d, true)
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to Ack dead letter", "message_id", d.MessageId, "error", err)
	}
}

func (c *RabbitMQConsumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to Nack message", "message_id", d.MessageId, "error", err)
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
