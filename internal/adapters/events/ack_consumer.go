package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kvasirlabs/beacon/internal/adapters/database"
)

const (
	// RoutingKeySOSAcked is published by the dispatch backend once it has
	// taken responsibility for an event.
	RoutingKeySOSAcked = "sos.acked"

	ackQueue = "beacon_sos_acks"
)

// Acknowledger records the downstream acknowledgement for an event.
type Acknowledger interface {
	AcknowledgeEvent(ctx context.Context, eventID uuid.UUID) error
}

// ackPayload is the wire form of a backend acknowledgement.
type ackPayload struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
}

// AckConsumer consumes backend acknowledgements: it advances the event to
// its terminal status and releases the device's machine for a fresh
// trigger. Processing is idempotent, so redeliveries are harmless.
type AckConsumer struct {
	conn   *amqp.Connection
	acks   Acknowledger
	reset  func(userID uuid.UUID)
	logger *slog.Logger
}

// NewAckConsumer creates a new acknowledgement consumer
func NewAckConsumer(conn *amqp.Connection, acks Acknowledger, reset func(userID uuid.UUID), logger *slog.Logger) *AckConsumer {
	return &AckConsumer{
		conn:   conn,
		acks:   acks,
		reset:  reset,
		logger: logger,
	}
}

// Run starts the consumer loop
func (c *AckConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if setupErr := c.setupRabbitMQ(ch); setupErr != nil {
		return fmt.Errorf("failed to setup rabbitmq: %w", setupErr)
	}

	msgs, err := ch.Consume(
		ackQueue, // queue
		"",       // consumer tag
		false,    // auto-ack
		false,    // exclusive
		false,    // no-local
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Waiting for acknowledgements...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AckConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var payload ackPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("Failed to unmarshal acknowledgement", "error", err)
		// Unparseable now means unparseable forever; drop it.
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to Nack message", "error", nackErr)
		}
		return
	}

	eventID, err := uuid.Parse(payload.EventID)
	if err != nil {
		c.logger.Error("Acknowledgement has invalid event id", "event_id", payload.EventID)
		_ = d.Nack(false, false)
		return
	}

	if err := c.acks.AcknowledgeEvent(ctx, eventID); err != nil {
		if !errors.Is(err, database.ErrNotAwaitingAck) {
			// Transient failure (e.g. the store is briefly down); requeue so
			// the broker redelivers instead of losing the acknowledgement.
			c.logger.Warn("Failed to record acknowledgement, requeueing", "event_id", eventID, "error", err)
			if nackErr := d.Nack(false, true); nackErr != nil {
				c.logger.Error("Failed to Nack message", "error", nackErr)
			}
			return
		}
		// Redelivery of an ack already recorded; still reset and drop it.
		c.logger.Info("Acknowledgement already recorded", "event_id", eventID)
	}

	if userID, parseErr := uuid.Parse(payload.UserID); parseErr == nil && c.reset != nil {
		c.reset(userID)
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to Ack message", "error", ackErr)
	} else {
		c.logger.Info("SOS event acknowledged", "event_id", eventID)
	}
}

func (c *AckConsumer) setupRabbitMQ(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		EventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		ackQueue, // name
		true,     // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return err
	}

	return ch.QueueBind(
		q.Name,
		RoutingKeySOSAcked,
		EventsExchange,
		false,
		nil,
	)
}
