package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kvasirlabs/beacon/internal/domain/fanout"
)

// PushExchange fans notifications out to per-user and per-channel
// delivery queues.
const PushExchange = "beacon.push"

// pushPayload is the wire form of a nearby-SOS push notification.
type pushPayload struct {
	EventID       string  `json:"event_id"`
	DistanceKm    float64 `json:"distance_km"`
	BriefLocation string  `json:"brief_location"`
}

// AMQPNotifier implements fanout.Notifier by publishing push payloads to
// a topic exchange. Per-user messages route on "notify.user.<id>",
// channel broadcasts on "notify.<channel>".
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPNotifier creates a new RabbitMQ notifier
func NewAMQPNotifier(conn *amqp.Connection) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		PushExchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPNotifier{
		conn:    conn,
		channel: ch,
	}, nil
}

// Close closes the channel
func (n *AMQPNotifier) Close() error {
	return n.channel.Close()
}

// Push notifies one nearby user
func (n *AMQPNotifier) Push(ctx context.Context, userID uuid.UUID, note fanout.Notification) error {
	return n.publish(ctx, "notify.user."+userID.String(), note)
}

// Broadcast notifies a shared responder channel
func (n *AMQPNotifier) Broadcast(ctx context.Context, channel string, note fanout.Notification) error {
	return n.publish(ctx, "notify."+channel, note)
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey string, note fanout.Notification) error {
	body, err := json.Marshal(pushPayload{
		EventID:       note.EventID.String(),
		DistanceKm:    note.DistanceKm,
		BriefLocation: note.BriefLocation,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = n.channel.PublishWithContext(ctx,
		PushExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   note.EventID.String(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
