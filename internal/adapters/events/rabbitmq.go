package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

const (
	// EventsExchange carries confirmed SOS events towards the dispatch
	// backend consumers.
	EventsExchange = "beacon.events"

	// RoutingKeySOSRaised is the routing key for a confirmed SOS event.
	RoutingKeySOSRaised = "sos.raised"
)

// sosPayload is the wire form of a confirmed SOS event.
type sosPayload struct {
	EventID    string     `json:"event_id"`
	UserID     string     `json:"user_id"`
	Lat        *float64   `json:"lat,omitempty"`
	Lng        *float64   `json:"lng,omitempty"`
	AccuracyM  *float64   `json:"accuracy_m,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	Degraded   bool       `json:"degraded"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AMQPTransport implements dispatch.Transport by publishing confirmed
// events to RabbitMQ. The event id travels as the MessageId so downstream
// consumers can deduplicate redelivered publishes.
type AMQPTransport struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPTransport creates a new RabbitMQ transport
func NewAMQPTransport(conn *amqp.Connection) (*AMQPTransport, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Ensure the exchange exists
	err = ch.ExchangeDeclare(
		EventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPTransport{
		conn:    conn,
		channel: ch,
	}, nil
}

// Close closes the channel
func (t *AMQPTransport) Close() error {
	return t.channel.Close()
}

// Submit publishes the event. Safe to call more than once for the same
// event id; consumers key on MessageId.
func (t *AMQPTransport) Submit(ctx context.Context, ev sos.Event) error {
	body, err := json.Marshal(toPayload(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	err = t.channel.PublishWithContext(ctx,
		EventsExchange,
		RoutingKeySOSRaised,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Timestamp:    ev.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}
	return nil
}

func toPayload(ev sos.Event) sosPayload {
	p := sosPayload{
		EventID:   ev.ID.String(),
		UserID:    ev.UserID.String(),
		Degraded:  ev.Degraded,
		CreatedAt: ev.CreatedAt,
	}
	if loc := ev.Location; loc != nil {
		p.Lat, p.Lng, p.AccuracyM = &loc.Lat, &loc.Lng, &loc.AccuracyM
		p.CapturedAt = &loc.CapturedAt
	}
	return p
}

// DecodeSOSPayload parses a published event body back into its domain
// form. Used by consumers and by tests.
func DecodeSOSPayload(body []byte) (sos.Event, error) {
	var p sosPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return sos.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	var ev sos.Event
	if err := ev.ID.UnmarshalText([]byte(p.EventID)); err != nil {
		return sos.Event{}, fmt.Errorf("invalid event id %q: %w", p.EventID, err)
	}
	if err := ev.UserID.UnmarshalText([]byte(p.UserID)); err != nil {
		return sos.Event{}, fmt.Errorf("invalid user id %q: %w", p.UserID, err)
	}
	ev.Degraded = p.Degraded
	ev.CreatedAt = p.CreatedAt
	if p.Lat != nil && p.Lng != nil {
		ev.Location = &geo.Point{Lat: *p.Lat, Lng: *p.Lng}
		if p.AccuracyM != nil {
			ev.Location.AccuracyM = *p.AccuracyM
		}
		if p.CapturedAt != nil {
			ev.Location.CapturedAt = *p.CapturedAt
		}
	}
	return ev, nil
}
