package fanout

import (
	"context"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// Notification is the payload delivered to each nearby recipient.
type Notification struct {
	EventID       uuid.UUID
	DistanceKm    float64
	BriefLocation string
}

// Notifier is the push capability. Push is best-effort: the fan-out makes
// one pass and reports failures to its caller rather than retrying.
type Notifier interface {
	// Push notifies one nearby user
	Push(ctx context.Context, userID uuid.UUID, n Notification) error

	// Broadcast notifies a shared responder channel
	Broadcast(ctx context.Context, channel string, n Notification) error
}

// Alerting is the SMS/telephony escalation capability. It is a side
// channel independent of the push fan-out.
type Alerting interface {
	Notify(ctx context.Context, ev sos.Event) error
}

// Ledger tracks which recipients already received a given event, so a
// dispatch retry only touches the remainder. The Redis implementation
// makes this survive restarts.
type Ledger interface {
	AlreadyNotified(ctx context.Context, eventID uuid.UUID, recipient string) (bool, error)
	MarkNotified(ctx context.Context, eventID uuid.UUID, recipient string) error
}
