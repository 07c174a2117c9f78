package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// Store defines the interface for durable queue persistence. Entries must
// survive a crash between Append and Resolve: a crash mid-delivery leaves
// the entry due again, never silently lost.
type Store interface {
	// Append adds an entry at the tail, recording the event as queued
	Append(ctx context.Context, e *Entry) error

	// Due returns entries whose NextRetryAt has passed, in FIFO order of
	// enqueue time
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// Reschedule records a failed attempt and the next retry time
	Reschedule(ctx context.Context, eventID uuid.UUID, attempts int, next time.Time) error

	// Resolve removes the entry and records the event's terminal queue
	// outcome (submitted or failed)
	Resolve(ctx context.Context, eventID uuid.UUID, status sos.EventStatus) error
}

// Transport delivers an SOS event upstream. Submit must be safe to call
// repeatedly with the same event id; the receiving side de-duplicates by
// id, so a crash between delivery and Resolve never double-counts.
type Transport interface {
	Submit(ctx context.Context, ev sos.Event) error
}
