package sos

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

// EventStatus represents the delivery state of an SOS event
type EventStatus string

const (
	StatusPending      EventStatus = "pending"
	StatusQueued       EventStatus = "queued"
	StatusSubmitted    EventStatus = "submitted"
	StatusAcknowledged EventStatus = "acknowledged"
	StatusFailed       EventStatus = "failed"
)

// IsActive reports whether the status counts against the one-live-event-
// per-user invariant.
func (s EventStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusQueued, StatusSubmitted:
		return true
	default:
		return false
	}
}

// Event is a confirmed SOS request. It is immutable except for Status,
// which only the dispatch queue and fan-out are allowed to advance.
type Event struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Location  *geo.Point
	Degraded  bool // confirmed without a usable fix
	CreatedAt time.Time
	Status    EventStatus
}

// State is the countdown machine state for one device
type State string

const (
	StateIdle      State = "idle"
	StateArmed     State = "armed_countdown"
	StateConfirmed State = "confirmed"
)

// Machine errors
var (
	ErrDuplicateSOS = fmt.Errorf("an SOS event is already active for this user")
	ErrNotArmed     = fmt.Errorf("no countdown in progress")
)

// Snapshot is what observers (the UI layer) see on every transition and
// tick. Observers never drive the countdown; they only render it.
type Snapshot struct {
	UserID         uuid.UUID
	State          State
	RemainingTicks int
	ActiveEventID  uuid.UUID // uuid.Nil when no event is live
}
