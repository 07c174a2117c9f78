package dispatch

import (
	"time"

	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// Entry wraps a confirmed SOS event while it waits for transmission.
// Entries are owned exclusively by the queue; nothing else reads or
// mutates them.
type Entry struct {
	Event        sos.Event
	AttemptCount int
	NextRetryAt  time.Time
	EnqueuedAt   time.Time
}
