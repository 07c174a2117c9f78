package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is the in-process Ledger. It is sufficient when fan-out
// retries only happen within one process lifetime; the Redis ledger covers
// crash-restart retries.
type MemoryLedger struct {
	mu   sync.Mutex
	done map[uuid.UUID]map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{done: make(map[uuid.UUID]map[string]struct{})}
}

func (l *MemoryLedger) AlreadyNotified(_ context.Context, eventID uuid.UUID, recipient string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[eventID][recipient]
	return ok, nil
}

func (l *MemoryLedger) MarkNotified(_ context.Context, eventID uuid.UUID, recipient string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done[eventID] == nil {
		l.done[eventID] = make(map[string]struct{})
	}
	l.done[eventID][recipient] = struct{}{}
	return nil
}
