package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// MemoryStore is a non-durable Store for tests and single-run tooling.
// Production wiring uses the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []*Entry
	resolved map[uuid.UUID]sos.EventStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resolved: make(map[uuid.UUID]sos.EventStatus)}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if !e.NextRetryAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, eventID uuid.UUID, attempts int, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Event.ID == eventID {
			e.AttemptCount = attempts
			e.NextRetryAt = next
			return nil
		}
	}
	return fmt.Errorf("entry %s not found", eventID)
}

func (s *MemoryStore) Resolve(_ context.Context, eventID uuid.UUID, status sos.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Event.ID == eventID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.resolved[eventID] = status
			return nil
		}
	}
	return fmt.Errorf("entry %s not found", eventID)
}

// ResolvedStatus reports the terminal queue outcome recorded for an event.
func (s *MemoryStore) ResolvedStatus(eventID uuid.UUID) (sos.EventStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.resolved[eventID]
	return st, ok
}

// Len reports how many entries are still pending.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
