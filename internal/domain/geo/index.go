package geo

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Ordering errors
var (
	ErrStaleUpdate  = fmt.Errorf("location update older than stored fix")
	ErrUnknownUser  = fmt.Errorf("user is not registered in the index")
	ErrInactiveUser = fmt.Errorf("user has been deactivated")
)

// Index is an in-memory spatial index of registered user locations.
// Reads may run concurrently with writes; a reader always observes a
// fully written record, never partial coordinates.
type Index struct {
	mu    sync.RWMutex
	users map[uuid.UUID]UserRecord
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{users: make(map[uuid.UUID]UserRecord)}
}

// Load seeds the index with persisted records, e.g. at process start.
// Existing entries with the same ID are overwritten.
func (ix *Index) Load(records []UserRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, rec := range records {
		ix.users[rec.ID] = rec
	}
}

// Register adds a user to the index. Registering an existing ID replaces
// the record wholesale.
func (ix *Index) Register(rec UserRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.users[rec.ID] = rec
}

// Upsert replaces the user's last known location. Updates are ordered by
// capture time, not arrival time: a fix captured earlier than the stored
// one is rejected with ErrStaleUpdate and the stored fix is kept.
func (ix *Index) Upsert(userID uuid.UUID, p Point) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	if !rec.IsActive {
		return ErrInactiveUser
	}
	if rec.LastKnown != nil && !p.CapturedAt.After(rec.LastKnown.CapturedAt) {
		return ErrStaleUpdate
	}

	rec.LastKnown = &p
	ix.users[userID] = rec
	return nil
}

// Remove marks the user inactive. Inactive users never appear in queries.
func (ix *Index) Remove(userID uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.users[userID]
	if !ok {
		return
	}
	rec.IsActive = false
	ix.users[userID] = rec
}

// Get returns a copy of the user's record.
func (ix *Index) Get(userID uuid.UUID) (UserRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.users[userID]
	return rec, ok
}

// QueryRadius returns all active users with a known location within
// radiusKm of center, sorted ascending by distance. Ties are broken by
// user ID so results are deterministic. exclude (typically the event
// originator) is never returned; pass uuid.Nil to exclude nobody.
func (ix *Index) QueryRadius(center Point, radiusKm float64, exclude uuid.UUID) []Neighbor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Neighbor
	for id, rec := range ix.users {
		if id == exclude || !rec.IsActive || rec.LastKnown == nil {
			continue
		}
		d := Haversine(center, *rec.LastKnown)
		if d <= radiusKm {
			out = append(out, Neighbor{User: rec, DistanceKm: d})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].User.ID.String() < out[j].User.ID.String()
	})
	return out
}
