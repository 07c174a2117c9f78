package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore implements alerts.SeenStore with one Redis key per alert id.
// A restarted process consults it before re-presenting alerts a feed
// pushes again.
type SeenStore struct {
	client *redis.Client
}

// NewSeenStore creates a Redis-backed seen-store
func NewSeenStore(client *redis.Client) *SeenStore {
	return &SeenStore{client: client}
}

func seenKey(id string) string {
	return "alerts:seen:" + id
}

// Seen reports whether the alert id was already ingested.
func (s *SeenStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen alert: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records the alert id. The key outlives the alert's TTL by a
// margin so a feed replay just after expiry still deduplicates.
func (s *SeenStore) MarkSeen(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.client.Set(ctx, seenKey(id), 1, 2*ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark alert seen: %w", err)
	}
	return nil
}
