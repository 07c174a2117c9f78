package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

// DefaultLocationTTL bounds how long a mirrored fix is worth keeping.
// Anything older is stale for every consumer anyway.
const DefaultLocationTTL = time.Hour

// LocationMirror keeps each device's last known fix in Redis alongside the
// in-memory index. At startup the mirror overlays fixes newer than what
// Postgres recorded, closing the gap left by a crash between index update
// and row update.
type LocationMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocationMirror creates a Redis-backed location mirror. ttl <= 0 uses
// the default.
func NewLocationMirror(client *redis.Client, ttl time.Duration) *LocationMirror {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	return &LocationMirror{client: client, ttl: ttl}
}

type mirroredPoint struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

func locationKey(userID uuid.UUID) string {
	return "location:" + userID.String()
}

// Set mirrors the fix.
func (m *LocationMirror) Set(ctx context.Context, userID uuid.UUID, p geo.Point) error {
	body, err := json.Marshal(mirroredPoint{
		Lat:        p.Lat,
		Lng:        p.Lng,
		AccuracyM:  p.AccuracyM,
		CapturedAt: p.CapturedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	if err := m.client.Set(ctx, locationKey(userID), body, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror location: %w", err)
	}
	return nil
}

// Get returns the mirrored fix, or ok=false when none is stored.
func (m *LocationMirror) Get(ctx context.Context, userID uuid.UUID) (geo.Point, bool, error) {
	body, err := m.client.Get(ctx, locationKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return geo.Point{}, false, nil
		}
		return geo.Point{}, false, fmt.Errorf("failed to read mirrored location: %w", err)
	}

	var p mirroredPoint
	if err := json.Unmarshal(body, &p); err != nil {
		return geo.Point{}, false, fmt.Errorf("failed to unmarshal mirrored location: %w", err)
	}
	return geo.Point{
		Lat:        p.Lat,
		Lng:        p.Lng,
		AccuracyM:  p.AccuracyM,
		CapturedAt: p.CapturedAt,
	}, true, nil
}
