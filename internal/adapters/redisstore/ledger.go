package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLedgerTTL bounds how long per-event delivery sets live. Long
// enough to cover any realistic retry window, short enough that the keys
// do not accumulate forever.
const DefaultLedgerTTL = 24 * time.Hour

// Ledger implements fanout.Ledger on a Redis set per event. Membership
// survives restarts, so a re-dispatched event only reaches recipients the
// earlier pass missed.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLedger creates a Redis-backed delivery ledger. ttl <= 0 uses the
// default.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &Ledger{client: client, ttl: ttl}
}

func ledgerKey(eventID uuid.UUID) string {
	return "fanout:" + eventID.String()
}

// AlreadyNotified reports whether the recipient was recorded for the event.
func (l *Ledger) AlreadyNotified(ctx context.Context, eventID uuid.UUID, recipient string) (bool, error) {
	done, err := l.client.SIsMember(ctx, ledgerKey(eventID), recipient).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return done, nil
}

// MarkNotified records a successful delivery to the recipient.
func (l *Ledger) MarkNotified(ctx context.Context, eventID uuid.UUID, recipient string) error {
	key := ledgerKey(eventID)
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, key, recipient)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark ledger: %w", err)
	}
	return nil
}
