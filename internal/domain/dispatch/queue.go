package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// Defaults for the retry policy
const (
	DefaultRetryCeiling   = 5
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffCap     = time.Minute
	DefaultSubmitTimeout  = 10 * time.Second
	DefaultDrainBatchSize = 10
)

// Config tunes the queue's retry policy. Zero values use the defaults.
type Config struct {
	RetryCeiling  int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	SubmitTimeout time.Duration
	BatchSize     int
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultDrainBatchSize
	}
	return c
}

// Queue is the durable, ordered queue of pending SOS submissions. Enqueue
// and Drain may be called concurrently: Drain holds an exclusive drain
// lock for the duration of each pass, while Append is its own short store
// write, so an enqueue never races an entry deletion.
type Queue struct {
	store     Store
	transport Transport
	clock     sos.Clock
	cfg       Config
	logger    *slog.Logger

	online      func() bool
	onSubmitted func(sos.Event)
	onFailed    func(sos.Event)

	drainMu sync.Mutex
}

// NewQueue creates a dispatch queue. online gates opportunistic drains
// after enqueue (nil means always online). onSubmitted fires after the
// transport accepted an event; onFailed after the retry ceiling was
// exhausted. Both run outside the drain lock's per-entry critical work.
func NewQueue(
	store Store,
	transport Transport,
	clock sos.Clock,
	cfg Config,
	online func() bool,
	onSubmitted func(sos.Event),
	onFailed func(sos.Event),
	logger *slog.Logger,
) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       store,
		transport:   transport,
		clock:       clock,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		online:      online,
		onSubmitted: onSubmitted,
		onFailed:    onFailed,
	}
}

// Enqueue appends the event in arrival order and, while online, drains
// opportunistically so a healthy connection delivers immediately.
func (q *Queue) Enqueue(ctx context.Context, ev sos.Event) error {
	now := q.clock.Now()
	ev.Status = sos.StatusQueued
	entry := &Entry{
		Event:       ev,
		NextRetryAt: now,
		EnqueuedAt:  now,
	}
	if err := q.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to append queue entry: %w", err)
	}
	q.logger.Info("SOS event queued", "event_id", ev.ID, "user_id", ev.UserID, "degraded", ev.Degraded)

	if q.online == nil || q.online() {
		if err := q.Drain(ctx); err != nil {
			q.logger.Error("opportunistic drain failed", "error", err)
		}
	}
	return nil
}

// Drain consumes due entries in FIFO order, attempting one bounded
// delivery per entry. Failures back off exponentially until the retry
// ceiling, after which the event is marked failed and never retried.
// Invoked on every offline-to-online transition and after each enqueue.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	for {
		due, err := q.store.Due(ctx, q.clock.Now(), q.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch due entries: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		progressed := false
		for _, entry := range due {
			resolved, err := q.attempt(ctx, entry)
			if err != nil {
				return err
			}
			if resolved {
				progressed = true
			}
		}
		if !progressed {
			// Everything left is backing off; let the next drain retry.
			return nil
		}
	}
}

// attempt reports whether the entry left the queue, either submitted or
// terminally failed; both shrink the backlog, so both let Drain fetch the
// next batch.
func (q *Queue) attempt(ctx context.Context, entry *Entry) (bool, error) {
	submitCtx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	submitErr := q.transport.Submit(submitCtx, entry.Event)
	cancel()

	if submitErr == nil {
		if err := q.store.Resolve(ctx, entry.Event.ID, sos.StatusSubmitted); err != nil {
			return false, fmt.Errorf("failed to resolve entry %s: %w", entry.Event.ID, err)
		}
		q.logger.Info("SOS event submitted", "event_id", entry.Event.ID, "attempts", entry.AttemptCount)
		if q.onSubmitted != nil {
			ev := entry.Event
			ev.Status = sos.StatusSubmitted
			q.onSubmitted(ev)
		}
		return true, nil
	}

	attempts := entry.AttemptCount + 1
	if attempts >= q.cfg.RetryCeiling {
		if err := q.store.Resolve(ctx, entry.Event.ID, sos.StatusFailed); err != nil {
			return false, fmt.Errorf("failed to mark entry %s failed: %w", entry.Event.ID, err)
		}
		q.logger.Error("SOS event failed permanently",
			"event_id", entry.Event.ID, "attempts", attempts, "error", submitErr)
		if q.onFailed != nil {
			ev := entry.Event
			ev.Status = sos.StatusFailed
			q.onFailed(ev)
		}
		return true, nil
	}

	next := q.clock.Now().Add(q.backoff(attempts))
	if err := q.store.Reschedule(ctx, entry.Event.ID, attempts, next); err != nil {
		return false, fmt.Errorf("failed to reschedule entry %s: %w", entry.Event.ID, err)
	}
	q.logger.Warn("SOS delivery attempt failed",
		"event_id", entry.Event.ID, "attempts", attempts, "next_retry_at", next, "error", submitErr)
	return false, nil
}

// backoff is base * 2^attempts, capped.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	return d
}
