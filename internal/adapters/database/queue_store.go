package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvasirlabs/beacon/internal/domain/dispatch"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// ErrNotAwaitingAck is returned when an acknowledgement arrives for an
// event that is not in the submitted state, typically a broker redelivery
// of an ack that was already processed.
var ErrNotAwaitingAck = errors.New("event is not awaiting acknowledgement")

// PostgresQueueStore implements dispatch.Store using pgx. The event row
// and its queue entry are written in one transaction, so a crash between
// enqueue and delivery leaves the entry due again, never lost.
type PostgresQueueStore struct {
	pool *pgxpool.Pool
}

// NewPostgresQueueStore creates a new PostgreSQL queue store
func NewPostgresQueueStore(pool *pgxpool.Pool) *PostgresQueueStore {
	return &PostgresQueueStore{pool: pool}
}

// Append inserts the event and its queue entry atomically.
func (s *PostgresQueueStore) Append(ctx context.Context, e *dispatch.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var lat, lng, accuracy *float64
	var capturedAt *time.Time
	if loc := e.Event.Location; loc != nil {
		lat, lng, accuracy = &loc.Lat, &loc.Lng, &loc.AccuracyM
		capturedAt = &loc.CapturedAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sos_events (id, user_id, lat, lng, accuracy_m, captured_at, degraded, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Event.ID, e.Event.UserID, lat, lng, accuracy, capturedAt, e.Event.Degraded, e.Event.CreatedAt, e.Event.Status)
	if err != nil {
		return fmt.Errorf("failed to insert sos event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_queue (event_id, attempt_count, next_retry_at, enqueued_at)
		VALUES ($1, $2, $3, $4)
	`, e.Event.ID, e.AttemptCount, e.NextRetryAt, e.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}

	return tx.Commit(ctx)
}

// Due returns entries ready for delivery in FIFO order of enqueue time.
func (s *PostgresQueueStore) Due(ctx context.Context, now time.Time, limit int) ([]*dispatch.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.user_id, e.lat, e.lng, e.accuracy_m, e.captured_at, e.degraded, e.created_at, e.status,
		       q.attempt_count, q.next_retry_at, q.enqueued_at
		FROM dispatch_queue q
		JOIN sos_events e ON e.id = q.event_id
		WHERE q.next_retry_at <= $1
		ORDER BY q.enqueued_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due entries: %w", err)
	}
	defer rows.Close()

	var entries []*dispatch.Entry
	for rows.Next() {
		var entry dispatch.Entry
		var lat, lng, accuracy *float64
		var capturedAt *time.Time
		if err := rows.Scan(
			&entry.Event.ID,
			&entry.Event.UserID,
			&lat,
			&lng,
			&accuracy,
			&capturedAt,
			&entry.Event.Degraded,
			&entry.Event.CreatedAt,
			&entry.Event.Status,
			&entry.AttemptCount,
			&entry.NextRetryAt,
			&entry.EnqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if lat != nil && lng != nil {
			entry.Event.Location = &geo.Point{Lat: *lat, Lng: *lng}
			if accuracy != nil {
				entry.Event.Location.AccuracyM = *accuracy
			}
			if capturedAt != nil {
				entry.Event.Location.CapturedAt = *capturedAt
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Reschedule records a failed attempt and the next retry time.
func (s *PostgresQueueStore) Reschedule(ctx context.Context, eventID uuid.UUID, attempts int, next time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE dispatch_queue
		SET attempt_count = $1, next_retry_at = $2
		WHERE event_id = $3
	`, attempts, next, eventID)
	if err != nil {
		return fmt.Errorf("failed to reschedule entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s not found", eventID)
	}
	return nil
}

// Resolve removes the queue entry and records the terminal status on the
// event row in one transaction.
func (s *PostgresQueueStore) Resolve(ctx context.Context, eventID uuid.UUID, status sos.EventStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	result, err := tx.Exec(ctx, `DELETE FROM dispatch_queue WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s not found", eventID)
	}

	_, err = tx.Exec(ctx, `UPDATE sos_events SET status = $1 WHERE id = $2`, status, eventID)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}

	return tx.Commit(ctx)
}

// EventStatus reads the recorded status of an event.
func (s *PostgresQueueStore) EventStatus(ctx context.Context, eventID uuid.UUID) (sos.EventStatus, error) {
	var status sos.EventStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM sos_events WHERE id = $1`, eventID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to read event status: %w", err)
	}
	return status, nil
}

// AcknowledgeEvent records the downstream acknowledgement for a submitted
// event.
func (s *PostgresQueueStore) AcknowledgeEvent(ctx context.Context, eventID uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE sos_events SET status = $1 WHERE id = $2 AND status = $3
	`, sos.StatusAcknowledged, eventID, sos.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("failed to acknowledge event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrNotAwaitingAck)
	}
	return nil
}

// ActiveEvents returns the events still counting against the one-live-event
// rule, used to rebuild machine state after a restart.
func (s *PostgresQueueStore) ActiveEvents(ctx context.Context) ([]sos.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, degraded, created_at, status
		FROM sos_events
		WHERE status IN ($1, $2, $3)
	`, sos.StatusPending, sos.StatusQueued, sos.StatusSubmitted)
	if err != nil {
		return nil, fmt.Errorf("failed to query active events: %w", err)
	}
	defer rows.Close()

	var events []sos.Event
	for rows.Next() {
		var ev sos.Event
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Degraded, &ev.CreatedAt, &ev.Status); err != nil {
			return nil, fmt.Errorf("failed to scan active event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
