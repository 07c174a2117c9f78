package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/beacon/internal/adapters/database"
	"github.com/kvasirlabs/beacon/internal/domain/dispatch"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
	"github.com/kvasirlabs/beacon/pkg/testhelpers"
)

func newTestUser(t *testing.T, repo *database.PostgresUserRepository) uuid.UUID {
	t.Helper()
	rec := geo.UserRecord{
		ID:           uuid.New(),
		Phone:        "+34600111222",
		RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
		IsActive:     true,
	}
	require.NoError(t, repo.CreateUser(context.Background(), &rec, "hash"))
	return rec.ID
}

func newQueuedEvent(userID uuid.UUID, at time.Time) *dispatch.Entry {
	return &dispatch.Entry{
		Event: sos.Event{
			ID:     uuid.New(),
			UserID: userID,
			Location: &geo.Point{
				Lat:        40.4168,
				Lng:        -3.7038,
				AccuracyM:  10,
				CapturedAt: at,
			},
			CreatedAt: at,
			Status:    sos.StatusQueued,
		},
		NextRetryAt: at,
		EnqueuedAt:  at,
	}
}

func TestPostgresQueueStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")

	store := database.NewPostgresQueueStore(testDB.Pool)
	users := database.NewPostgresUserRepository(testDB.Pool)
	userID := newTestUser(t, users)

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("append then due round-trips the event", func(t *testing.T) {
		entry := newQueuedEvent(userID, now)
		require.NoError(t, store.Append(ctx, entry))

		due, err := store.Due(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, entry.Event.ID, due[0].Event.ID)
		assert.Equal(t, userID, due[0].Event.UserID)
		require.NotNil(t, due[0].Event.Location)
		assert.InDelta(t, 40.4168, due[0].Event.Location.Lat, 1e-9)
		assert.Equal(t, 0, due[0].AttemptCount)

		// Submitted still counts as live; acknowledge to free the user's slot
		require.NoError(t, store.Resolve(ctx, entry.Event.ID, sos.StatusSubmitted))
		require.NoError(t, store.AcknowledgeEvent(ctx, entry.Event.ID))
	})

	t.Run("entries before next_retry_at are not due", func(t *testing.T) {
		entry := newQueuedEvent(userID, now)
		entry.NextRetryAt = now.Add(time.Minute)
		require.NoError(t, store.Append(ctx, entry))

		due, err := store.Due(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = store.Due(ctx, now.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		require.NoError(t, store.Resolve(ctx, entry.Event.ID, sos.StatusFailed))
	})

	t.Run("due preserves enqueue order", func(t *testing.T) {
		otherID := newTestUser(t, users)
		first := newQueuedEvent(userID, now)
		second := newQueuedEvent(otherID, now.Add(time.Second))
		require.NoError(t, store.Append(ctx, first))
		require.NoError(t, store.Append(ctx, second))

		due, err := store.Due(ctx, now.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, first.Event.ID, due[0].Event.ID)
		assert.Equal(t, second.Event.ID, due[1].Event.ID)

		require.NoError(t, store.Resolve(ctx, first.Event.ID, sos.StatusSubmitted))
		require.NoError(t, store.AcknowledgeEvent(ctx, first.Event.ID))
		require.NoError(t, store.Resolve(ctx, second.Event.ID, sos.StatusSubmitted))
		require.NoError(t, store.AcknowledgeEvent(ctx, second.Event.ID))
	})

	t.Run("reschedule survives a new store instance", func(t *testing.T) {
		entry := newQueuedEvent(userID, now)
		require.NoError(t, store.Append(ctx, entry))
		require.NoError(t, store.Reschedule(ctx, entry.Event.ID, 2, now.Add(4*time.Second)))

		// A fresh store sees the recorded attempt state, as after a restart
		reopened := database.NewPostgresQueueStore(testDB.Pool)
		due, err := reopened.Due(ctx, now.Add(5*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 2, due[0].AttemptCount)

		require.NoError(t, reopened.Resolve(ctx, entry.Event.ID, sos.StatusSubmitted))
		require.NoError(t, reopened.AcknowledgeEvent(ctx, entry.Event.ID))
	})

	t.Run("resolve records terminal status and empties the queue", func(t *testing.T) {
		entry := newQueuedEvent(userID, now)
		require.NoError(t, store.Append(ctx, entry))
		require.NoError(t, store.Resolve(ctx, entry.Event.ID, sos.StatusSubmitted))

		status, err := store.EventStatus(ctx, entry.Event.ID)
		require.NoError(t, err)
		assert.Equal(t, sos.StatusSubmitted, status)

		due, err := store.Due(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		// Acknowledgement advances submitted events exactly once
		require.NoError(t, store.AcknowledgeEvent(ctx, entry.Event.ID))
		assert.ErrorIs(t, store.AcknowledgeEvent(ctx, entry.Event.ID), database.ErrNotAwaitingAck)
	})

	t.Run("a second live event per user is rejected", func(t *testing.T) {
		first := newQueuedEvent(userID, now)
		require.NoError(t, store.Append(ctx, first))

		// The partial unique index holds the one-live-event rule even when
		// the in-memory machine state is gone, as after a restart
		second := newQueuedEvent(userID, now.Add(time.Second))
		assert.Error(t, store.Append(ctx, second))

		require.NoError(t, store.Resolve(ctx, first.Event.ID, sos.StatusFailed))

		// A terminal outcome releases the slot
		require.NoError(t, store.Append(ctx, second))
		require.NoError(t, store.Resolve(ctx, second.Event.ID, sos.StatusSubmitted))
		require.NoError(t, store.AcknowledgeEvent(ctx, second.Event.ID))
	})

	t.Run("active events are listed for restart hydration", func(t *testing.T) {
		entry := newQueuedEvent(userID, now)
		require.NoError(t, store.Append(ctx, entry))

		active, err := store.ActiveEvents(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, entry.Event.ID, active[0].ID)
		assert.Equal(t, userID, active[0].UserID)

		require.NoError(t, store.Resolve(ctx, entry.Event.ID, sos.StatusSubmitted))
		require.NoError(t, store.AcknowledgeEvent(ctx, entry.Event.ID))

		active, err = store.ActiveEvents(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestPostgresUserRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	repo := database.NewPostgresUserRepository(testDB.Pool)

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create and fetch", func(t *testing.T) {
		rec := geo.UserRecord{
			ID:               uuid.New(),
			Phone:            "+34600111222",
			EmergencyContact: "+34600999888",
			RegisteredAt:     now,
			IsActive:         true,
		}
		require.NoError(t, repo.CreateUser(ctx, &rec, "pin-hash"))

		got, err := repo.GetUserByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Phone, got.Phone)
		assert.Equal(t, rec.EmergencyContact, got.EmergencyContact)
		assert.Nil(t, got.LastKnown)

		hash, err := repo.GetPinHash(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "pin-hash", hash)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := repo.GetUserByID(ctx, uuid.New())
		assert.ErrorIs(t, err, database.ErrUserNotFound)
	})

	t.Run("location update is last-write-wins", func(t *testing.T) {
		id := newTestUser(t, repo)

		fresh := geo.Point{Lat: 40.4168, Lng: -3.7038, AccuracyM: 10, CapturedAt: now}
		require.NoError(t, repo.UpdateLocation(ctx, id, fresh))

		// An older fix does not overwrite
		stale := geo.Point{Lat: 0, Lng: 0, CapturedAt: now.Add(-time.Minute)}
		require.NoError(t, repo.UpdateLocation(ctx, id, stale))

		got, err := repo.GetUserByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LastKnown)
		assert.InDelta(t, 40.4168, got.LastKnown.Lat, 1e-9)
	})

	t.Run("deactivate removes from active listing", func(t *testing.T) {
		id := newTestUser(t, repo)

		before, err := repo.ListActiveUsers(ctx)
		require.NoError(t, err)

		require.NoError(t, repo.DeactivateUser(ctx, id))

		after, err := repo.ListActiveUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, after, len(before)-1)
		for _, rec := range after {
			assert.NotEqual(t, id, rec.ID)
		}
	})
}
