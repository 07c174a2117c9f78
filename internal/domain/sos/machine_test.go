package sos

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// fakeTimer records scheduled callbacks; tests fire them explicitly so the
// countdown is fully deterministic.
type fakeTimer struct {
	mu      sync.Mutex
	seq     int
	order   []int
	pending map[int]func()
	stopped map[int]func()
}

func (t *fakeTimer) After(_ time.Duration, fn func()) (stop func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[int]func())
		t.stopped = make(map[int]func())
	}
	id := t.seq
	t.seq++
	t.order = append(t.order, id)
	t.pending[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if fn, ok := t.pending[id]; ok {
			delete(t.pending, id)
			t.stopped[id] = fn
		}
	}
}

// fire runs the oldest scheduled callback. With includeStopped it also
// fires callbacks whose stop came too late (simulating a timer that was
// already in flight when the stop call happened).
func (t *fakeTimer) fire(includeStopped bool) bool {
	t.mu.Lock()
	var fn func()
	for len(t.order) > 0 {
		id := t.order[0]
		t.order = t.order[1:]
		if f, ok := t.pending[id]; ok {
			delete(t.pending, id)
			fn = f
			break
		}
		if f, ok := t.stopped[id]; ok && includeStopped {
			delete(t.stopped, id)
			fn = f
			break
		}
	}
	t.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

type stubSource struct {
	point geo.Point
	err   error
}

func (s stubSource) Current(context.Context) (geo.Point, error) {
	return s.point, s.err
}

type machineFixture struct {
	machine *Machine
	clock   *fakeClock
	timer   *fakeTimer
	events  []Event
}

func newFixture(t *testing.T, cfg Config, source LocationSource) *machineFixture {
	t.Helper()
	f := &machineFixture{
		clock: &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		timer: &fakeTimer{},
	}
	f.machine = NewMachine(
		uuid.New(),
		cfg,
		f.clock,
		f.timer,
		source,
		func(ev Event) { f.events = append(f.events, ev) },
		nil,
	)
	return f
}

func TestMachine_TriggerTogglesArmedToIdle(t *testing.T) {
	f := newFixture(t, Config{Ticks: 3}, stubSource{})
	ctx := context.Background()

	state, err := f.machine.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateArmed, state)

	// second tap cancels
	state, err = f.machine.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, f.events)

	// third tap re-arms
	state, err = f.machine.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateArmed, state)
}

func TestMachine_CountdownAutoConfirmsExactlyOnce(t *testing.T) {
	loc := geo.Point{Lat: 12.5, Lng: 7.25, CapturedAt: time.Now()}
	f := newFixture(t, Config{Ticks: 3}, stubSource{point: loc})

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, f.timer.fire(false), "tick %d did not fire", i)
	}
	// no further timers scheduled after confirmation
	assert.False(t, f.timer.fire(false))

	require.Len(t, f.events, 1)
	ev := f.events[0]
	assert.Equal(t, f.machine.userID, ev.UserID)
	assert.Equal(t, StatusPending, ev.Status)
	assert.False(t, ev.Degraded)
	require.NotNil(t, ev.Location)
	assert.Equal(t, loc.Lat, ev.Location.Lat)
	assert.Equal(t, f.clock.now, ev.CreatedAt)

	snap := f.machine.Snapshot()
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Equal(t, ev.ID, snap.ActiveEventID)
}

func TestMachine_CancelDiscardsCountdown(t *testing.T) {
	f := newFixture(t, Config{Ticks: 5}, stubSource{})

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	f.timer.fire(false)
	f.timer.fire(false)

	require.NoError(t, f.machine.Cancel())
	assert.Equal(t, StateIdle, f.machine.Snapshot().State)

	// draining whatever was scheduled must not confirm
	for f.timer.fire(true) {
	}
	assert.Empty(t, f.events)

	assert.ErrorIs(t, f.machine.Cancel(), ErrNotArmed)
}

func TestMachine_CancelRacesFinalTick(t *testing.T) {
	f := newFixture(t, Config{Ticks: 1}, stubSource{})

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)

	// cancel wins the lock first; the already-fired timer callback must
	// see a stale generation and do nothing
	require.NoError(t, f.machine.Cancel())
	f.timer.fire(true)

	assert.Empty(t, f.events)
	assert.Equal(t, StateIdle, f.machine.Snapshot().State)
}

func TestMachine_DuplicateTriggerWhileEventActive(t *testing.T) {
	f := newFixture(t, Config{Ticks: 1}, stubSource{})

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	require.True(t, f.timer.fire(false))
	require.Len(t, f.events, 1)

	_, err = f.machine.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateSOS)
	require.Len(t, f.events, 1)

	// external acknowledgement resets the machine; a new SOS may be raised
	f.machine.Reset()
	state, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateArmed, state)
}

func TestMachine_RestoreBlocksNewTrigger(t *testing.T) {
	f := newFixture(t, Config{Ticks: 1}, stubSource{})

	// A live event loaded from the store occupies the machine as if the
	// countdown had confirmed in this process.
	eventID := uuid.New()
	f.machine.Restore(eventID)

	snap := f.machine.Snapshot()
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Equal(t, eventID, snap.ActiveEventID)

	_, err := f.machine.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateSOS)
	assert.Empty(t, f.events)

	// Restore never displaces an already-occupied machine
	f.machine.Restore(uuid.New())
	assert.Equal(t, eventID, f.machine.Snapshot().ActiveEventID)

	// The terminal acknowledgement frees it as usual
	f.machine.Reset()
	state, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateArmed, state)
}

func TestMachine_ConfirmsDegradedWithoutFix(t *testing.T) {
	f := newFixture(t, Config{Ticks: 1}, stubSource{err: fmt.Errorf("no gps fix")})

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	require.True(t, f.timer.fire(false))

	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].Degraded)
	assert.Nil(t, f.events[0].Location)
}

// deadlineSource refuses lookups on a cancelled context, like any source
// backed by a real I/O call would.
type deadlineSource struct {
	point geo.Point
}

func (s deadlineSource) Current(ctx context.Context) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	return s.point, nil
}

func TestMachine_ConfirmOutlivesTriggerContext(t *testing.T) {
	loc := geo.Point{Lat: 48.85, Lng: 2.35, CapturedAt: time.Now()}
	f := newFixture(t, Config{Ticks: 2}, deadlineSource{point: loc})

	// The triggering HTTP request is long gone by the final tick
	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.machine.Trigger(ctx)
	require.NoError(t, err)
	cancel()

	require.True(t, f.timer.fire(false))
	require.True(t, f.timer.fire(false))

	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Degraded)
	require.NotNil(t, f.events[0].Location)
	assert.Equal(t, loc.Lat, f.events[0].Location.Lat)
}

func TestMachine_ObserversSeeCountdownProgress(t *testing.T) {
	f := newFixture(t, Config{Ticks: 3}, stubSource{})

	var seen []Snapshot
	unsubscribe := f.machine.Subscribe(func(s Snapshot) { seen = append(seen, s) })

	_, err := f.machine.Trigger(context.Background())
	require.NoError(t, err)
	f.timer.fire(false)
	f.timer.fire(false)
	f.timer.fire(false)

	require.Len(t, seen, 4)
	assert.Equal(t, Snapshot{UserID: f.machine.userID, State: StateArmed, RemainingTicks: 3}, seen[0])
	assert.Equal(t, 2, seen[1].RemainingTicks)
	assert.Equal(t, 1, seen[2].RemainingTicks)
	assert.Equal(t, StateConfirmed, seen[3].State)

	unsubscribe()
	f.machine.Reset()
	assert.Len(t, seen, 4)
}

func TestMachine_StaleIndexFixIsDegraded(t *testing.T) {
	ix := geo.NewIndex()
	userID := uuid.New()
	clock := &fakeClock{now: time.Now()}
	ix.Register(geo.UserRecord{
		ID:       userID,
		IsActive: true,
		LastKnown: &geo.Point{
			Lat:        1,
			Lng:        1,
			CapturedAt: clock.now.Add(-5 * time.Minute),
		},
	})

	source := IndexLocationSource{Index: ix, UserID: userID, Clock: clock}
	_, err := source.Current(context.Background())
	assert.Error(t, err)

	// a fresh fix is served as-is
	require.NoError(t, ix.Upsert(userID, geo.Point{Lat: 2, Lng: 2, CapturedAt: clock.now}))
	p, err := source.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Lat)
}

func TestRegistry_OneMachinePerDevice(t *testing.T) {
	reg := NewRegistry(func(userID uuid.UUID) *Machine {
		return NewMachine(userID, Config{}, SystemClock{}, SystemTimer{}, stubSource{}, nil, nil)
	})

	id := uuid.New()
	assert.Same(t, reg.Machine(id), reg.Machine(id))
	assert.NotSame(t, reg.Machine(id), reg.Machine(uuid.New()))
}
