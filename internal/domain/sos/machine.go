package sos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

// LocationSource supplies the best-known position at confirmation time.
type LocationSource interface {
	// Current returns the freshest usable fix, or an error when none exists
	Current(ctx context.Context) (geo.Point, error)
}

// Config controls the countdown. Zero values fall back to the defaults
// (10 ticks at one-second granularity).
type Config struct {
	Ticks    int
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Ticks <= 0 {
		c.Ticks = 10
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Machine is the per-device SOS state machine:
//
//	Idle -> ArmedCountdown -> Confirmed -> (reset) -> Idle
//
// Trigger while armed cancels ("tap again to cancel"). All trigger, cancel
// and tick processing serializes on one mutex, so a cancel can never race
// the tick that would auto-confirm: whichever takes the lock first wins and
// the loser sees a stale generation.
type Machine struct {
	userID  uuid.UUID
	cfg     Config
	clock   Clock
	timer   Timer
	source  LocationSource
	confirm func(Event)
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	remaining int
	gen       uint64 // bumped on every arm/disarm; stale timers no-op
	stopTick  func()
	activeID  uuid.UUID
	observers []func(Snapshot)
}

// NewMachine creates a machine for one device. confirm is invoked exactly
// once per completed countdown, outside the machine lock.
func NewMachine(
	userID uuid.UUID,
	cfg Config,
	clock Clock,
	timer Timer,
	source LocationSource,
	confirm func(Event),
	logger *slog.Logger,
) *Machine {
	return &Machine{
		userID:  userID,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		timer:   timer,
		source:  source,
		confirm: confirm,
		logger:  logger,
		state:   StateIdle,
	}
}

// Subscribe registers an observer for state snapshots. The returned
// function unsubscribes. Observers are called outside the machine lock.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
	idx := len(m.observers) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.observers[idx] = nil
	}
}

// Trigger arms the countdown, or cancels it when one is already running.
// A trigger while an event is still live (Confirmed and not yet reset)
// returns ErrDuplicateSOS instead of raising a second event.
func (m *Machine) Trigger(ctx context.Context) (State, error) {
	m.mu.Lock()

	switch m.state {
	case StateArmed:
		// Toggle semantics: the second tap cancels.
		m.disarmLocked()
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snap)
		return StateIdle, nil

	case StateConfirmed:
		state := m.state
		m.mu.Unlock()
		return state, ErrDuplicateSOS

	default:
		if m.activeID != uuid.Nil {
			state := m.state
			m.mu.Unlock()
			return state, ErrDuplicateSOS
		}
	}

	m.state = StateArmed
	m.remaining = m.cfg.Ticks
	m.gen++
	gen := m.gen
	// The countdown outlives the triggering request, so the ticks carry a
	// context detached from its cancellation; otherwise the location lookup
	// at confirmation would run against a long-dead context.
	tickCtx := context.WithoutCancel(ctx)
	m.stopTick = m.timer.After(m.cfg.Interval, func() { m.tick(tickCtx, gen) })

	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	return StateArmed, nil
}

// Cancel aborts an in-progress countdown without emitting an event.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.state != StateArmed {
		m.mu.Unlock()
		return ErrNotArmed
	}
	m.disarmLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// Reset returns a Confirmed machine to Idle once the live event reached a
// terminal outcome (acknowledged or failed). Safe to call twice.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.state == StateArmed {
		m.disarmLocked()
	}
	m.state = StateIdle
	m.activeID = uuid.Nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Restore seeds an idle machine with an event that was still live when the
// process last stopped, so a new trigger keeps returning ErrDuplicateSOS
// until the event reaches a terminal outcome. No-op on a machine that is
// already armed or holds an active event.
func (m *Machine) Restore(eventID uuid.UUID) {
	m.mu.Lock()
	if m.state != StateIdle || m.activeID != uuid.Nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConfirmed
	m.activeID = eventID
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) tick(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if m.state != StateArmed || gen != m.gen {
		// A cancel beat this tick to the lock; drop it.
		m.mu.Unlock()
		return
	}

	m.remaining--
	if m.remaining > 0 {
		m.stopTick = m.timer.After(m.cfg.Interval, func() { m.tick(ctx, gen) })
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snap)
		return
	}

	ev := m.confirmLocked(ctx)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	if m.confirm != nil {
		m.confirm(ev)
	}
}

// confirmLocked builds the single Event for this countdown. A missing fix
// does not block confirmation; the event is flagged degraded instead.
func (m *Machine) confirmLocked(ctx context.Context) Event {
	ev := Event{
		ID:        uuid.New(),
		UserID:    m.userID,
		CreatedAt: m.clock.Now(),
		Status:    StatusPending,
	}

	loc, err := m.source.Current(ctx)
	if err != nil {
		ev.Degraded = true
		if m.logger != nil {
			m.logger.Warn("SOS confirmed without location fix", "user_id", m.userID, "error", err)
		}
	} else {
		ev.Location = &loc
	}

	m.state = StateConfirmed
	m.activeID = ev.ID
	m.stopTick = nil
	return ev
}

func (m *Machine) disarmLocked() {
	if m.stopTick != nil {
		m.stopTick()
		m.stopTick = nil
	}
	m.gen++
	m.state = StateIdle
	m.remaining = 0
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		UserID:         m.userID,
		State:          m.state,
		RemainingTicks: m.remaining,
		ActiveEventID:  m.activeID,
	}
}

func (m *Machine) notify(snap Snapshot) {
	m.mu.Lock()
	obs := make([]func(Snapshot), len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	for _, fn := range obs {
		if fn != nil {
			fn(snap)
		}
	}
}

// IndexLocationSource serves the machine from the user's last known
// position in the spatial index, rejecting fixes older than MaxAge.
type IndexLocationSource struct {
	Index  *geo.Index
	UserID uuid.UUID
	Clock  Clock
	MaxAge time.Duration
}

func (s IndexLocationSource) Current(_ context.Context) (geo.Point, error) {
	rec, ok := s.Index.Get(s.UserID)
	if !ok || rec.LastKnown == nil {
		return geo.Point{}, fmt.Errorf("no location fix for user %s", s.UserID)
	}
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = geo.DefaultMaxAge
	}
	if rec.LastKnown.IsStale(s.Clock.Now(), maxAge) {
		return geo.Point{}, fmt.Errorf("location fix for user %s is stale", s.UserID)
	}
	return *rec.LastKnown, nil
}
