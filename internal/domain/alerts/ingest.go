package alerts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// SeenStore remembers ingested alert ids across restarts, so a feed that
// re-pushes after we reconnect does not re-present old alerts. Optional;
// the in-memory map always applies within one process.
type SeenStore interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string, ttl time.Duration) error
}

// Subscriber is a connected client interested in alerts near its last
// known position. Present runs outside the service lock.
type Subscriber struct {
	UserID  uuid.UUID
	Region  string
	Present func(Alert)
}

// Service receives externally sourced disaster alerts and decides, per
// subscribed client, whether each alert is geographically relevant. An
// alert is presented at most once per client per alert id.
type Service struct {
	index    *geo.Index
	clock    sos.Clock
	seen     SeenStore
	ttl      time.Duration
	radiusKm float64
	logger   *slog.Logger

	mu        sync.Mutex
	alerts    map[string]Alert
	presented map[string]map[uuid.UUID]struct{}
	subs      map[uuid.UUID]Subscriber
}

// NewService creates an ingest service. seen may be nil; ttl and radiusKm
// fall back to the defaults when zero.
func NewService(index *geo.Index, clock sos.Clock, seen SeenStore, ttl time.Duration, radiusKm float64, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRelevanceRadiusKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		index:     index,
		clock:     clock,
		seen:      seen,
		ttl:       ttl,
		radiusKm:  radiusKm,
		logger:    logger,
		alerts:    make(map[string]Alert),
		presented: make(map[string]map[uuid.UUID]struct{}),
		subs:      make(map[uuid.UUID]Subscriber),
	}
}

// Subscribe registers a client for alert presentation. The returned
// function unsubscribes.
func (s *Service) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, sub.UserID)
	}
}

// Ingest stores the alert and presents it to every subscribed client
// whose position makes it relevant. Re-ingesting an id is a no-op.
// Expired alerts are stored but never newly presented.
func (s *Service) Ingest(ctx context.Context, alert Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.alerts[alert.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Cross-restart dedup, when a durable seen-store is wired.
	if s.seen != nil {
		seen, err := s.seen.Seen(ctx, alert.ID)
		if err != nil {
			s.logger.Error("seen-store lookup failed", "alert_id", alert.ID, "error", err)
		} else if seen {
			s.mu.Lock()
			s.alerts[alert.ID] = alert
			s.mu.Unlock()
			return nil
		}
	}

	now := s.clock.Now()

	s.mu.Lock()
	s.alerts[alert.ID] = alert
	var deliveries []Subscriber
	if !alert.Expired(now, s.ttl) {
		for _, sub := range s.subs {
			if !s.relevantLocked(alert, sub) {
				continue
			}
			if s.presented[alert.ID] == nil {
				s.presented[alert.ID] = make(map[uuid.UUID]struct{})
			}
			if _, done := s.presented[alert.ID][sub.UserID]; done {
				continue
			}
			s.presented[alert.ID][sub.UserID] = struct{}{}
			deliveries = append(deliveries, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range deliveries {
		if sub.Present != nil {
			sub.Present(alert)
		}
	}
	s.logger.Info("alert ingested",
		"alert_id", alert.ID, "type", alert.Type, "severity", alert.Severity, "presented_to", len(deliveries))

	if s.seen != nil {
		if err := s.seen.MarkSeen(ctx, alert.ID, s.ttl); err != nil {
			s.logger.Error("seen-store mark failed", "alert_id", alert.ID, "error", err)
		}
	}
	return nil
}

// Relevant returns the unexpired alerts relevant to the user, newest
// first. Clients without a known location only see region matches.
func (s *Service) Relevant(userID uuid.UUID) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok {
		sub = Subscriber{UserID: userID}
	}

	now := s.clock.Now()
	var out []Alert
	for _, alert := range s.alerts {
		if alert.Expired(now, s.ttl) {
			continue
		}
		if s.relevantLocked(alert, sub) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out
}

// relevantLocked applies the geofencing contract: region overlap, or the
// client's last known position within the alert's relevance radius.
// Clients without a known location never match point alerts.
func (s *Service) relevantLocked(alert Alert, sub Subscriber) bool {
	if alert.Region != "" && sub.Region != "" && alert.Region == sub.Region {
		return true
	}
	if alert.Location == nil {
		return false
	}
	rec, ok := s.index.Get(sub.UserID)
	if !ok || !rec.IsActive || rec.LastKnown == nil {
		return false
	}
	radius := alert.RadiusKm
	if radius <= 0 {
		radius = s.radiusKm
	}
	return geo.Haversine(*alert.Location, *rec.LastKnown) <= radius
}

// Prune drops alerts that have been expired for longer than keepFor.
// Presentation history goes with them.
func (s *Service) Prune(keepFor time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, alert := range s.alerts {
		if now.Sub(alert.IssuedAt) > s.ttl+keepFor {
			delete(s.alerts, id)
			delete(s.presented, id)
			removed++
		}
	}
	return removed
}
