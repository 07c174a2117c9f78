package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// DefaultRadiusKm is how far the push fan-out reaches around an SOS event.
const DefaultRadiusKm = 5.0

// ResponderChannel is the shared channel for emergency responders; it is
// notified once per event alongside the per-user pushes.
const ResponderChannel = "responders"

const (
	alertingRecipient  = "alerting"
	responderRecipient = "channel:" + ResponderChannel
)

// Service computes the recipient set for a submitted SOS event and issues
// exactly one notification per recipient. The ledger makes repeated
// Dispatch calls for the same event idempotent: recipients notified on an
// earlier pass are skipped, only the remainder is attempted again.
type Service struct {
	index       *geo.Index
	notifier    Notifier
	alerting    Alerting
	ledger      Ledger
	radiusKm    float64
	concurrency int
	logger      *slog.Logger
}

// NewService creates a fan-out service. radiusKm <= 0 uses the default.
func NewService(
	index *geo.Index,
	notifier Notifier,
	alerting Alerting,
	ledger Ledger,
	radiusKm float64,
	logger *slog.Logger,
) *Service {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		index:       index,
		notifier:    notifier,
		alerting:    alerting,
		ledger:      ledger,
		radiusKm:    radiusKm,
		concurrency: 8,
		logger:      logger,
	}
}

// Dispatch fans the event out to all nearby users and the responder
// channel, and escalates once through the alerting side channel. Pushes
// run concurrently and fail independently; the returned error reports how
// many recipients are still unnotified so the caller can retry the pass.
func (s *Service) Dispatch(ctx context.Context, ev sos.Event) error {
	s.escalate(ctx, ev)

	if ev.Location == nil {
		// Degraded event: no center to query around. Escalation above is
		// all we can do.
		s.logger.Warn("skipping push fan-out for degraded SOS", "event_id", ev.ID)
		return nil
	}

	neighbors := s.index.QueryRadius(*ev.Location, s.radiusKm, ev.UserID)

	brief := fmt.Sprintf("%.4f,%.4f", ev.Location.Lat, ev.Location.Lng)

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, nb := range neighbors {
		g.Go(func() error {
			n := Notification{
				EventID:       ev.ID,
				DistanceKm:    nb.DistanceKm,
				BriefLocation: brief,
			}
			if err := s.pushOnce(ctx, ev.ID, "user:"+nb.User.ID.String(), func(ctx context.Context) error {
				return s.notifier.Push(ctx, nb.User.ID, n)
			}); err != nil {
				failed.Add(1)
				s.logger.Error("push notification failed",
					"event_id", ev.ID, "recipient", nb.User.ID, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		n := Notification{EventID: ev.ID, BriefLocation: brief}
		if err := s.pushOnce(ctx, ev.ID, responderRecipient, func(ctx context.Context) error {
			return s.notifier.Broadcast(ctx, ResponderChannel, n)
		}); err != nil {
			failed.Add(1)
			s.logger.Error("responder broadcast failed", "event_id", ev.ID, "error", err)
		}
		return nil
	})

	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d recipients not notified for event %s", n, len(neighbors)+1, ev.ID)
	}
	s.logger.Info("fan-out complete", "event_id", ev.ID, "recipients", len(neighbors))
	return nil
}

// pushOnce delivers to a single recipient unless the ledger says an
// earlier pass already did. Only a successful delivery is recorded.
func (s *Service) pushOnce(
	ctx context.Context,
	eventID uuid.UUID,
	recipient string,
	send func(ctx context.Context) error,
) error {
	done, err := s.ledger.AlreadyNotified(ctx, eventID, recipient)
	if err != nil {
		return fmt.Errorf("ledger lookup failed: %w", err)
	}
	if done {
		return nil
	}
	if err := send(ctx); err != nil {
		return err
	}
	if err := s.ledger.MarkNotified(ctx, eventID, recipient); err != nil {
		return fmt.Errorf("ledger mark failed: %w", err)
	}
	return nil
}

// escalate issues the single SMS/telephony call for the event. It runs
// before and independently of the push fan-out: a failing gateway is
// logged, never retried here, and never blocks the pushes. The ledger is
// marked whether or not the call succeeded, so an event escalates at most
// once across dispatch retries.
func (s *Service) escalate(ctx context.Context, ev sos.Event) {
	done, err := s.ledger.AlreadyNotified(ctx, ev.ID, alertingRecipient)
	if err != nil {
		s.logger.Error("ledger lookup failed for alerting", "event_id", ev.ID, "error", err)
		return
	}
	if done {
		return
	}
	if err := s.alerting.Notify(ctx, ev); err != nil {
		s.logger.Error("alerting escalation failed", "event_id", ev.ID, "error", err)
	}
	if err := s.ledger.MarkNotified(ctx, ev.ID, alertingRecipient); err != nil {
		s.logger.Error("ledger mark failed for alerting", "event_id", ev.ID, "error", err)
	}
}
