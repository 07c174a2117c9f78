package alerts

import (
	"fmt"
	"time"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

// Defaults for geographic relevance and on-screen lifetime
const (
	DefaultRelevanceRadiusKm = 50.0
	DefaultTTL               = 10 * time.Minute
)

// Severity of a disaster alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IsValid checks if the severity is one of the known levels
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// Alert is an externally sourced disaster alert. Read-only to consumers;
// the TTL bounds on-screen relevance, not storage.
type Alert struct {
	ID       string
	Type     string
	Severity Severity
	Location *geo.Point // epicenter; nil for region-scoped alerts
	RadiusKm float64    // relevance radius; 0 uses the default
	Region   string     // declared region; empty for point alerts
	Message  string
	IssuedAt time.Time
}

// Expired reports whether the alert is past its relevance window.
func (a Alert) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.IssuedAt) > ttl
}

// Validate rejects alerts the feed should never have produced.
func (a Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("alert is missing an id")
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("alert %s has unknown severity %q", a.ID, a.Severity)
	}
	if a.Location == nil && a.Region == "" {
		return fmt.Errorf("alert %s has neither a location nor a region", a.ID)
	}
	return nil
}
