package geo

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EarthRadiusKm is the mean spherical Earth radius. The error of the
// spherical model is the same order as GPS accuracy, so no ellipsoidal
// correction is applied anywhere in this package.
const EarthRadiusKm = 6371.0

// DefaultMaxAge is how long a fix is considered fresh by consumers.
const DefaultMaxAge = 60 * time.Second

// Point is a captured device position. AccuracyM is the reported GPS
// accuracy in meters.
type Point struct {
	Lat        float64
	Lng        float64
	AccuracyM  float64
	CapturedAt time.Time
}

// IsStale reports whether the fix is older than maxAge at the given instant.
func (p Point) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.CapturedAt) > maxAge
}

// UserRecord is a registered device and its last known position.
// It is owned by the Index: mutation happens only through Upsert/Remove.
type UserRecord struct {
	ID               uuid.UUID
	Phone            string
	EmergencyContact string
	LastKnown        *Point
	RegisteredAt     time.Time
	IsActive         bool
}

// Neighbor is a user returned by a radius query, annotated with the
// great-circle distance from the query center.
type Neighbor struct {
	User       UserRecord
	DistanceKm float64
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}
