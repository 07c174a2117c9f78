package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHaversine_Symmetry(t *testing.T) {
	pairs := []struct {
		name string
		a, b Point
	}{
		{"equator", Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 0.03}},
		{"mid latitude", Point{Lat: 45.5, Lng: -73.6}, Point{Lat: 45.4, Lng: -73.7}},
		{"antimeridian", Point{Lat: 10, Lng: 179.9}, Point{Lat: 10, Lng: -179.9}},
		{"poles", Point{Lat: 89.9, Lng: 0}, Point{Lat: -89.9, Lng: 0}},
	}

	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, Haversine(tt.a, tt.b), Haversine(tt.b, tt.a), 1e-9)
		})
	}
}

func TestHaversine_Identity(t *testing.T) {
	p := Point{Lat: 51.5, Lng: -0.12}
	assert.Zero(t, Haversine(p, p))
}

func TestHaversine_KnownDistances(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Point
		wantKm float64
	}{
		// 0.03 degrees of longitude on the equator
		{"equator short hop", Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 0.03}, 3.34},
		// 0.2 degrees of longitude on the equator
		{"equator long hop", Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 0.2}, 22.24},
		// one degree of latitude is ~111.19 km on a 6371 km sphere
		{"one degree latitude", Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0}, 111.19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantKm, Haversine(tt.a, tt.b), 0.05)
		})
	}
}

func TestPoint_IsStale(t *testing.T) {
	now := time.Now()
	fresh := Point{CapturedAt: now.Add(-30 * time.Second)}
	stale := Point{CapturedAt: now.Add(-2 * time.Minute)}

	assert.False(t, fresh.IsStale(now, DefaultMaxAge))
	assert.True(t, stale.IsStale(now, DefaultMaxAge))
}
