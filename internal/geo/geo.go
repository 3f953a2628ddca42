// Package geo implements the proximity check used for duplicate detection
// on incoming SOS reports.
package geo

import (
	"math"
	"time"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000

// Default duplicate-candidate window parameters.
const (
	// DefaultWindow bounds how recent an existing report must be to count
	// as a duplicate candidate.
	DefaultWindow = 5 * time.Minute
	// DefaultRadiusMeters bounds how close an existing report must be.
	DefaultRadiusMeters = 50
)

// DistanceMeters computes the great-circle distance between two points
// given in decimal degrees, using the haversine formula.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(v float64) float64 { return v * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Candidate describes the report about to be submitted.
type Candidate struct {
	Category models.Category
	Location models.Location
}

// Matcher applies the distance, time, and category window that flags a new
// report as a possible duplicate of an existing one.
type Matcher struct {
	Window       time.Duration
	RadiusMeters float64
}

// NewMatcher returns a Matcher with the default window and radius.
func NewMatcher() *Matcher {
	return &Matcher{Window: DefaultWindow, RadiusMeters: DefaultRadiusMeters}
}

// IsDuplicate reports whether any existing report matches the candidate on
// all four conditions: a non-zero timestamp within the window, a stored
// location within the radius, and the same category. A match never blocks
// submission; it only changes the report's status and messaging.
func (m *Matcher) IsDuplicate(candidate Candidate, existing []models.SosReport, now time.Time) bool {
	for _, r := range existing {
		if r.SubmittedAt.IsZero() || r.Location == nil {
			continue
		}
		if now.Sub(r.SubmittedAt) > m.Window {
			continue
		}
		if r.Category == nil || *r.Category != candidate.Category {
			continue
		}
		dist := DistanceMeters(candidate.Location.Latitude, candidate.Location.Longitude,
			r.Location.Latitude, r.Location.Longitude)
		if dist <= m.RadiusMeters {
			return true
		}
	}
	return false
}
