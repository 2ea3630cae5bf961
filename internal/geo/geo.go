// Package geo evaluates guide positions against meeting points. It is
// pure computation: no I/O, no clock, no retries.
package geo

import (
	"fmt"
	"math"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b models.Coordinates) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLat := toRadians(b.Latitude - a.Latitude)
	deltaLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	// Rounding can push h marginally past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDegrees returns the initial compass bearing from -> to in [0, 360).
func BearingDegrees(from, to models.Coordinates) float64 {
	lat1 := toRadians(from.Latitude)
	lat2 := toRadians(to.Latitude)
	deltaLon := toRadians(to.Longitude - from.Longitude)

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	bearing := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// IsWithinRadius reports whether position lies inside the meeting point
// geofence. The boundary is inclusive.
func IsWithinRadius(position models.Coordinates, point models.MeetingPoint) bool {
	return DistanceMeters(position, point.Coordinates) <= point.RadiusMeters
}

// CheckInWindow is how long before and after trip start a check-in is
// accepted.
type CheckInWindow struct {
	Before time.Duration
	After  time.Duration
}

// DefaultCheckInWindow opens two hours before trip start and closes one
// hour after.
var DefaultCheckInWindow = CheckInWindow{Before: 2 * time.Hour, After: time.Hour}

// Bounds returns the window start and end for a trip starting at tripStart.
func (w CheckInWindow) Bounds(tripStart time.Time) (start, end time.Time) {
	return tripStart.Add(-w.Before), tripStart.Add(w.After)
}

// CheckInResult is the outcome of ValidateCheckIn.
type CheckInResult struct {
	Allowed  bool    `json:"allowed"`
	Message  string  `json:"message"`
	Distance float64 `json:"distance"`
}

// ValidateCheckIn applies, in order: the meeting point radius, the window
// start and the window end.
func ValidateCheckIn(position models.Coordinates, point models.MeetingPoint, now, windowStart, windowEnd time.Time) CheckInResult {
	distance := DistanceMeters(position, point.Coordinates)
	result := CheckInResult{Distance: distance}

	switch {
	case distance > point.RadiusMeters:
		result.Message = fmt.Sprintf(
			"You are %s from %s. Move within %.0fm of the meeting point to check in.",
			FormatDistance(distance), pointName(point), point.RadiusMeters)
	case now.Before(windowStart):
		result.Message = fmt.Sprintf(
			"Too early to check in. Check-in opens at %s (in %s).",
			windowStart.Format("15:04"), formatWait(windowStart.Sub(now)))
	case now.After(windowEnd):
		result.Message = fmt.Sprintf(
			"Too late to check in. The window closed at %s; contact operations.",
			windowEnd.Format("15:04"))
	default:
		result.Allowed = true
		result.Message = fmt.Sprintf("Check-in allowed at %s.", pointName(point))
	}

	return result
}

// FormatDistance renders meters below 1 km and kilometers above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.0fm", meters)
	}
	return fmt.Sprintf("%.1fkm", meters/1000)
}

func pointName(point models.MeetingPoint) string {
	if point.Name != "" {
		return point.Name
	}
	return "the meeting point"
}

func formatWait(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Hour {
		return fmt.Sprintf("%d min", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
}
