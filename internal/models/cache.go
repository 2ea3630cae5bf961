package models

import "fmt"

// Trip is the cached view of an assigned trip.
type Trip struct {
	ID           string       `json:"id" cbor:"id"`
	Name         string       `json:"name" cbor:"name"`
	GuideID      string       `json:"guideId" cbor:"guide_id"`
	StartTime    int64        `json:"startTime" cbor:"start_time"`
	EndTime      int64        `json:"endTime,omitempty" cbor:"end_time,omitempty"`
	Status       string       `json:"status,omitempty" cbor:"status,omitempty"`
	MeetingPoint MeetingPoint `json:"meetingPoint" cbor:"meeting_point"`
	UpdatedAt    int64        `json:"updatedAt,omitempty" cbor:"updated_at,omitempty"`
}

// ManifestEntry is one passenger on a trip manifest.
type ManifestEntry struct {
	ID            string                 `json:"id" cbor:"id"`
	TripID        string                 `json:"tripId" cbor:"trip_id"`
	PassengerName string                 `json:"passengerName" cbor:"passenger_name"`
	Boarded       bool                   `json:"boarded" cbor:"boarded"`
	Returned      bool                   `json:"returned" cbor:"returned"`
	Details       map[string]interface{} `json:"details,omitempty" cbor:"details,omitempty"`
	UpdatedAt     int64                  `json:"updatedAt,omitempty" cbor:"updated_at,omitempty"`
}

// IndexValues exposes the tripId index.
func (m *ManifestEntry) IndexValues() map[string]string {
	return map[string]string{"tripId": m.TripID}
}

// AttendanceStatus is computed by the remote authority; the core only
// caches the last known value.
type AttendanceStatus struct {
	CheckedIn    bool     `json:"checkedIn" cbor:"checked_in"`
	CheckedOut   bool     `json:"checkedOut" cbor:"checked_out"`
	CheckInTime  *int64   `json:"checkInTime,omitempty" cbor:"check_in_time,omitempty"`
	CheckOutTime *int64   `json:"checkOutTime,omitempty" cbor:"check_out_time,omitempty"`
	IsLate       bool     `json:"isLate" cbor:"is_late"`
	LateFine     *float64 `json:"lateFine,omitempty" cbor:"late_fine,omitempty"`
}

// Attendance sources.
const (
	SourceLocal  = "local"
	SourceServer = "server"
)

// AttendanceRecord is the cached attendance of one guide on one trip.
type AttendanceRecord struct {
	ID        string           `json:"id" cbor:"id"`
	TripID    string           `json:"tripId" cbor:"trip_id"`
	GuideID   string           `json:"guideId" cbor:"guide_id"`
	Status    AttendanceStatus `json:"status" cbor:"status"`
	Source    string           `json:"source" cbor:"source"`
	UpdatedAt int64            `json:"updatedAt" cbor:"updated_at"`
}

// AttendanceKey builds the attendance cache key for a trip and guide.
func AttendanceKey(tripID, guideID string) string {
	return fmt.Sprintf("%s:%s", tripID, guideID)
}

// IndexValues exposes the tripId and guideId indexes.
func (a *AttendanceRecord) IndexValues() map[string]string {
	return map[string]string{"tripId": a.TripID, "guideId": a.GuideID}
}

// BriefingTemplate is cached reference text shown before departure.
type BriefingTemplate struct {
	ID        string `json:"id" cbor:"id"`
	Title     string `json:"title" cbor:"title"`
	Body      string `json:"body" cbor:"body"`
	Language  string `json:"language,omitempty" cbor:"language,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty" cbor:"updated_at,omitempty"`
}
