package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// EventType names a realtime event.
type EventType string

// Event types pushed by the server.
const (
	EventTripUpdated       EventType = "trip.updated"
	EventManifestUpdated   EventType = "manifest.updated"
	EventAttendanceUpdated EventType = "attendance.updated"
	EventSOSAlert          EventType = "sos.alert"
	EventChatMessage       EventType = "chat.message"
)

// Event is one decoded server push. Data holds one of TripUpdated,
// ManifestUpdated, AttendanceUpdated, SOSAlert or ChatMessage, or the raw
// JSON for types this client does not know.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// TripUpdated carries a changed trip.
type TripUpdated struct {
	models.Trip
}

// ManifestUpdated carries a changed manifest entry.
type ManifestUpdated struct {
	models.ManifestEntry
}

// AttendanceUpdated carries the authoritative attendance of one guide.
type AttendanceUpdated struct {
	TripID  string                  `json:"tripId"`
	GuideID string                  `json:"guideId"`
	Status  models.AttendanceStatus `json:"status"`
}

// SOSAlert is an emergency raised by a guide.
type SOSAlert struct {
	TripID      string             `json:"tripId"`
	GuideID     string             `json:"guideId"`
	Coordinates models.Coordinates `json:"coordinates"`
	Message     string             `json:"message"`
}

// ChatMessage is a trip chat line.
type ChatMessage struct {
	TripID   string `json:"tripId"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
}

// envelope is the wire form of every server message. Control replies carry
// Action instead of Type.
type envelope struct {
	Type      EventType       `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func decodeEvent(raw []byte) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Event{}, false, nil
	}

	ev := Event{Type: env.Type, Timestamp: time.UnixMilli(env.Timestamp)}
	var dst interface{}
	switch env.Type {
	case EventTripUpdated:
		dst = &TripUpdated{}
	case EventManifestUpdated:
		dst = &ManifestUpdated{}
	case EventAttendanceUpdated:
		dst = &AttendanceUpdated{}
	case EventSOSAlert:
		dst = &SOSAlert{}
	case EventChatMessage:
		dst = &ChatMessage{}
	default:
		ev.Data = env.Data
		return ev, true, nil
	}

	if err := json.Unmarshal(env.Data, dst); err != nil {
		return Event{}, false, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	switch v := dst.(type) {
	case *TripUpdated:
		ev.Data = *v
	case *ManifestUpdated:
		ev.Data = *v
	case *AttendanceUpdated:
		ev.Data = *v
	case *SOSAlert:
		ev.Data = *v
	case *ChatMessage:
		ev.Data = *v
	}
	return ev, true, nil
}
