package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Payload is the fixed-shape body of one mutation type. Every payload is
// validated before it is persisted.
type Payload interface {
	Type() models.MutationType
	Validate() error
}

// CheckInPayload records a geofence-validated check-in.
type CheckInPayload struct {
	TripID      string             `json:"tripId"`
	GuideID     string             `json:"guideId"`
	Coordinates models.Coordinates `json:"coordinates"`
	// Distance from the meeting point in meters at validation time.
	Distance  float64 `json:"distance"`
	Timestamp int64   `json:"timestamp"`
}

func (CheckInPayload) Type() models.MutationType { return models.MutationCheckIn }

func (p CheckInPayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "guideId", p.GuideID); err != nil {
		return err
	}
	return validateCoordinates(p.Type(), p.Coordinates)
}

// CheckOutPayload records the end of a guide's shift on a trip.
type CheckOutPayload struct {
	TripID      string              `json:"tripId"`
	GuideID     string              `json:"guideId"`
	Coordinates *models.Coordinates `json:"coordinates,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

func (CheckOutPayload) Type() models.MutationType { return models.MutationCheckOut }

func (p CheckOutPayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "guideId", p.GuideID); err != nil {
		return err
	}
	if p.Coordinates != nil {
		return validateCoordinates(p.Type(), *p.Coordinates)
	}
	return nil
}

// UploadEvidencePayload attaches evidence (usually an uploaded photo) to a
// trip item.
type UploadEvidencePayload struct {
	TripID       string `json:"tripId"`
	ItemID       string `json:"itemId"`
	EvidenceType string `json:"evidenceType"`
	PhotoID      string `json:"photoId,omitempty"`
	Note         string `json:"note,omitempty"`
}

func (UploadEvidencePayload) Type() models.MutationType { return models.MutationUploadEvidence }

func (p UploadEvidencePayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "itemId", p.ItemID, "evidenceType", p.EvidenceType); err != nil {
		return err
	}
	if p.PhotoID == "" && p.Note == "" {
		return invalid(p.Type(), "one of photoId or note is required")
	}
	return nil
}

// AddExpensePayload records a trip expense with an optional receipt photo.
type AddExpensePayload struct {
	TripID         string  `json:"tripId"`
	Category       string  `json:"category"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	Description    string  `json:"description,omitempty"`
	ReceiptPhotoID string  `json:"receiptPhotoId,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}

func (AddExpensePayload) Type() models.MutationType { return models.MutationAddExpense }

func (p AddExpensePayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "category", p.Category, "currency", p.Currency); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return invalid(p.Type(), fmt.Sprintf("amount must be positive, got %v", p.Amount))
	}
	return nil
}

// TrackPositionPayload is one breadcrumb of a guide's position.
type TrackPositionPayload struct {
	TripID      string             `json:"tripId"`
	GuideID     string             `json:"guideId"`
	Coordinates models.Coordinates `json:"coordinates"`
	RecordedAt  int64              `json:"recordedAt"`
}

func (TrackPositionPayload) Type() models.MutationType { return models.MutationTrackPosition }

func (p TrackPositionPayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "guideId", p.GuideID); err != nil {
		return err
	}
	return validateCoordinates(p.Type(), p.Coordinates)
}

// UpdateManifestPayload toggles boarding state for a manifest entry.
type UpdateManifestPayload struct {
	TripID   string `json:"tripId"`
	EntryID  string `json:"entryId"`
	Boarded  *bool  `json:"boarded,omitempty"`
	Returned *bool  `json:"returned,omitempty"`
}

func (UpdateManifestPayload) Type() models.MutationType { return models.MutationUpdateManifest }

func (p UpdateManifestPayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "entryId", p.EntryID); err != nil {
		return err
	}
	if p.Boarded == nil && p.Returned == nil {
		return invalid(p.Type(), "one of boarded or returned is required")
	}
	return nil
}

// UpdateManifestDetailsPayload edits free-form passenger details.
type UpdateManifestDetailsPayload struct {
	TripID  string                 `json:"tripId"`
	EntryID string                 `json:"entryId"`
	Details map[string]interface{} `json:"details"`
}

func (UpdateManifestDetailsPayload) Type() models.MutationType {
	return models.MutationUpdateManifestDetails
}

func (p UpdateManifestDetailsPayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "entryId", p.EntryID); err != nil {
		return err
	}
	if len(p.Details) == 0 {
		return invalid(p.Type(), "details must not be empty")
	}
	return nil
}

// UploadPhotoPayload references a queued photo. The binary never enters
// the mutation queue.
type UploadPhotoPayload struct {
	PhotoID string `json:"photoId"`
}

func (UploadPhotoPayload) Type() models.MutationType { return models.MutationUploadPhoto }

func (p UploadPhotoPayload) Validate() error {
	return required(p.Type(), "photoId", p.PhotoID)
}

// ChatMessagePayload is a message posted to a trip channel.
type ChatMessagePayload struct {
	TripID   string `json:"tripId"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
}

func (ChatMessagePayload) Type() models.MutationType { return models.MutationChatMessage }

func (p ChatMessagePayload) Validate() error {
	if err := required(p.Type(), "tripId", p.TripID, "senderId", p.SenderID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Body) == "" {
		return invalid(p.Type(), "body must not be blank")
	}
	return nil
}

// DecodePayload decodes a stored payload into the struct for t.
func DecodePayload(t models.MutationType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case models.MutationCheckIn:
		p = decodeInto[CheckInPayload](raw)
	case models.MutationCheckOut:
		p = decodeInto[CheckOutPayload](raw)
	case models.MutationUploadEvidence:
		p = decodeInto[UploadEvidencePayload](raw)
	case models.MutationAddExpense:
		p = decodeInto[AddExpensePayload](raw)
	case models.MutationTrackPosition:
		p = decodeInto[TrackPositionPayload](raw)
	case models.MutationUpdateManifest:
		p = decodeInto[UpdateManifestPayload](raw)
	case models.MutationUpdateManifestDetails:
		p = decodeInto[UpdateManifestDetailsPayload](raw)
	case models.MutationUploadPhoto:
		p = decodeInto[UploadPhotoPayload](raw)
	case models.MutationChatMessage:
		p = decodeInto[ChatMessagePayload](raw)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown mutation type %q", t))
	}
	if p == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("malformed %s payload", t))
	}
	return p, nil
}

// decodeInto returns nil when raw does not decode as T.
func decodeInto[T Payload](raw json.RawMessage) Payload {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func required(t models.MutationType, pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return invalid(t, "missing "+strings.Join(missing, ", "))
	}
	return nil
}

func validateCoordinates(t models.MutationType, c models.Coordinates) error {
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return invalid(t, fmt.Sprintf("coordinates out of range: %v,%v", c.Latitude, c.Longitude))
	}
	return nil
}

func invalid(t models.MutationType, msg string) error {
	return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s payload: %s", t, msg))
}
