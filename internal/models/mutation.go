package models

import "encoding/json"

// MutationType identifies the kind of side-effecting operation queued for
// delivery to the remote API.
type MutationType string

const (
	MutationCheckIn               MutationType = "CHECK_IN"
	MutationCheckOut              MutationType = "CHECK_OUT"
	MutationUploadEvidence        MutationType = "UPLOAD_EVIDENCE"
	MutationAddExpense            MutationType = "ADD_EXPENSE"
	MutationTrackPosition         MutationType = "TRACK_POSITION"
	MutationUpdateManifest        MutationType = "UPDATE_MANIFEST"
	MutationUpdateManifestDetails MutationType = "UPDATE_MANIFEST_DETAILS"
	MutationUploadPhoto           MutationType = "UPLOAD_PHOTO"
	MutationChatMessage           MutationType = "CHAT_MESSAGE"
)

// MutationTypes lists every known mutation type.
var MutationTypes = []MutationType{
	MutationCheckIn,
	MutationCheckOut,
	MutationUploadEvidence,
	MutationAddExpense,
	MutationTrackPosition,
	MutationUpdateManifest,
	MutationUpdateManifestDetails,
	MutationUploadPhoto,
	MutationChatMessage,
}

// Valid reports whether t is a known mutation type.
func (t MutationType) Valid() bool {
	for _, known := range MutationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Heavy reports whether t carries evidence payloads that data-saver mode
// defers on cellular networks.
func (t MutationType) Heavy() bool {
	switch t {
	case MutationUploadEvidence, MutationAddExpense, MutationUploadPhoto:
		return true
	default:
		return false
	}
}

// MutationStatus is the queue state of a mutation. Synced mutations are
// deleted, so there is no terminal "done" state.
type MutationStatus string

const (
	MutationPending MutationStatus = "pending"
	MutationSyncing MutationStatus = "syncing"
	MutationFailed  MutationStatus = "failed"
)

// QueuedMutation is a pending write awaiting delivery. Timestamps are
// epoch milliseconds.
type QueuedMutation struct {
	ID      string          `json:"id" cbor:"id"`
	Type    MutationType    `json:"type" cbor:"type"`
	Payload json.RawMessage `json:"payload" cbor:"payload"`
	// Timestamp is the enqueue time, refreshed on every failed attempt.
	Timestamp   int64          `json:"timestamp" cbor:"timestamp"`
	CreatedAt   int64          `json:"createdAt" cbor:"created_at"`
	NextRetryAt int64          `json:"nextRetryAt,omitempty" cbor:"next_retry_at,omitempty"`
	RetryCount  uint32         `json:"retryCount" cbor:"retry_count"`
	Status      MutationStatus `json:"status" cbor:"status"`
	LastError   string         `json:"lastError,omitempty" cbor:"last_error,omitempty"`
}

// IndexValues exposes the status index.
func (m *QueuedMutation) IndexValues() map[string]string {
	return map[string]string{"status": string(m.Status)}
}
