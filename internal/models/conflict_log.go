package models

// Conflict resolutions.
const (
	ResolutionServerWins = "server_wins"
	ResolutionUnresolved = "unresolved"
)

// ConflictLog records a conflict the remote reported for a mutation, so
// guides can see which offline actions were superseded by server state.
type ConflictLog struct {
	ID           string       `json:"id" cbor:"id"`
	MutationID   string       `json:"mutationId" cbor:"mutation_id"`
	MutationType MutationType `json:"mutationType" cbor:"mutation_type"`
	// Resource is "<collection>/<key>" of the cache entry overwritten, if any.
	Resource   string `json:"resource,omitempty" cbor:"resource,omitempty"`
	Resolution string `json:"resolution" cbor:"resolution"`
	Message    string `json:"message,omitempty" cbor:"message,omitempty"`
	DetectedAt int64  `json:"detectedAt" cbor:"detected_at"`
}
