package models

// PhotoStatus is the upload state of a queued photo.
type PhotoStatus string

const (
	PhotoPending   PhotoStatus = "pending"
	PhotoUploading PhotoStatus = "uploading"
	PhotoCompleted PhotoStatus = "completed"
	PhotoFailed    PhotoStatus = "failed"
)

// PhotoMetadata describes what a photo is evidence of.
type PhotoMetadata struct {
	TripID      string   `json:"tripId,omitempty" cbor:"trip_id,omitempty"`
	Type        string   `json:"type" cbor:"type"`
	ItemID      string   `json:"itemId,omitempty" cbor:"item_id,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty" cbor:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty" cbor:"longitude,omitempty"`
	Timestamp   *int64   `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	FileName    string   `json:"fileName,omitempty" cbor:"file_name,omitempty"`
	ContentType string   `json:"contentType,omitempty" cbor:"content_type,omitempty"`
	// URL is set once the remote has stored the photo.
	URL string `json:"url,omitempty" cbor:"url,omitempty"`
}

// QueuedPhoto is a photo awaiting upload. The binary lives in the blob
// store under BlobHash; MutationID names the companion UPLOAD_PHOTO
// mutation that is deleted once the upload completes.
type QueuedPhoto struct {
	ID         string        `json:"id" cbor:"id"`
	BlobHash   string        `json:"blobHash" cbor:"blob_hash"`
	Size       int64         `json:"size" cbor:"size"`
	Metadata   PhotoMetadata `json:"metadata" cbor:"metadata"`
	Status     PhotoStatus   `json:"status" cbor:"status"`
	RetryCount uint32        `json:"retryCount" cbor:"retry_count"`
	CreatedAt  int64         `json:"createdAt" cbor:"created_at"`
	UploadedAt *int64        `json:"uploadedAt,omitempty" cbor:"uploaded_at,omitempty"`
	Error      string        `json:"error,omitempty" cbor:"error,omitempty"`
	MutationID string        `json:"mutationId,omitempty" cbor:"mutation_id,omitempty"`
}

// IndexValues exposes the status index.
func (p *QueuedPhoto) IndexValues() map[string]string {
	return map[string]string{"status": string(p.Status)}
}
