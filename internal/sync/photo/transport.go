package photo

import (
	"context"
	"io"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// DirectUpload is a single-request photo upload.
type DirectUpload struct {
	FileName    string
	ContentType string
	Size        int64
	Metadata    models.PhotoMetadata
	Body        io.Reader
}

// ChunkedInit opens a chunked upload session.
type ChunkedInit struct {
	FileName    string               `json:"fileName"`
	FileSize    int64                `json:"fileSize"`
	TotalChunks int                  `json:"totalChunks"`
	ContentType string               `json:"contentType,omitempty"`
	Metadata    models.PhotoMetadata `json:"metadata"`
}

// Transport moves photo bytes to the remote. Chunks of one session are
// always sent in order, starting from index 0.
type Transport interface {
	UploadDirect(ctx context.Context, u DirectUpload) (url string, err error)
	InitChunked(ctx context.Context, init ChunkedInit) (uploadID string, err error)
	UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) error
	FinalizeChunked(ctx context.Context, uploadID string) (url string, err error)
}

// Aborter is implemented by transports that hold server-side state for an
// unfinished chunked session.
type Aborter interface {
	AbortChunked(ctx context.Context, uploadID string) error
}
