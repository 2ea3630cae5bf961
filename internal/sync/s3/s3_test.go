package s3

import (
	"bytes"
	"context"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/minio/minio-go/v7"
)

// =====================================================
// Endpoint resolution Tests
// =====================================================

func baseConfig() Config {
	return Config{Bucket: "evidence", AccessKey: "minioadmin", SecretKey: "minioadmin"}
}

// TestResolve verifies per-provider endpoint conventions.
func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(c *Config)
		wantHost   string
		wantSecure bool
		wantLookup minio.BucketLookupType
		wantErr    bool
	}{
		{
			name:       "minio plain host",
			mutate:     func(c *Config) { c.Endpoint = "localhost:9000" },
			wantHost:   "localhost:9000",
			wantLookup: minio.BucketLookupPath,
		},
		{
			name:       "minio https scheme overrides flag",
			mutate:     func(c *Config) { c.Endpoint = "https://minio.example.com/" },
			wantHost:   "minio.example.com",
			wantSecure: true,
			wantLookup: minio.BucketLookupPath,
		},
		{
			name:    "minio empty endpoint",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name:    "minio endpoint with path",
			mutate:  func(c *Config) { c.Endpoint = "minio.example.com/bucket" },
			wantErr: true,
		},
		{
			name: "aws known region",
			mutate: func(c *Config) {
				c.Provider = ProviderAWS
				c.Region = "ap-southeast-1"
			},
			wantHost:   "s3.ap-southeast-1.amazonaws.com",
			wantSecure: true,
			wantLookup: minio.BucketLookupDNS,
		},
		{
			name: "aws default region",
			mutate: func(c *Config) {
				c.Provider = ProviderAWS
			},
			wantHost:   "s3.amazonaws.com",
			wantSecure: true,
			wantLookup: minio.BucketLookupDNS,
		},
		{
			name: "r2 account",
			mutate: func(c *Config) {
				c.Provider = ProviderR2
				c.AccountID = strings.Repeat("ab", 16)
			},
			wantHost:   strings.Repeat("ab", 16) + ".r2.cloudflarestorage.com",
			wantSecure: true,
			wantLookup: minio.BucketLookupPath,
		},
		{
			name: "r2 bad account",
			mutate: func(c *Config) {
				c.Provider = ProviderR2
				c.AccountID = "short"
			},
			wantErr: true,
		},
		{
			name: "missing bucket",
			mutate: func(c *Config) {
				c.Endpoint = "localhost:9000"
				c.Bucket = ""
			},
			wantErr: true,
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Provider = "gcs"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			got, err := resolve(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolve() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve() error = %v", err)
			}
			if got.host != tt.wantHost || got.secure != tt.wantSecure || got.lookup != tt.wantLookup {
				t.Errorf("resolve() = %+v", got)
			}
		})
	}
}

// TestValidR2AccountID verifies the account id check.
func TestValidR2AccountID(t *testing.T) {
	if !ValidR2AccountID("0123456789abcdefABCDEF0123456789") {
		t.Error("valid id rejected")
	}
	if ValidR2AccountID("0123456789abcdefABCDEF012345678z") {
		t.Error("non-hex id accepted")
	}
}

// =====================================================
// Object naming Tests
// =====================================================

// TestObjectKey verifies key layout and sanitizing.
func TestObjectKey(t *testing.T) {
	md := models.PhotoMetadata{TripID: "trip-9", Type: "receipt"}
	tests := []struct {
		prefix, file, want string
	}{
		{"", "a.jpg", "trip-9/receipt/a.jpg"},
		{"field/", "a.jpg", "field/trip-9/receipt/a.jpg"},
		{"", "../../etc/a.jpg", "trip-9/receipt/a.jpg"},
		{"", "", "trip-9/receipt/photo.jpg"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, md, tt.file); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.file, got, tt.want)
		}
	}
}

// =====================================================
// Part assembly Tests
// =====================================================

// TestPartAssembler verifies 1MiB chunks are grouped into 5MiB parts.
func TestPartAssembler(t *testing.T) {
	a := newPartAssembler(MinPartSize)
	chunk := bytes.Repeat([]byte{7}, 1<<20)

	var parts [][]byte
	for i := 0; i < 12; i++ {
		part, err := a.Add(i, chunk)
		if err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
		if part != nil {
			parts = append(parts, part)
		}
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	for i, p := range parts {
		if len(p) != MinPartSize {
			t.Errorf("part %d len = %d, want %d", i, len(p), MinPartSize)
		}
	}
	if tail := a.Flush(); len(tail) != 2<<20 {
		t.Errorf("tail len = %d, want %d", len(tail), 2<<20)
	}
	if tail := a.Flush(); len(tail) != 0 {
		t.Errorf("second Flush() len = %d", len(tail))
	}
}

// TestPartAssembler_order verifies out-of-order chunks are rejected.
func TestPartAssembler_order(t *testing.T) {
	a := newPartAssembler(MinPartSize)
	if _, err := a.Add(1, []byte("x")); err == nil {
		t.Error("Add(1) on fresh assembler succeeded")
	}
}

// =====================================================
// Transport Tests
// =====================================================

// TestNewMinIOTransport verifies construction without network access.
func TestNewMinIOTransport(t *testing.T) {
	cfg := baseConfig()
	cfg.Endpoint = "localhost:9000"
	tr, err := NewMinIOTransport(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewMinIOTransport() error = %v", err)
	}
	if got := tr.objectURL("trip-1/receipt/a.jpg"); got != "http://localhost:9000/evidence/trip-1/receipt/a.jpg" {
		t.Errorf("objectURL() = %q", got)
	}

	cfg.PublicBaseURL = "https://cdn.example.com/"
	tr, _ = NewMinIOTransport(cfg, logging.Discard())
	if got := tr.objectURL("k"); got != "https://cdn.example.com/k" {
		t.Errorf("objectURL() with public base = %q", got)
	}

	if _, err := NewMinIOTransport(Config{}, logging.Discard()); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("empty config error = %v, want INVALID_INPUT", err)
	}
}

// TestUploadChunk_unknownSession verifies chunks need an open session.
func TestUploadChunk_unknownSession(t *testing.T) {
	cfg := baseConfig()
	cfg.Endpoint = "localhost:9000"
	tr, _ := NewMinIOTransport(cfg, logging.Discard())

	err := tr.UploadChunk(context.Background(), "nope", 0, []byte("x"))
	if !apperrors.Is(err, apperrors.ErrPhotoTransfer) {
		t.Errorf("error = %v, want PHOTO_TRANSFER_FAILED", err)
	}
	if err := tr.AbortChunked(context.Background(), "nope"); err != nil {
		t.Errorf("AbortChunked(unknown) error = %v", err)
	}
}
