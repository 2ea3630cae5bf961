package s3

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	gosync "sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
)

// MinPartSize is the smallest part S3 accepts for any part but the last.
const MinPartSize = 5 << 20

// MinIOTransport implements photo.Transport on an S3 bucket. A chunked
// session maps to one multipart upload; pipeline chunks are buffered until
// they reach MinPartSize.
type MinIOTransport struct {
	core   *minio.Core
	cfg    Config
	log    *logging.Logger
	public string

	mu       gosync.Mutex
	sessions map[string]*session
}

type session struct {
	key       string
	opts      minio.PutObjectOptions
	assembler *partAssembler
	parts     []minio.CompletePart
}

// NewMinIOTransport creates a transport for cfg. No request is made until
// the first upload.
func NewMinIOTransport(cfg Config, log *logging.Logger) (*MinIOTransport, error) {
	r, err := resolve(cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "object store config", err)
	}
	core, err := minio.NewCore(r.host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       r.secure,
		Region:       r.region,
		BucketLookup: r.lookup,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "initialize object store client", err)
	}
	if log == nil {
		log = logging.Get().Named("s3")
	}

	public := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if public == "" {
		public = strings.TrimSuffix(core.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}
	return &MinIOTransport{
		core:     core,
		cfg:      cfg,
		log:      log,
		public:   public,
		sessions: make(map[string]*session),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (t *MinIOTransport) EnsureBucket(ctx context.Context) error {
	exists, err := t.core.BucketExists(ctx, t.cfg.Bucket)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "check bucket", err)
	}
	if exists {
		return nil
	}
	if err := t.core.MakeBucket(ctx, t.cfg.Bucket, minio.MakeBucketOptions{Region: t.cfg.Region}); err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "create bucket "+t.cfg.Bucket, err)
	}
	t.log.Info("Bucket created", map[string]interface{}{"bucket": t.cfg.Bucket})
	return nil
}

// UploadDirect writes the photo as a single object.
func (t *MinIOTransport) UploadDirect(ctx context.Context, u photo.DirectUpload) (string, error) {
	key := ObjectKey(t.cfg.Prefix, u.Metadata, u.FileName)
	_, err := t.core.Client.PutObject(ctx, t.cfg.Bucket, key, u.Body, u.Size, putOptions(u.ContentType, u.Metadata))
	if err != nil {
		return "", transferError("put object "+key, err)
	}
	return t.objectURL(key), nil
}

// InitChunked starts a multipart upload.
func (t *MinIOTransport) InitChunked(ctx context.Context, init photo.ChunkedInit) (string, error) {
	key := ObjectKey(t.cfg.Prefix, init.Metadata, init.FileName)
	opts := putOptions(init.ContentType, init.Metadata)
	uploadID, err := t.core.NewMultipartUpload(ctx, t.cfg.Bucket, key, opts)
	if err != nil {
		return "", transferError("start multipart upload", err)
	}

	t.mu.Lock()
	t.sessions[uploadID] = &session{key: key, opts: opts, assembler: newPartAssembler(MinPartSize)}
	t.mu.Unlock()
	return uploadID, nil
}

// UploadChunk buffers chunk and uploads a part whenever the buffer
// reaches MinPartSize.
func (t *MinIOTransport) UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) error {
	s, err := t.session(uploadID)
	if err != nil {
		return err
	}
	part, err := s.assembler.Add(index, chunk)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPhotoTransfer, "buffer chunk", err)
	}
	if part == nil {
		return nil
	}
	return t.putPart(ctx, uploadID, s, part)
}

// FinalizeChunked uploads the buffered tail and completes the upload.
func (t *MinIOTransport) FinalizeChunked(ctx context.Context, uploadID string) (string, error) {
	s, err := t.session(uploadID)
	if err != nil {
		return "", err
	}
	if tail := s.assembler.Flush(); len(tail) > 0 || len(s.parts) == 0 {
		if err := t.putPart(ctx, uploadID, s, tail); err != nil {
			return "", err
		}
	}
	if _, err := t.core.CompleteMultipartUpload(ctx, t.cfg.Bucket, s.key, uploadID, s.parts, s.opts); err != nil {
		return "", transferError("complete multipart upload", err)
	}

	t.mu.Lock()
	delete(t.sessions, uploadID)
	t.mu.Unlock()
	return t.objectURL(s.key), nil
}

// AbortChunked discards a multipart upload and its buffered data.
func (t *MinIOTransport) AbortChunked(ctx context.Context, uploadID string) error {
	t.mu.Lock()
	s, ok := t.sessions[uploadID]
	delete(t.sessions, uploadID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.core.AbortMultipartUpload(ctx, t.cfg.Bucket, s.key, uploadID); err != nil {
		return transferError("abort multipart upload", err)
	}
	return nil
}

func (t *MinIOTransport) session(uploadID string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[uploadID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrPhotoTransfer, "unknown upload session "+uploadID)
	}
	return s, nil
}

func (t *MinIOTransport) putPart(ctx context.Context, uploadID string, s *session, data []byte) error {
	number := len(s.parts) + 1
	part, err := t.core.PutObjectPart(ctx, t.cfg.Bucket, s.key, uploadID, number,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return transferError(fmt.Sprintf("put part %d", number), err)
	}
	s.parts = append(s.parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
	return nil
}

func (t *MinIOTransport) objectURL(key string) string {
	return t.public + "/" + key
}

// ObjectKey builds "<prefix>/<tripId>/<type>/<fileName>", omitting empty
// segments.
func ObjectKey(prefix string, md models.PhotoMetadata, fileName string) string {
	if fileName == "" {
		fileName = "photo.jpg"
	}
	var parts []string
	for _, p := range []string{prefix, md.TripID, md.Type, path.Base(fileName)} {
		p = strings.Trim(p, "/")
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}

func putOptions(contentType string, md models.PhotoMetadata) minio.PutObjectOptions {
	meta := map[string]string{"type": md.Type}
	if md.TripID != "" {
		meta["trip-id"] = md.TripID
	}
	if md.ItemID != "" {
		meta["item-id"] = md.ItemID
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return minio.PutObjectOptions{ContentType: contentType, UserMetadata: meta}
}

func transferError(op string, err error) error {
	if resp, ok := err.(minio.ErrorResponse); ok {
		op = fmt.Sprintf("%s (%s)", op, resp.Code)
	}
	return apperrors.Wrap(apperrors.ErrPhotoTransfer, op, err)
}
