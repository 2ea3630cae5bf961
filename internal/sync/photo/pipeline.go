// Package photo uploads queued photo evidence. Small photos go in one
// multipart request; anything over the chunk threshold is sent as a
// sequence of fixed-size chunks that restarts from chunk 0 on every retry.
package photo

import (
	"context"
	"fmt"
	"io"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/blobstore"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

const (
	// DefaultChunkSize is both the chunk size and the direct upload limit.
	DefaultChunkSize = 1 << 20

	// DefaultMaxRetries is the attempt limit after which a photo is
	// permanently failed.
	DefaultMaxRetries = 3

	// DefaultRetention is how long completed photos are kept locally.
	DefaultRetention = 7 * 24 * time.Hour
)

// Config tunes the pipeline.
type Config struct {
	ChunkSize  int64
	MaxRetries uint32
	Retention  time.Duration
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		MaxRetries: DefaultMaxRetries,
		Retention:  DefaultRetention,
	}
}

// Progress reports bytes sent for the photo currently uploading.
type Progress struct {
	PhotoID string
	Sent    int64
	Total   int64
	Chunk   int
	Chunks  int
}

// StatusCounts is the number of photos per status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// PassResult is the outcome of one SyncPhotoUploads pass.
type PassResult struct {
	Uploaded int
	Failed   int
	// Skipped counts photos at or over the retry limit.
	Skipped int
}

// Pipeline owns the photos collection and the blob store.
type Pipeline struct {
	store     *store.Store
	blobs     *blobstore.Store
	queue     *queue.Queue
	transport Transport
	clock     clock.Clock
	newID     uuid.Generator
	log       *logging.Logger
	cfg       Config

	running atomic.Bool

	// mu orders blob writes against orphan pruning.
	mu gosync.Mutex

	progressMu gosync.RWMutex
	onProgress func(Progress)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the pipeline clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithIDGenerator sets the photo id generator.
func WithIDGenerator(g uuid.Generator) Option {
	return func(p *Pipeline) { p.newID = g }
}

// WithConfig overrides the defaults. Zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		if cfg.ChunkSize > 0 {
			p.cfg.ChunkSize = cfg.ChunkSize
		}
		if cfg.MaxRetries > 0 {
			p.cfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.Retention > 0 {
			p.cfg.Retention = cfg.Retention
		}
	}
}

// NewPipeline creates a Pipeline. A nil transport leaves uploads
// unconfigured; photos can still be queued.
func NewPipeline(s *store.Store, blobs *blobstore.Store, q *queue.Queue, t Transport, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     s,
		blobs:     blobs,
		queue:     q,
		transport: t,
		clock:     clock.Real(),
		newID:     uuid.NewOrdered,
		log:       logging.Get().Named("photo"),
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// SetProgressHandler installs a callback invoked after each chunk or
// direct upload. It runs on the uploading goroutine and must not block.
func (p *Pipeline) SetProgressHandler(fn func(Progress)) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	p.onProgress = fn
}

// QueuePhotoUpload stores the binary and queues it for upload together
// with its companion UPLOAD_PHOTO mutation. It never touches the network.
func (p *Pipeline) QueuePhotoUpload(ctx context.Context, blob []byte, md models.PhotoMetadata) (string, error) {
	if len(blob) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "photo is empty")
	}
	if md.Type == "" {
		return "", apperrors.New(apperrors.ErrValidation, "photo metadata requires a type")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hash, err := p.blobs.Put(blob)
	if err != nil {
		return "", err
	}

	id := p.newID()
	if md.FileName == "" {
		md.FileName = id + ".jpg"
	}
	if md.ContentType == "" {
		md.ContentType = "image/jpeg"
	}
	md.URL = ""

	photo := &models.QueuedPhoto{
		ID:        id,
		BlobHash:  hash,
		Size:      int64(len(blob)),
		Metadata:  md,
		Status:    models.PhotoPending,
		CreatedAt: clock.NowMillis(p.clock),
	}
	err = p.store.Update(ctx, func(tx *store.Tx) error {
		mutationID, err := p.queue.EnqueueTx(ctx, tx, queue.UploadPhotoPayload{PhotoID: id})
		if err != nil {
			return err
		}
		photo.MutationID = mutationID
		return tx.Put(ctx, store.Photos, id, photo)
	})
	if err != nil {
		return "", err
	}

	p.log.Info("Photo queued", map[string]interface{}{
		"photo_id": id,
		"size":     photo.Size,
		"type":     md.Type,
	})
	p.queue.Notify()
	return id, nil
}

// Get returns one queued photo or NOT_FOUND.
func (p *Pipeline) Get(ctx context.Context, id string) (*models.QueuedPhoto, error) {
	var photo models.QueuedPhoto
	found, err := p.store.Get(ctx, store.Photos, id, &photo)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("photo %s not found", id))
	}
	return &photo, nil
}

// List returns every photo record, oldest first.
func (p *Pipeline) List(ctx context.Context) ([]models.QueuedPhoto, error) {
	photos, err := store.AllOf[models.QueuedPhoto](ctx, p.store, store.Photos)
	if err != nil {
		return nil, err
	}
	sortPhotos(photos)
	return photos, nil
}

// Status returns the number of photos per status.
func (p *Pipeline) Status(ctx context.Context) (StatusCounts, error) {
	var c StatusCounts
	targets := []struct {
		status models.PhotoStatus
		dst    *int
	}{
		{models.PhotoPending, &c.Pending},
		{models.PhotoUploading, &c.Uploading},
		{models.PhotoCompleted, &c.Completed},
		{models.PhotoFailed, &c.Failed},
	}
	for _, t := range targets {
		n, err := p.store.CountByIndex(ctx, store.Photos, store.IndexStatus, string(t.status))
		if err != nil {
			return StatusCounts{}, err
		}
		*t.dst = n
	}
	return c, nil
}

// SyncPhotoUploads runs one upload pass over pending, failed and stale
// uploading photos. Only one pass runs at a time.
func (p *Pipeline) SyncPhotoUploads(ctx context.Context) (*PassResult, error) {
	if p.transport == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no photo transport configured")
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "photo upload pass already running")
	}
	defer p.running.Store(false)

	if err := p.store.Degraded(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "photo pass aborted", err)
	}

	batch, err := p.batch(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "load photo queue", err)
	}

	result := &PassResult{}
	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		photo := &batch[i]

		if photo.RetryCount >= p.cfg.MaxRetries {
			result.Skipped++
			if err := p.markExhausted(ctx, photo); err != nil {
				return result, apperrors.Wrap(apperrors.ErrLocalStorage, "mark photo exhausted", err)
			}
			continue
		}

		uploaded, err := p.uploadOne(ctx, photo)
		if err != nil {
			return result, apperrors.Wrap(apperrors.ErrLocalStorage, "record photo outcome", err)
		}
		if uploaded {
			result.Uploaded++
		} else if ctx.Err() == nil {
			result.Failed++
		}
	}

	if result.Uploaded+result.Failed > 0 {
		p.log.Info("Photo pass completed", map[string]interface{}{
			"uploaded": result.Uploaded,
			"failed":   result.Failed,
			"skipped":  result.Skipped,
		})
	}
	return result, nil
}

func (p *Pipeline) batch(ctx context.Context) ([]models.QueuedPhoto, error) {
	var batch []models.QueuedPhoto
	for _, status := range []models.PhotoStatus{models.PhotoPending, models.PhotoUploading, models.PhotoFailed} {
		photos, err := store.AllByIndex[models.QueuedPhoto](ctx, p.store, store.Photos, store.IndexStatus, string(status))
		if err != nil {
			return nil, err
		}
		batch = append(batch, photos...)
	}
	sortPhotos(batch)
	return batch, nil
}

// uploadOne attempts one photo. The returned error is only ever a local
// storage failure; transfer errors are recorded on the photo.
func (p *Pipeline) uploadOne(ctx context.Context, photo *models.QueuedPhoto) (bool, error) {
	snapshot := *photo
	photo.Status = models.PhotoUploading
	if err := p.store.Put(ctx, store.Photos, photo.ID, photo); err != nil {
		return false, err
	}

	url, sendErr := p.transfer(ctx, photo)

	bookkeeping := context.WithoutCancel(ctx)
	if sendErr != nil && ctx.Err() != nil {
		// Interrupted, not failed: the attempt does not count.
		return false, p.store.Put(bookkeeping, store.Photos, snapshot.ID, &snapshot)
	}

	if sendErr != nil {
		photo.Status = models.PhotoFailed
		photo.RetryCount++
		photo.Error = sendErr.Error()
		if apperrors.Is(sendErr, apperrors.ErrNotFound) {
			// The blob is gone; no retry can succeed.
			photo.RetryCount = max(photo.RetryCount, p.cfg.MaxRetries)
		}
		p.log.Warn("Photo upload failed", map[string]interface{}{
			"photo_id":    photo.ID,
			"retry_count": photo.RetryCount,
			"error":       photo.Error,
		})
		if err := p.store.Put(bookkeeping, store.Photos, photo.ID, photo); err != nil {
			return false, err
		}
		if photo.RetryCount >= p.cfg.MaxRetries {
			return false, p.failCompanion(bookkeeping, photo)
		}
		return false, nil
	}

	now := clock.NowMillis(p.clock)
	photo.Status = models.PhotoCompleted
	photo.Metadata.URL = url
	photo.UploadedAt = &now
	photo.Error = ""
	err := p.store.Update(bookkeeping, func(tx *store.Tx) error {
		if err := tx.Put(bookkeeping, store.Photos, photo.ID, photo); err != nil {
			return err
		}
		if photo.MutationID == "" {
			return nil
		}
		return tx.Delete(bookkeeping, store.Mutations, photo.MutationID)
	})
	if err != nil {
		return false, err
	}

	p.log.Info("Photo uploaded", map[string]interface{}{"photo_id": photo.ID, "url": url})
	return true, nil
}

func (p *Pipeline) transfer(ctx context.Context, photo *models.QueuedPhoto) (string, error) {
	f, size, err := p.blobs.Open(photo.BlobHash)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if size > p.cfg.ChunkSize {
		return p.uploadChunked(ctx, photo, f, size)
	}

	url, err := p.transport.UploadDirect(ctx, DirectUpload{
		FileName:    photo.Metadata.FileName,
		ContentType: photo.Metadata.ContentType,
		Size:        size,
		Metadata:    photo.Metadata,
		Body:        f,
	})
	if err != nil {
		return "", err
	}
	p.progress(Progress{PhotoID: photo.ID, Sent: size, Total: size, Chunk: 1, Chunks: 1})
	return url, nil
}

// ChunkCount returns how many chunks a photo of size bytes needs.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func (p *Pipeline) uploadChunked(ctx context.Context, photo *models.QueuedPhoto, r io.Reader, size int64) (string, error) {
	chunks := ChunkCount(size, p.cfg.ChunkSize)
	uploadID, err := p.transport.InitChunked(ctx, ChunkedInit{
		FileName:    photo.Metadata.FileName,
		FileSize:    size,
		TotalChunks: chunks,
		ContentType: photo.Metadata.ContentType,
		Metadata:    photo.Metadata,
	})
	if err != nil {
		return "", err
	}

	buf := make([]byte, p.cfg.ChunkSize)
	var sent int64
	for i := 0; i < chunks; i++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			p.abort(ctx, uploadID)
			return "", apperrors.Wrap(apperrors.ErrLocalStorage, "read photo blob", err)
		}
		if err := p.transport.UploadChunk(ctx, uploadID, i, buf[:n]); err != nil {
			p.abort(ctx, uploadID)
			return "", err
		}
		sent += int64(n)
		p.progress(Progress{PhotoID: photo.ID, Sent: sent, Total: size, Chunk: i + 1, Chunks: chunks})
	}

	url, err := p.transport.FinalizeChunked(ctx, uploadID)
	if err != nil {
		p.abort(ctx, uploadID)
		return "", err
	}
	return url, nil
}

func (p *Pipeline) abort(ctx context.Context, uploadID string) {
	a, ok := p.transport.(Aborter)
	if !ok {
		return
	}
	if err := a.AbortChunked(context.WithoutCancel(ctx), uploadID); err != nil {
		p.log.Warn("Abort chunked upload failed", map[string]interface{}{
			"upload_id": uploadID,
			"error":     err.Error(),
		})
	}
}

func (p *Pipeline) progress(pr Progress) {
	p.progressMu.RLock()
	fn := p.onProgress
	p.progressMu.RUnlock()
	if fn != nil {
		fn(pr)
	}
}

// markExhausted makes a photo permanently failed and mirrors that onto
// its companion mutation so the status surface reports it.
func (p *Pipeline) markExhausted(ctx context.Context, photo *models.QueuedPhoto) error {
	if photo.Status == models.PhotoFailed {
		return nil
	}
	photo.Status = models.PhotoFailed
	if photo.Error == "" {
		photo.Error = "max retries exceeded"
	}
	if err := p.store.Put(ctx, store.Photos, photo.ID, photo); err != nil {
		return err
	}
	return p.failCompanion(ctx, photo)
}

func (p *Pipeline) failCompanion(ctx context.Context, photo *models.QueuedPhoto) error {
	if photo.MutationID != "" {
		err := p.queue.MarkFailed(ctx, photo.MutationID, photo.RetryCount, 0, fmt.Errorf("photo %s: %s", photo.ID, photo.Error))
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}
	p.log.Warn("Photo permanently failed", map[string]interface{}{
		"photo_id":    photo.ID,
		"retry_count": photo.RetryCount,
	})
	return nil
}

// RetryFailed re-arms permanently failed photos and their companion
// mutations.
func (p *Pipeline) RetryFailed(ctx context.Context) (int, error) {
	n := 0
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		failed, err := store.AllByIndex[models.QueuedPhoto](ctx, tx, store.Photos, store.IndexStatus, string(models.PhotoFailed))
		if err != nil {
			return err
		}
		for i := range failed {
			photo := &failed[i]
			photo.Status = models.PhotoPending
			photo.RetryCount = 0
			photo.Error = ""
			if err := tx.Put(ctx, store.Photos, photo.ID, photo); err != nil {
				return err
			}
			if photo.MutationID != "" {
				var m models.QueuedMutation
				found, err := tx.Get(ctx, store.Mutations, photo.MutationID, &m)
				if err != nil {
					return err
				}
				if found {
					m.Status = models.MutationPending
					m.RetryCount = 0
					m.LastError = ""
					if err := tx.Put(ctx, store.Mutations, m.ID, &m); err != nil {
						return err
					}
				}
			}
			n++
		}
		return nil
	})
	return n, err
}

// CleanupCompleted deletes completed photos older than the retention
// window and prunes blobs no photo references.
func (p *Pipeline) CleanupCompleted(ctx context.Context) (int, error) {
	if err := p.store.Degraded(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "cleanup photos", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := clock.NowMillis(p.clock) - p.cfg.Retention.Milliseconds()
	removed := 0
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		done, err := store.AllByIndex[models.QueuedPhoto](ctx, tx, store.Photos, store.IndexStatus, string(models.PhotoCompleted))
		if err != nil {
			return err
		}
		for _, photo := range done {
			at := photo.CreatedAt
			if photo.UploadedAt != nil {
				at = *photo.UploadedAt
			}
			if at >= cutoff {
				continue
			}
			if err := tx.Delete(ctx, store.Photos, photo.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := p.pruneBlobs(ctx); err != nil {
		return removed, err
	}
	if removed > 0 {
		p.log.Info("Purged completed photos", map[string]interface{}{"count": removed})
	}
	return removed, nil
}

func (p *Pipeline) pruneBlobs(ctx context.Context) error {
	photos, err := store.AllOf[models.QueuedPhoto](ctx, p.store, store.Photos)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(photos))
	for _, photo := range photos {
		referenced[photo.BlobHash] = true
	}

	hashes, err := p.blobs.List()
	if err != nil {
		return err
	}
	for _, h := range hashes {
		if referenced[h] {
			continue
		}
		if err := p.blobs.Delete(h); err != nil {
			return err
		}
	}
	return nil
}

func sortPhotos(photos []models.QueuedPhoto) {
	sort.SliceStable(photos, func(i, j int) bool {
		return photos[i].CreatedAt < photos[j].CreatedAt
	})
}
