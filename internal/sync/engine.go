package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/backoff"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// DefaultMaxRetries is the attempt count after which a mutation stays
// failed until it is re-armed manually.
const DefaultMaxRetries = 10

// maxErrorHistory bounds the per-engine error history.
const maxErrorHistory = 50

// SyncStatus represents the current engine state.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType identifies an engine notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "started"
	SyncEventMutationSynced   SyncEventType = "mutation_synced"
	SyncEventMutationFailed   SyncEventType = "mutation_failed"
	SyncEventConflictResolved SyncEventType = "conflict_resolved"
	SyncEventCompleted        SyncEventType = "completed"
	SyncEventAborted          SyncEventType = "aborted"
)

// SyncEvent is emitted during a pass.
type SyncEvent struct {
	Type         SyncEventType
	MutationID   string
	MutationType models.MutationType
	RetryCount   uint32
	Err          error
	Result       *SyncResult
}

// SyncResult represents the outcome of one pass.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Synced    int
	Failed    int
	Conflicts int
	// Skipped counts mutations waiting on their retry deadline and
	// UPLOAD_PHOTO mutations, which belong to the photo pipeline.
	Skipped int
	// Deferred counts heavy mutations held back by data-saver mode.
	Deferred int
	// Exhausted counts failed mutations past the retry limit.
	Exhausted int
	Error     string
}

// Stats are cumulative counters over every pass.
type Stats struct {
	Passes    int
	Synced    int
	Failed    int
	Conflicts int
	Deferred  int
}

// SyncErrorEntry is one recorded mutation failure.
type SyncErrorEntry struct {
	MutationID   string
	MutationType models.MutationType
	Error        string
	At           time.Time
}

// Config tunes the engine.
type Config struct {
	MaxRetries  uint32
	Concurrency int
	DataSaver   bool
	Backoff     backoff.Policy
}

// DefaultConfig returns sequential sends, 10 retries and the default
// backoff policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  DefaultMaxRetries,
		Concurrency: 1,
		Backoff:     backoff.Default(),
	}
}

// SyncEngine drains the mutation queue.
type SyncEngine struct {
	queue    *queue.Queue
	sender   Sender
	resolver *conflict.Resolver
	clock    clock.Clock
	log      *logging.Logger
	cfg      Config

	running atomic.Bool

	mu       gosync.Mutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	stats    Stats
	errors   []SyncErrorEntry
	handler  SyncEventHandler
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithClock sets the engine clock.
func WithClock(c clock.Clock) Option {
	return func(e *SyncEngine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *SyncEngine) { e.log = l }
}

// WithConfig replaces the engine configuration. Zero fields fall back to
// DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *SyncEngine) {
		def := DefaultConfig()
		if cfg.MaxRetries == 0 {
			cfg.MaxRetries = def.MaxRetries
		}
		if cfg.Concurrency < 1 {
			cfg.Concurrency = def.Concurrency
		}
		if cfg.Backoff.Base == 0 {
			cfg.Backoff = def.Backoff
		}
		e.cfg = cfg
	}
}

// NewSyncEngine creates an engine draining q through sender and resolving
// conflicts with resolver.
func NewSyncEngine(q *queue.Queue, sender Sender, resolver *conflict.Resolver, opts ...Option) *SyncEngine {
	e := &SyncEngine{
		queue:    q,
		sender:   sender,
		resolver: resolver,
		clock:    clock.Real(),
		log:      logging.Get().Named("sync"),
		cfg:      DefaultConfig(),
		status:   SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *SyncEngine) Config() Config {
	return e.cfg
}

// SetEventHandler sets the event handler. nil disables events.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Status returns the current engine state.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last clean pass.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error of the last pass.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Stats returns cumulative counters.
func (e *SyncEngine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// GetErrorHistory returns a copy of the recent mutation failures.
func (e *SyncEngine) GetErrorHistory() []SyncErrorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SyncErrorEntry, len(e.errors))
	copy(out, e.errors)
	return out
}

// Sync runs one pass over the queue.
//
// Store writes made after a send use a context detached from ctx, so a
// cancelled pass still checkpoints every in-flight mutation.
func (e *SyncEngine) Sync(ctx context.Context, opts PassOptions) (*SyncResult, error) {
	if e.sender == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote sender configured")
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.running.Store(false)

	e.setStatus(SyncStatusSyncing)
	result := &SyncResult{StartTime: e.clock.Now()}
	e.emit(SyncEvent{Type: SyncEventStarted})

	err := e.runPass(ctx, opts, result)

	result.EndTime = e.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.stats.Passes++
	e.stats.Synced += result.Synced
	e.stats.Failed += result.Failed
	e.stats.Conflicts += result.Conflicts
	e.stats.Deferred += result.Deferred
	e.lastErr = err
	if err != nil {
		e.status = SyncStatusFailed
		result.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
		"deferred":  result.Deferred,
		"exhausted": result.Exhausted,
		"duration":  result.Duration.String(),
	}
	if err != nil {
		e.log.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(err)), err, fields)
		e.emit(SyncEvent{Type: SyncEventAborted, Err: err, Result: result})
		return result, err
	}
	e.log.Info("Sync pass completed", fields)
	e.emit(SyncEvent{Type: SyncEventCompleted, Result: result})
	return result, nil
}

func (e *SyncEngine) runPass(ctx context.Context, opts PassOptions, result *SyncResult) error {
	if err := e.queue.Degraded(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "mutation queue unavailable", err)
	}
	// No other pass is running, so anything still syncing was abandoned.
	if _, err := e.queue.Recover(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "recover mutation queue", err)
	}

	batch, err := e.queue.DequeueBatch(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "read mutation queue", err)
	}

	now := clock.NowMillis(e.clock)
	deferHeavy := e.cfg.DataSaver && opts.Network.Metered() && !opts.Force

	var eligible []models.QueuedMutation
	for _, m := range batch {
		switch {
		case m.Type == models.MutationUploadPhoto:
			result.Skipped++
		case deferHeavy && m.Type.Heavy():
			result.Deferred++
		case m.Status == models.MutationFailed && m.RetryCount >= e.cfg.MaxRetries:
			result.Exhausted++
		case m.Status == models.MutationFailed && e.retryDeadline(m) > now:
			result.Skipped++
		default:
			eligible = append(eligible, m)
		}
	}

	var (
		mu    gosync.Mutex
		wg    gosync.WaitGroup
		fatal error
	)
	sem := make(chan struct{}, e.cfg.Concurrency)

	for _, m := range eligible {
		mu.Lock()
		stop := fatal != nil
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(m models.QueuedMutation) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := e.process(ctx, m)
			if err != nil {
				e.release(m)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatal == nil {
					fatal = err
				}
				return
			}
			switch out {
			case outcomeSynced:
				result.Synced++
			case outcomeConflict:
				result.Conflicts++
			case outcomeFailed:
				result.Failed++
			}
		}(m)
	}
	wg.Wait()

	if fatal != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "sync pass aborted", fatal)
	}
	return nil
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeFailed
	outcomeInterrupted
)

// NextRetry returns the earliest retry deadline among failed mutations
// still under the retry limit, or nil when none is waiting.
func (e *SyncEngine) NextRetry(ctx context.Context) (*time.Time, error) {
	failed, err := e.queue.ListByStatus(ctx, models.MutationFailed)
	if err != nil {
		return nil, err
	}
	var next int64
	for _, m := range failed {
		if m.RetryCount >= e.cfg.MaxRetries {
			continue
		}
		if d := e.retryDeadline(m); next == 0 || d < next {
			next = d
		}
	}
	if next == 0 {
		return nil, nil
	}
	t := time.UnixMilli(next)
	return &t, nil
}

// retryDeadline is the earliest time a failed mutation may be retried.
// Mutations stored without a deadline derive one from their last attempt.
func (e *SyncEngine) retryDeadline(m models.QueuedMutation) int64 {
	if m.NextRetryAt > 0 {
		return m.NextRetryAt
	}
	if m.RetryCount == 0 {
		return m.Timestamp
	}
	return m.Timestamp + e.cfg.Backoff.Delay(m.RetryCount-1).Milliseconds()
}

// process sends one mutation. A non-nil error is a local storage failure
// and aborts the pass.
func (e *SyncEngine) process(ctx context.Context, m models.QueuedMutation) (outcome, error) {
	if err := e.queue.MarkSyncing(ctx, m.ID); err != nil {
		return outcomeFailed, err
	}

	bookkeeping := context.WithoutCancel(ctx)

	resp, sendErr := e.sender.Send(ctx, remote.SyncRequest{ID: m.ID, Type: m.Type, Payload: m.Payload})

	if sendErr != nil && ctx.Err() != nil {
		// Interrupted, not failed: put the mutation back as it was.
		if err := e.queue.Restore(bookkeeping, m); err != nil {
			return outcomeFailed, err
		}
		return outcomeInterrupted, nil
	}

	if sendErr != nil {
		return outcomeFailed, e.fail(bookkeeping, m, sendErr)
	}

	if !resp.Conflict {
		if err := e.queue.MarkSynced(bookkeeping, m.ID); err != nil {
			return outcomeFailed, err
		}
		e.emit(SyncEvent{Type: SyncEventMutationSynced, MutationID: m.ID, MutationType: m.Type})
		return outcomeSynced, nil
	}

	res, err := e.resolver.Resolve(bookkeeping, conflict.Conflict{
		Mutation:   m,
		ServerData: resp.ServerData,
		Message:    resp.Message,
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !res.Resolved {
		msg := res.Log.Message
		if msg == "" {
			msg = "conflict unresolved"
		}
		return outcomeFailed, e.fail(bookkeeping, m, apperrors.New(apperrors.ErrSyncConflict, msg))
	}

	if err := e.queue.MarkSynced(bookkeeping, m.ID); err != nil {
		return outcomeFailed, err
	}
	e.emit(SyncEvent{Type: SyncEventConflictResolved, MutationID: m.ID, MutationType: m.Type})
	return outcomeConflict, nil
}

// release puts a mutation whose bookkeeping failed back to its prior state
// so it is not left syncing. The remote applies ids at most once, so a
// resend after a lost acknowledgement is harmless.
func (e *SyncEngine) release(m models.QueuedMutation) {
	if err := e.queue.Restore(context.Background(), m); err != nil {
		e.log.Warn("Could not release mutation after storage failure", map[string]interface{}{
			"mutation_id": m.ID,
			"error":       err.Error(),
		})
	}
}

// fail records a failed attempt with the next backoff deadline.
func (e *SyncEngine) fail(ctx context.Context, m models.QueuedMutation, cause error) error {
	retry := m.RetryCount + 1
	now := e.clock.Now()
	next := now.Add(e.cfg.Backoff.Next(retry - 1)).UnixMilli()

	if err := e.queue.MarkFailed(ctx, m.ID, retry, next, cause); err != nil {
		return err
	}

	e.recordError(m, cause, now)

	fields := map[string]interface{}{
		"mutation_id":   m.ID,
		"mutation_type": string(m.Type),
		"retry_count":   retry,
	}
	if retry >= e.cfg.MaxRetries {
		e.log.ErrorWithCode("Mutation exhausted retries", string(apperrors.ErrRetriesExhausted), cause, fields)
	} else {
		fields["next_retry_at"] = next
		e.log.Warn(fmt.Sprintf("Mutation failed: %v", cause), fields)
	}

	e.emit(SyncEvent{Type: SyncEventMutationFailed, MutationID: m.ID, MutationType: m.Type, RetryCount: retry, Err: cause})
	return nil
}

func (e *SyncEngine) recordError(m models.QueuedMutation, cause error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, SyncErrorEntry{
		MutationID:   m.ID,
		MutationType: m.Type,
		Error:        cause.Error(),
		At:           at,
	})
	if len(e.errors) > maxErrorHistory {
		e.errors = e.errors[len(e.errors)-maxErrorHistory:]
	}
}

func (e *SyncEngine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *SyncEngine) emit(event SyncEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h.OnSyncEvent(event)
	}
}
