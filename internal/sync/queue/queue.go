// Package queue provides the durable mutation queue: an ordered record of
// guide actions awaiting delivery to the remote API.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Counts summarizes queue state by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Queue persists mutations in the store's mutations collection. Enqueue
// never touches the network.
type Queue struct {
	store *store.Store
	clock clock.Clock
	newID uuid.Generator
	log   *logging.Logger

	onEnqueue atomic.Pointer[func()]
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for mutation timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator sets the mutation id generator.
func WithIDGenerator(g uuid.Generator) Option {
	return func(q *Queue) { q.newID = g }
}

// WithLogger sets the queue logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates a Queue over s.
func New(s *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		clock: clock.Real(),
		newID: uuid.NewOrdered,
		log:   logging.Get().Named("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetOnEnqueue installs a hook called after every successful enqueue. The
// hook must not block; it is a best-effort sync trigger and nothing relies
// on it firing.
func (q *Queue) SetOnEnqueue(fn func()) {
	if fn == nil {
		q.onEnqueue.Store(nil)
		return
	}
	q.onEnqueue.Store(&fn)
}

// Notify fires the enqueue hook, if any.
func (q *Queue) Notify() {
	if fn := q.onEnqueue.Load(); fn != nil {
		(*fn)()
	}
}

// Enqueue validates and persists a mutation, returning its id.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	var id string
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return "", err
	}

	q.log.Debug("Mutation enqueued", map[string]interface{}{"id": id, "type": string(p.Type())})
	q.Notify()
	return id, nil
}

// EnqueueTx persists a mutation inside an existing transaction, so that it
// commits together with related records. It does not fire the hook.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, p Payload) (string, error) {
	m, err := q.build(p)
	if err != nil {
		return "", err
	}
	if err := tx.Put(ctx, store.Mutations, m.ID, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (q *Queue) build(p Payload) (*models.QueuedMutation, error) {
	if p == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "nil payload")
	}
	if !p.Type().Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown mutation type %q", p.Type()))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	now := clock.NowMillis(q.clock)
	return &models.QueuedMutation{
		ID:        q.newID(),
		Type:      p.Type(),
		Payload:   raw,
		Timestamp: now,
		CreatedAt: now,
		Status:    models.MutationPending,
	}, nil
}

// DequeueBatch returns every pending and failed mutation ordered by
// creation. Filtering by retry deadline is the sync engine's decision.
func (q *Queue) DequeueBatch(ctx context.Context) ([]models.QueuedMutation, error) {
	pending, err := store.AllByIndex[models.QueuedMutation](ctx, q.store, store.Mutations, store.IndexStatus, string(models.MutationPending))
	if err != nil {
		return nil, err
	}
	failed, err := store.AllByIndex[models.QueuedMutation](ctx, q.store, store.Mutations, store.IndexStatus, string(models.MutationFailed))
	if err != nil {
		return nil, err
	}

	batch := append(pending, failed...)
	sortByCreation(batch)
	return batch, nil
}

// List returns every mutation ordered by creation.
func (q *Queue) List(ctx context.Context) ([]models.QueuedMutation, error) {
	all, err := store.AllOf[models.QueuedMutation](ctx, q.store, store.Mutations)
	if err != nil {
		return nil, err
	}
	sortByCreation(all)
	return all, nil
}

// ListByStatus returns the mutations in status ordered by creation.
func (q *Queue) ListByStatus(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error) {
	ms, err := store.AllByIndex[models.QueuedMutation](ctx, q.store, store.Mutations, store.IndexStatus, string(status))
	if err != nil {
		return nil, err
	}
	sortByCreation(ms)
	return ms, nil
}

// Get returns one mutation or a NOT_FOUND error.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedMutation, error) {
	var m models.QueuedMutation
	found, err := q.store.Get(ctx, store.Mutations, id, &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	return &m, nil
}

// Degraded returns the store's open error when the queue cannot persist
// anything.
func (q *Queue) Degraded() error {
	return q.store.Degraded()
}

// MarkSyncing transitions a mutation to syncing before it is sent.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.update(ctx, id, func(m *models.QueuedMutation) {
		m.Status = models.MutationSyncing
	})
}

// MarkSynced deletes a mutation the remote has acknowledged.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.store.Delete(ctx, store.Mutations, id)
}

// MarkFailed records a failed attempt. The timestamp is refreshed to the
// attempt time and nextRetryAt is the earliest time the engine may retry.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryCount uint32, nextRetryAt int64, cause error) error {
	now := clock.NowMillis(q.clock)
	return q.update(ctx, id, func(m *models.QueuedMutation) {
		m.Status = models.MutationFailed
		m.RetryCount = retryCount
		m.Timestamp = now
		m.NextRetryAt = nextRetryAt
		if cause != nil {
			m.LastError = cause.Error()
		}
	})
}

// Restore writes back a snapshot taken before MarkSyncing, undoing an
// attempt that was interrupted rather than failed.
func (q *Queue) Restore(ctx context.Context, m models.QueuedMutation) error {
	if m.Status == models.MutationSyncing {
		m.Status = models.MutationPending
	}
	return q.store.Put(ctx, store.Mutations, m.ID, &m)
}

// Remove deletes a mutation regardless of state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, store.Mutations, id)
}

// Counts returns the number of mutations per status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Pending, err = q.store.CountByIndex(ctx, store.Mutations, store.IndexStatus, string(models.MutationPending)); err != nil {
		return Counts{}, err
	}
	if c.Syncing, err = q.store.CountByIndex(ctx, store.Mutations, store.IndexStatus, string(models.MutationSyncing)); err != nil {
		return Counts{}, err
	}
	if c.Failed, err = q.store.CountByIndex(ctx, store.Mutations, store.IndexStatus, string(models.MutationFailed)); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Recover resets mutations left in syncing by an interrupted pass back to
// pending. It must run before the first pass after startup.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		stale, err := store.AllByIndex[models.QueuedMutation](ctx, tx, store.Mutations, store.IndexStatus, string(models.MutationSyncing))
		if err != nil {
			return err
		}
		for i := range stale {
			stale[i].Status = models.MutationPending
			if err := tx.Put(ctx, store.Mutations, stale[i].ID, &stale[i]); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("Recovered interrupted mutations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryExhausted re-arms failed mutations at or past maxRetries so the next
// pass sends them again.
func (q *Queue) RetryExhausted(ctx context.Context, maxRetries uint32) (int, error) {
	n := 0
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		failed, err := store.AllByIndex[models.QueuedMutation](ctx, tx, store.Mutations, store.IndexStatus, string(models.MutationFailed))
		if err != nil {
			return err
		}
		for i := range failed {
			m := &failed[i]
			if m.RetryCount < maxRetries {
				continue
			}
			m.Status = models.MutationPending
			m.RetryCount = 0
			m.NextRetryAt = 0
			m.LastError = ""
			if err := tx.Put(ctx, store.Mutations, m.ID, m); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("Re-armed exhausted mutations", map[string]interface{}{"count": n})
	}
	return n, nil
}

func (q *Queue) update(ctx context.Context, id string, fn func(m *models.QueuedMutation)) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		var m models.QueuedMutation
		found, err := tx.Get(ctx, store.Mutations, id, &m)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
		}
		fn(&m)
		return tx.Put(ctx, store.Mutations, id, &m)
	})
}

func sortByCreation(ms []models.QueuedMutation) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt < ms[j].CreatedAt
	})
}
