// Package conflict resolves conflicts the remote reports for queued
// mutations. The policy is server-wins: the server's copy of the affected
// record replaces the local cache and the local intent is discarded.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Conflict is a conflict response for one mutation.
type Conflict struct {
	Mutation   models.QueuedMutation
	ServerData json.RawMessage
	Message    string
}

// Result is the outcome of resolving one conflict.
type Result struct {
	// Resolved is false when the server sent no data to win with; the
	// mutation stays queued and is retried.
	Resolved bool
	Log      models.ConflictLog
}

// Resolver applies the server-wins policy against the local caches.
type Resolver struct {
	store *store.Store
	clock clock.Clock
	newID uuid.Generator
	log   *logging.Logger
}

// NewResolver creates a Resolver writing to s.
func NewResolver(s *store.Store, c clock.Clock, log *logging.Logger) *Resolver {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logging.Get().Named("conflict")
	}
	return &Resolver{store: s, clock: c, newID: uuid.NewOrdered, log: log}
}

// Resolve applies server-wins to c. The cache overwrite and the conflict
// log are written in one transaction. The returned error is always a local
// storage error; an unresolvable conflict is reported through Result.
func (r *Resolver) Resolve(ctx context.Context, c Conflict) (Result, error) {
	m := c.Mutation
	entry := models.ConflictLog{
		ID:           r.newID(),
		MutationID:   m.ID,
		MutationType: m.Type,
		Message:      c.Message,
		DetectedAt:   clock.NowMillis(r.clock),
	}

	fields := map[string]interface{}{
		"mutation_id":   m.ID,
		"mutation_type": string(m.Type),
	}

	if !hasData(c.ServerData) {
		entry.Resolution = models.ResolutionUnresolved
		if entry.Message == "" {
			entry.Message = "conflict without server data"
		}
		if err := r.store.Put(ctx, store.Conflicts, entry.ID, entry); err != nil {
			return Result{}, err
		}
		r.log.Warn("Conflict left unresolved", fields)
		return Result{Resolved: false, Log: entry}, nil
	}

	apply, resource, err := r.plan(m, c.ServerData)
	if err != nil {
		entry.Resolution = models.ResolutionUnresolved
		entry.Message = err.Error()
		if putErr := r.store.Put(ctx, store.Conflicts, entry.ID, entry); putErr != nil {
			return Result{}, putErr
		}
		r.log.Warn("Conflict server data rejected", fields, map[string]interface{}{"error": err.Error()})
		return Result{Resolved: false, Log: entry}, nil
	}

	entry.Resolution = models.ResolutionServerWins
	entry.Resource = resource
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		if apply != nil {
			if err := apply(ctx, tx); err != nil {
				return err
			}
		}
		return tx.Put(ctx, store.Conflicts, entry.ID, entry)
	})
	if err != nil {
		return Result{}, err
	}

	r.log.Info("Conflict resolved, server wins", fields, map[string]interface{}{"resource": resource})
	return Result{Resolved: true, Log: entry}, nil
}

type applyFunc func(ctx context.Context, tx *store.Tx) error

// plan decodes the mutation and the server data into the cache write that
// server-wins requires. Types without a cached counterpart return a nil
// apply: the local intent is simply dropped.
func (r *Resolver) plan(m models.QueuedMutation, serverData json.RawMessage) (applyFunc, string, error) {
	switch m.Type {
	case models.MutationCheckIn, models.MutationCheckOut:
		return r.planAttendance(m, serverData)
	case models.MutationUpdateManifest, models.MutationUpdateManifestDetails:
		return r.planManifest(m, serverData)
	default:
		return nil, "", nil
	}
}

func (r *Resolver) planAttendance(m models.QueuedMutation, serverData json.RawMessage) (applyFunc, string, error) {
	p, err := queue.DecodePayload(m.Type, m.Payload)
	if err != nil {
		return nil, "", err
	}

	var tripID, guideID string
	switch v := p.(type) {
	case queue.CheckInPayload:
		tripID, guideID = v.TripID, v.GuideID
	case queue.CheckOutPayload:
		tripID, guideID = v.TripID, v.GuideID
	}

	var status models.AttendanceStatus
	if err := json.Unmarshal(serverData, &status); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrSyncConflict, "decode attendance server data", err)
	}

	key := models.AttendanceKey(tripID, guideID)
	rec := &models.AttendanceRecord{
		ID:        key,
		TripID:    tripID,
		GuideID:   guideID,
		Status:    status,
		Source:    models.SourceServer,
		UpdatedAt: clock.NowMillis(r.clock),
	}
	apply := func(ctx context.Context, tx *store.Tx) error {
		return tx.Put(ctx, store.Attendance, key, rec)
	}
	return apply, fmt.Sprintf("%s/%s", store.Attendance, key), nil
}

func (r *Resolver) planManifest(m models.QueuedMutation, serverData json.RawMessage) (applyFunc, string, error) {
	p, err := queue.DecodePayload(m.Type, m.Payload)
	if err != nil {
		return nil, "", err
	}

	var tripID, entryID string
	switch v := p.(type) {
	case queue.UpdateManifestPayload:
		tripID, entryID = v.TripID, v.EntryID
	case queue.UpdateManifestDetailsPayload:
		tripID, entryID = v.TripID, v.EntryID
	}

	var entry models.ManifestEntry
	if err := json.Unmarshal(serverData, &entry); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrSyncConflict, "decode manifest server data", err)
	}
	if entry.ID == "" {
		entry.ID = entryID
	}
	if entry.TripID == "" {
		entry.TripID = tripID
	}
	if entry.ID != entryID {
		return nil, "", apperrors.New(apperrors.ErrSyncConflict,
			fmt.Sprintf("server data is for entry %s, mutation targets %s", entry.ID, entryID))
	}
	entry.UpdatedAt = clock.NowMillis(r.clock)

	apply := func(ctx context.Context, tx *store.Tx) error {
		return tx.Put(ctx, store.Manifests, entry.ID, &entry)
	}
	return apply, fmt.Sprintf("%s/%s", store.Manifests, entry.ID), nil
}

// Logs returns every recorded conflict, oldest first.
func (r *Resolver) Logs(ctx context.Context) ([]models.ConflictLog, error) {
	return store.AllOf[models.ConflictLog](ctx, r.store, store.Conflicts)
}

func hasData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
