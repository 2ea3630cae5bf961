package realtime

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
)

// CacheApplier writes pushed trips, manifest entries and attendance into
// the local caches. Pushed data is authoritative and overwrites whatever
// the cache holds.
type CacheApplier struct {
	store *store.Store
	log   *logging.Logger
}

// NewCacheApplier creates a CacheApplier.
func NewCacheApplier(s *store.Store, log *logging.Logger) *CacheApplier {
	if log == nil {
		log = logging.Get().Named("realtime")
	}
	return &CacheApplier{store: s, log: log}
}

// Apply writes one event. Event types without a cache are ignored.
func (a *CacheApplier) Apply(ctx context.Context, ev Event) error {
	switch v := ev.Data.(type) {
	case TripUpdated:
		if v.ID == "" {
			return nil
		}
		return a.store.Put(ctx, store.Trips, v.ID, v.Trip)

	case ManifestUpdated:
		if v.ID == "" {
			return nil
		}
		entry := v.ManifestEntry
		return a.store.Put(ctx, store.Manifests, entry.ID, &entry)

	case AttendanceUpdated:
		key := models.AttendanceKey(v.TripID, v.GuideID)
		rec := &models.AttendanceRecord{
			ID:        key,
			TripID:    v.TripID,
			GuideID:   v.GuideID,
			Status:    v.Status,
			Source:    models.SourceServer,
			UpdatedAt: ev.Timestamp.UnixMilli(),
		}
		return a.store.Put(ctx, store.Attendance, key, rec)
	}
	return nil
}

// Run applies events until the channel closes or ctx is done. Handler is
// called for every event after it has been applied and may be nil.
func (a *CacheApplier) Run(ctx context.Context, events <-chan Event, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := a.Apply(ctx, ev); err != nil {
				a.log.Error("Failed to apply realtime event", err, map[string]interface{}{"type": string(ev.Type)})
			}
			if handler != nil {
				handler(ev)
			}
		}
	}
}
