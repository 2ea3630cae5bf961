package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(),
		WithLogger(logging.Discard()),
		WithClock(clock.Fake(time.UnixMilli(1_700_000_000_000))))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mutation(id string, status models.MutationStatus) *models.QueuedMutation {
	return &models.QueuedMutation{
		ID:        id,
		Type:      models.MutationCheckIn,
		Payload:   []byte(`{"tripId":"t-1"}`),
		Timestamp: 1,
		CreatedAt: 1,
		Status:    status,
	}
}

// =====================================================
// Basic operations
// =====================================================

// TestStore_putGet verifies a value round-trips through the store.
func TestStore_putGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	trip := models.Trip{ID: "t-1", Name: "Kiluan Dolphins", GuideID: "g-1", StartTime: 42}
	if err := s.Put(ctx, Trips, trip.ID, trip); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var got models.Trip
	found, err := s.Get(ctx, Trips, "t-1", &got)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, want true")
	}
	if got.Name != trip.Name || got.StartTime != 42 {
		t.Errorf("Get() = %+v, want %+v", got, trip)
	}

	found, err = s.Get(ctx, Trips, "missing", &got)
	if err != nil || found {
		t.Errorf("Get(missing) = %v, %v; want false, nil", found, err)
	}
}

// TestStore_putReplaces verifies Put overwrites and reindexes.
func TestStore_putReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationPending)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationFailed)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	pending, _ := s.CountByIndex(ctx, Mutations, IndexStatus, "pending")
	failed, _ := s.CountByIndex(ctx, Mutations, IndexStatus, "failed")
	if pending != 0 || failed != 1 {
		t.Errorf("pending=%d failed=%d, want 0 and 1", pending, failed)
	}

	total, _ := s.Count(ctx, Mutations)
	if total != 1 {
		t.Errorf("Count() = %d, want 1", total)
	}
}

// TestStore_delete verifies deletion removes record and index entries.
func TestStore_delete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationPending))
	if err := s.Delete(ctx, Mutations, "m-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, Mutations, "m-1"); err != nil {
		t.Errorf("Delete(absent) error = %v, want nil", err)
	}

	n, _ := s.CountByIndex(ctx, Mutations, IndexStatus, "pending")
	if n != 0 {
		t.Errorf("CountByIndex() = %d, want 0", n)
	}
}

// =====================================================
// Indexes
// =====================================================

// TestStore_getAllByIndex verifies index lookups preserve insertion order.
func TestStore_getAllByIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"m-3", "m-1", "m-2"} {
		s.Put(ctx, Mutations, id, mutation(id, models.MutationPending))
	}
	s.Put(ctx, Mutations, "m-4", mutation("m-4", models.MutationFailed))

	got, err := AllByIndex[models.QueuedMutation](ctx, s, Mutations, IndexStatus, "pending")
	if err != nil {
		t.Fatalf("AllByIndex() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"m-3", "m-1", "m-2"} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}

// TestStore_multipleIndexes verifies a record is reachable through each index.
func TestStore_multipleIndexes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := &models.AttendanceRecord{ID: "a-1", TripID: "t-1", GuideID: "g-9", Source: models.SourceLocal}
	if err := s.Put(ctx, Attendance, models.AttendanceKey("t-1", "g-9"), rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	byTrip, _ := s.GetAllByIndex(ctx, Attendance, IndexTripID, "t-1")
	byGuide, _ := s.GetAllByIndex(ctx, Attendance, IndexGuideID, "g-9")
	if len(byTrip) != 1 || len(byGuide) != 1 {
		t.Errorf("byTrip=%d byGuide=%d, want 1 each", len(byTrip), len(byGuide))
	}
}

// TestStore_invalidIndex verifies bad collection and index names are rejected.
func TestStore_invalidIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetAllByIndex(ctx, Trips, IndexStatus, "x"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("GetAllByIndex(no index) error = %v, want INVALID_INPUT", err)
	}
	if err := s.Put(ctx, Collection("nope"), "k", 1); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Put(unknown collection) error = %v, want INVALID_INPUT", err)
	}
	// Indexed collections need Indexed values.
	if err := s.Put(ctx, Mutations, "m-1", models.QueuedMutation{ID: "m-1"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Put(non-pointer mutation) error = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// Transactions
// =====================================================

// TestStore_updateRollback verifies a failing transaction leaves no writes.
func TestStore_updateRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, Trips, "t-1", models.Trip{ID: "t-1"}); err != nil {
			return err
		}
		return apperrors.New(apperrors.ErrInternal, "abort")
	})
	if !apperrors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("Update() error = %v, want INTERNAL_ERROR", err)
	}

	n, _ := s.Count(ctx, Trips)
	if n != 0 {
		t.Errorf("Count() = %d after rollback, want 0", n)
	}
}

// TestStore_updateCommit verifies writes across collections commit together.
func TestStore_updateCommit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, Trips, "t-1", models.Trip{ID: "t-1"}); err != nil {
			return err
		}
		return tx.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationPending))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	trips, _ := s.Count(ctx, Trips)
	muts, _ := s.Count(ctx, Mutations)
	if trips != 1 || muts != 1 {
		t.Errorf("trips=%d mutations=%d, want 1 each", trips, muts)
	}
}

// TestStore_clear verifies Clear empties the named collections only.
func TestStore_clear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.Put(ctx, Trips, "t-1", models.Trip{ID: "t-1"})
	s.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationPending))

	if err := s.Clear(ctx, Trips); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := s.Count(ctx, Trips); n != 0 {
		t.Errorf("trips = %d, want 0", n)
	}
	if n, _ := s.Count(ctx, Mutations); n != 1 {
		t.Errorf("mutations = %d, want 1", n)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear(all) error = %v", err)
	}
	if n, _ := s.CountByIndex(ctx, Mutations, IndexStatus, "pending"); n != 0 {
		t.Errorf("pending = %d after Clear(all), want 0", n)
	}
}

// =====================================================
// Durability and degraded mode
// =====================================================

// TestStore_reopen verifies records survive closing and reopening.
func TestStore_reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Put(ctx, Mutations, "m-1", mutation("m-1", models.MutationPending))
	s.Close()

	s, err = Open(dir, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	var got models.QueuedMutation
	found, err := s.Get(ctx, Mutations, "m-1", &got)
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v; want true, nil", found, err)
	}
	if got.Type != models.MutationCheckIn || string(got.Payload) != `{"tripId":"t-1"}` {
		t.Errorf("Get() = %+v", got)
	}
}

// TestOpenOrDegrade verifies an unopenable store degrades instead of failing.
func TestOpenOrDegrade(t *testing.T) {
	ctx := context.Background()

	// A regular file where the data directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	s := OpenOrDegrade(filepath.Join(blocker, "data"), WithLogger(logging.Discard()))
	if s.Degraded() == nil {
		t.Fatal("Degraded() = nil, want open error")
	}

	var trip models.Trip
	found, err := s.Get(ctx, Trips, "t-1", &trip)
	if found || err != nil {
		t.Errorf("degraded Get() = %v, %v; want false, nil", found, err)
	}

	err = s.Put(ctx, Trips, "t-1", trip)
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("degraded Put() error = %v, want STORAGE_UNAVAILABLE", err)
	}
	if !apperrors.IsLocalStorage(err) {
		t.Error("degraded Put() error should classify as local storage")
	}
}
