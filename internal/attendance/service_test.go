package attendance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

var (
	tripStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	taipei101 = models.Coordinates{Latitude: 25.0339, Longitude: 121.5645}
)

func newTestService(t *testing.T, now time.Time) (*Service, *queue.Queue, *store.Store) {
	t.Helper()
	clk := clock.Fake(now)
	s, err := store.Open(t.TempDir(), store.WithLogger(logging.Discard()), store.WithClock(clk))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	trip := models.Trip{
		ID:        "trip-1",
		Name:      "City walk",
		StartTime: tripStart.UnixMilli(),
		MeetingPoint: models.MeetingPoint{
			ID:           "mp-1",
			Name:         "Taipei 101 lobby",
			Coordinates:  taipei101,
			RadiusMeters: 100,
		},
	}
	if err := s.Put(context.Background(), store.Trips, trip.ID, trip); err != nil {
		t.Fatalf("Put(trip) error = %v", err)
	}

	q := queue.New(s, queue.WithClock(clk), queue.WithIDGenerator(uuid.Sequence("m")), queue.WithLogger(logging.Discard()))
	return NewService(s, q, WithClock(clk), WithLogger(logging.Discard())), q, s
}

func queued(t *testing.T, q *queue.Queue) []models.QueuedMutation {
	t.Helper()
	list, err := q.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return list
}

// =====================================================
// CheckIn Tests
// =====================================================

// TestCheckIn_queuesAndCaches verifies an accepted check-in is queued and
// cached with a local source.
func TestCheckIn_queuesAndCaches(t *testing.T) {
	svc, q, _ := newTestService(t, tripStart.Add(-30*time.Minute))
	ctx := context.Background()

	res, err := svc.CheckIn(ctx, CheckInRequest{TripID: "trip-1", GuideID: "guide-1", Position: taipei101})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if !res.Validation.Allowed || res.MutationID != "m-1" {
		t.Errorf("result = %+v", res)
	}

	list := queued(t, q)
	if len(list) != 1 || list[0].Type != models.MutationCheckIn || list[0].Status != models.MutationPending {
		t.Fatalf("queue = %+v", list)
	}
	var p queue.CheckInPayload
	if err := json.Unmarshal(list[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.TripID != "trip-1" || p.GuideID != "guide-1" || p.Timestamp != tripStart.Add(-30*time.Minute).UnixMilli() {
		t.Errorf("payload = %+v", p)
	}

	rec, err := svc.CachedStatus(ctx, "trip-1", "guide-1")
	if err != nil || rec == nil {
		t.Fatalf("CachedStatus() = %v, %v", rec, err)
	}
	if !rec.Status.CheckedIn || rec.Status.IsLate || rec.Source != models.SourceLocal {
		t.Errorf("record = %+v", rec)
	}
}

// TestCheckIn_late verifies a check-in after trip start is marked late.
func TestCheckIn_late(t *testing.T) {
	svc, _, _ := newTestService(t, tripStart.Add(10*time.Minute))
	res, err := svc.CheckIn(context.Background(), CheckInRequest{TripID: "trip-1", GuideID: "guide-1", Position: taipei101})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if !res.Record.Status.IsLate {
		t.Error("IsLate = false after trip start")
	}
}

// TestCheckIn_rejections verifies each geofence rule returns
// VALIDATION_ERROR and leaves the queue empty.
func TestCheckIn_rejections(t *testing.T) {
	far := models.Coordinates{Latitude: 25.0478, Longitude: 121.5170}

	tests := []struct {
		name     string
		now      time.Time
		position models.Coordinates
	}{
		{"outside radius", tripStart.Add(-10 * time.Minute), far},
		{"too early", tripStart.Add(-3 * time.Hour), taipei101},
		{"too late", tripStart.Add(2 * time.Hour), taipei101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, q, _ := newTestService(t, tt.now)
			res, err := svc.CheckIn(context.Background(), CheckInRequest{TripID: "trip-1", GuideID: "guide-1", Position: tt.position})
			if !apperrors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("CheckIn() error = %v, want VALIDATION_ERROR", err)
			}
			if res == nil || res.Validation.Allowed || res.Validation.Message == "" {
				t.Errorf("result = %+v", res)
			}
			if n := len(queued(t, q)); n != 0 {
				t.Errorf("queue length = %d, want 0", n)
			}
			if rec, _ := svc.CachedStatus(context.Background(), "trip-1", "guide-1"); rec != nil {
				t.Errorf("cached record after rejection: %+v", rec)
			}
		})
	}
}

// TestCheckIn_twice verifies a second check-in is refused.
func TestCheckIn_twice(t *testing.T) {
	svc, q, _ := newTestService(t, tripStart)
	ctx := context.Background()
	req := CheckInRequest{TripID: "trip-1", GuideID: "guide-1", Position: taipei101}
	if _, err := svc.CheckIn(ctx, req); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if _, err := svc.CheckIn(ctx, req); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("second CheckIn() error = %v", err)
	}
	if n := len(queued(t, q)); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

// TestCheckIn_uncachedTrip verifies a trip that is neither cached nor
// supplied is NOT_FOUND.
func TestCheckIn_uncachedTrip(t *testing.T) {
	svc, _, _ := newTestService(t, tripStart)
	_, err := svc.CheckIn(context.Background(), CheckInRequest{TripID: "trip-9", GuideID: "guide-1", Position: taipei101})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("CheckIn() error = %v, want NOT_FOUND", err)
	}
}

// TestCheckIn_explicitMeetingPoint verifies the request can carry its own
// meeting point and start time.
func TestCheckIn_explicitMeetingPoint(t *testing.T) {
	svc, _, _ := newTestService(t, tripStart)
	point := models.MeetingPoint{Coordinates: models.Coordinates{Latitude: 1, Longitude: 1}, RadiusMeters: 50}
	_, err := svc.CheckIn(context.Background(), CheckInRequest{
		TripID:       "trip-9",
		GuideID:      "guide-1",
		Position:     point.Coordinates,
		MeetingPoint: &point,
		TripStart:    tripStart.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
}

// TestCheckIn_missingIDs verifies identifiers are required.
func TestCheckIn_missingIDs(t *testing.T) {
	svc, _, _ := newTestService(t, tripStart)
	if _, err := svc.CheckIn(context.Background(), CheckInRequest{TripID: "trip-1"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("CheckIn() error = %v", err)
	}
}

// =====================================================
// CheckOut Tests
// =====================================================

// TestCheckOut verifies check-out is queued after check-in and updates the
// cache.
func TestCheckOut(t *testing.T) {
	svc, q, _ := newTestService(t, tripStart)
	ctx := context.Background()
	if _, err := svc.CheckIn(ctx, CheckInRequest{TripID: "trip-1", GuideID: "guide-1", Position: taipei101}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	res, err := svc.CheckOut(ctx, CheckOutRequest{TripID: "trip-1", GuideID: "guide-1"})
	if err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if !res.Record.Status.CheckedIn || !res.Record.Status.CheckedOut || res.Record.Status.CheckOutTime == nil {
		t.Errorf("record = %+v", res.Record)
	}

	list := queued(t, q)
	if len(list) != 2 || list[1].Type != models.MutationCheckOut {
		t.Fatalf("queue = %+v", list)
	}

	if _, err := svc.CheckOut(ctx, CheckOutRequest{TripID: "trip-1", GuideID: "guide-1"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("second CheckOut() error = %v", err)
	}
}

// TestCachedStatus_serverRecord verifies a record written by conflict
// resolution is returned unchanged.
func TestCachedStatus_serverRecord(t *testing.T) {
	svc, _, s := newTestService(t, tripStart)
	ctx := context.Background()
	key := models.AttendanceKey("trip-1", "guide-2")
	rec := &models.AttendanceRecord{ID: key, TripID: "trip-1", GuideID: "guide-2", Source: models.SourceServer,
		Status: models.AttendanceStatus{CheckedIn: true, IsLate: true}}
	if err := s.Put(ctx, store.Attendance, key, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := svc.CachedStatus(ctx, "trip-1", "guide-2")
	if err != nil || got == nil {
		t.Fatalf("CachedStatus() = %v, %v", got, err)
	}
	if got.Source != models.SourceServer || !got.Status.IsLate {
		t.Errorf("record = %+v", got)
	}

	if got, _ := svc.CachedStatus(ctx, "trip-1", "nobody"); got != nil {
		t.Errorf("CachedStatus(missing) = %+v", got)
	}
}
