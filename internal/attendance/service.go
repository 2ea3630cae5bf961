// Package attendance records guide check-ins and check-outs. Actions are
// validated locally, queued for delivery and reflected in the attendance
// cache straight away so the UI does not wait for the remote.
package attendance

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/geo"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// CheckInRequest asks to check a guide in at their current position.
// MeetingPoint and TripStart override the cached trip when set.
type CheckInRequest struct {
	TripID       string
	GuideID      string
	Position     models.Coordinates
	MeetingPoint *models.MeetingPoint
	TripStart    time.Time
}

// CheckOutRequest asks to check a guide out. Position is optional.
type CheckOutRequest struct {
	TripID   string
	GuideID  string
	Position *models.Coordinates
}

// Result is the outcome of an accepted action.
type Result struct {
	MutationID string
	Validation geo.CheckInResult
	Record     models.AttendanceRecord
}

// Service validates attendance actions and queues them.
type Service struct {
	store  *store.Store
	queue  *queue.Queue
	clock  clock.Clock
	log    *logging.Logger
	window geo.CheckInWindow
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for window checks and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithWindow overrides the check-in window.
func WithWindow(w geo.CheckInWindow) Option {
	return func(s *Service) { s.window = w }
}

// NewService creates a Service.
func NewService(s *store.Store, q *queue.Queue, opts ...Option) *Service {
	svc := &Service{
		store:  s,
		queue:  q,
		clock:  clock.Real(),
		log:    logging.Get().Named("attendance"),
		window: geo.DefaultCheckInWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CheckIn validates the position against the meeting point and the time
// window. A rejected check-in returns VALIDATION_ERROR with the geofence
// message and queues nothing.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (*Result, error) {
	if req.TripID == "" || req.GuideID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "tripId and guideId are required")
	}

	point, start, err := s.tripContext(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	windowStart, windowEnd := s.window.Bounds(start)
	check := geo.ValidateCheckIn(req.Position, point, now, windowStart, windowEnd)
	if !check.Allowed {
		s.log.Info("Check-in rejected", map[string]interface{}{
			"trip_id":  req.TripID,
			"guide_id": req.GuideID,
			"distance": check.Distance,
		})
		return &Result{Validation: check}, apperrors.New(apperrors.ErrValidation, check.Message)
	}

	ts := now.UnixMilli()
	res := &Result{Validation: check}
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := cached(ctx, tx, req.TripID, req.GuideID)
		if err != nil {
			return err
		}
		if rec.Status.CheckedIn && !rec.Status.CheckedOut {
			return apperrors.New(apperrors.ErrValidation, "already checked in")
		}

		res.MutationID, err = s.queue.EnqueueTx(ctx, tx, queue.CheckInPayload{
			TripID:      req.TripID,
			GuideID:     req.GuideID,
			Coordinates: req.Position,
			Distance:    check.Distance,
			Timestamp:   ts,
		})
		if err != nil {
			return err
		}

		rec.Status = models.AttendanceStatus{CheckedIn: true, CheckInTime: &ts, IsLate: now.After(start)}
		rec.Source = models.SourceLocal
		rec.UpdatedAt = ts
		res.Record = *rec
		return tx.Put(ctx, store.Attendance, rec.ID, rec)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Check-in queued", map[string]interface{}{
		"trip_id":     req.TripID,
		"guide_id":    req.GuideID,
		"mutation_id": res.MutationID,
	})
	s.queue.Notify()
	return res, nil
}

// CheckOut queues a check-out. A guide already checked out is rejected.
func (s *Service) CheckOut(ctx context.Context, req CheckOutRequest) (*Result, error) {
	if req.TripID == "" || req.GuideID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "tripId and guideId are required")
	}

	ts := clock.NowMillis(s.clock)
	res := &Result{}
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := cached(ctx, tx, req.TripID, req.GuideID)
		if err != nil {
			return err
		}
		if rec.Status.CheckedOut {
			return apperrors.New(apperrors.ErrValidation, "already checked out")
		}

		res.MutationID, err = s.queue.EnqueueTx(ctx, tx, queue.CheckOutPayload{
			TripID:      req.TripID,
			GuideID:     req.GuideID,
			Coordinates: req.Position,
			Timestamp:   ts,
		})
		if err != nil {
			return err
		}

		rec.Status.CheckedOut = true
		rec.Status.CheckOutTime = &ts
		rec.Source = models.SourceLocal
		rec.UpdatedAt = ts
		res.Record = *rec
		return tx.Put(ctx, store.Attendance, rec.ID, rec)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Check-out queued", map[string]interface{}{
		"trip_id":     req.TripID,
		"guide_id":    req.GuideID,
		"mutation_id": res.MutationID,
	})
	s.queue.Notify()
	return res, nil
}

// CachedStatus returns the last known attendance, or nil when none is
// cached.
func (s *Service) CachedStatus(ctx context.Context, tripID, guideID string) (*models.AttendanceRecord, error) {
	var rec models.AttendanceRecord
	found, err := s.store.Get(ctx, store.Attendance, models.AttendanceKey(tripID, guideID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) tripContext(ctx context.Context, req CheckInRequest) (models.MeetingPoint, time.Time, error) {
	if req.MeetingPoint != nil && !req.TripStart.IsZero() {
		return *req.MeetingPoint, req.TripStart, nil
	}

	var trip models.Trip
	found, err := s.store.Get(ctx, store.Trips, req.TripID, &trip)
	if err != nil {
		return models.MeetingPoint{}, time.Time{}, err
	}
	if !found {
		return models.MeetingPoint{}, time.Time{}, apperrors.New(apperrors.ErrNotFound, "trip "+req.TripID+" is not cached")
	}

	point, start := trip.MeetingPoint, time.UnixMilli(trip.StartTime)
	if req.MeetingPoint != nil {
		point = *req.MeetingPoint
	}
	if !req.TripStart.IsZero() {
		start = req.TripStart
	}
	return point, start, nil
}

func cached(ctx context.Context, tx *store.Tx, tripID, guideID string) (*models.AttendanceRecord, error) {
	key := models.AttendanceKey(tripID, guideID)
	rec := &models.AttendanceRecord{ID: key, TripID: tripID, GuideID: guideID}
	if _, err := tx.Get(ctx, store.Attendance, key, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
