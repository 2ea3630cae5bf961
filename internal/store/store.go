// Package store provides the durable local key/value store: named
// collections with secondary indexes, backed by SQLite so that queued guide
// actions survive process restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/fieldsync/internal/clock"
	"github.com/kimhsiao/fieldsync/internal/codec"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"

	_ "modernc.org/sqlite"
)

// Collection names a keyed set of records.
type Collection string

const (
	Trips             Collection = "trips"
	Manifests         Collection = "manifests"
	Attendance        Collection = "attendance"
	Mutations         Collection = "mutations"
	Photos            Collection = "photos"
	BriefingTemplates Collection = "briefing_templates"
	Conflicts         Collection = "conflicts"
)

// Index names.
const (
	IndexStatus  = "status"
	IndexTripID  = "tripId"
	IndexGuideID = "guideId"
)

// schemaIndexes declares the secondary indexes of every collection.
var schemaIndexes = map[Collection][]string{
	Trips:             nil,
	Manifests:         {IndexTripID},
	Attendance:        {IndexTripID, IndexGuideID},
	Mutations:         {IndexStatus},
	Photos:            {IndexStatus},
	BriefingTemplates: nil,
	Conflicts:         nil,
}

// Collections returns every known collection.
func Collections() []Collection {
	return []Collection{Trips, Manifests, Attendance, Mutations, Photos, BriefingTemplates, Conflicts}
}

// Indexed is implemented by values stored in indexed collections. Values
// must be passed as pointers when the method has a pointer receiver.
type Indexed interface {
	IndexValues() map[string]string
}

// Record is a raw stored value.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt int64
}

// Decode unmarshals the record value into v.
func (r Record) Decode(v any) error {
	return codec.Unmarshal(r.Value, v)
}

// Reader is the read side shared by Store and Tx.
type Reader interface {
	Get(ctx context.Context, c Collection, key string, dst any) (bool, error)
	All(ctx context.Context, c Collection) ([]Record, error)
	GetAllByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error)
}

// Store is the SQLite-backed durable store. A single connection serializes
// every read and write, which gives each collection the exclusive access
// the sync engine relies on.
//
// A degraded Store (see OpenOrDegrade) reports every read as absent and
// fails every write with STORAGE_UNAVAILABLE.
type Store struct {
	db       *sql.DB
	clock    clock.Clock
	log      *logging.Logger
	degraded error
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if needed) the store database inside dataDir.
func Open(dataDir string, opts ...Option) (*Store, error) {
	s := newStore(opts)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "fieldsync.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open database", err)
	}

	// SQLite has a single writer; one connection also serializes readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "initialize schema", err)
	}

	s.db = db
	s.log.Debug("Store opened", map[string]interface{}{"path": dbPath})
	return s, nil
}

// OpenOrDegrade opens the store, falling back to a degraded Store when the
// database cannot be opened (quota exceeded, corrupted file). It never
// returns nil.
func OpenOrDegrade(dataDir string, opts ...Option) *Store {
	s, err := Open(dataDir, opts...)
	if err == nil {
		return s
	}

	d := newStore(opts)
	d.degraded = err
	d.log.ErrorWithCode("Store unavailable, running degraded", string(apperrors.ErrStorageUnavailable), err,
		map[string]interface{}{"data_dir": dataDir})
	return d
}

func newStore(opts []Option) *Store {
	s := &Store{
		clock: clock.Real(),
		log:   logging.Get().Named("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Degraded returns the open error when the store is running degraded.
func (s *Store) Degraded() error {
	return s.degraded
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) unavailable(op string) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, s.degraded)
}

// Update runs fn inside a write transaction. Every write made through tx
// commits together or not at all.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if s.degraded != nil {
		return s.unavailable("update")
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "begin transaction", err)
	}

	tx := &Tx{q: sqlTx, now: func() int64 { return clock.NowMillis(s.clock) }}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.log.Error("Rollback failed", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "commit transaction", err)
	}
	return nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, c Collection, key string, value any) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Put(ctx, c, key, value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, c Collection, key string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, c, key)
	})
}

// Clear removes every record of the given collections atomically. With no
// arguments every collection is cleared (logout).
func (s *Store) Clear(ctx context.Context, collections ...Collection) error {
	if len(collections) == 0 {
		collections = Collections()
	}
	return s.Update(ctx, func(tx *Tx) error {
		for _, c := range collections {
			if err := tx.Clear(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get decodes the value stored under key into dst. It reports false when
// the key is absent or the store is degraded.
func (s *Store) Get(ctx context.Context, c Collection, key string, dst any) (bool, error) {
	if s.degraded != nil {
		return false, nil
	}
	return get(ctx, s.db, c, key, dst)
}

// All returns every record of c in insertion order.
func (s *Store) All(ctx context.Context, c Collection) ([]Record, error) {
	if s.degraded != nil {
		return nil, nil
	}
	return all(ctx, s.db, c)
}

// GetAllByIndex returns the records of c whose index equals value, in
// insertion order.
func (s *Store) GetAllByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error) {
	if s.degraded != nil {
		return nil, nil
	}
	return byIndex(ctx, s.db, c, index, value)
}

// CountByIndex counts the records of c whose index equals value.
func (s *Store) CountByIndex(ctx context.Context, c Collection, index, value string) (int, error) {
	if s.degraded != nil {
		return 0, nil
	}
	if err := checkIndex(c, index); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM record_indexes WHERE collection = ? AND index_name = ? AND index_value = ?`,
		string(c), index, value).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStorage, "count by index", err)
	}
	return n, nil
}

// Count returns the number of records in c.
func (s *Store) Count(ctx context.Context, c Collection) (int, error) {
	if s.degraded != nil {
		return 0, nil
	}
	if err := checkCollection(c); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, string(c)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStorage, "count", err)
	}
	return n, nil
}

// AllOf decodes every record of c into a slice of T.
func AllOf[T any](ctx context.Context, r Reader, c Collection) ([]T, error) {
	records, err := r.All(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](records)
}

// AllByIndex decodes the records of c whose index equals value.
func AllByIndex[T any](ctx context.Context, r Reader, c Collection, index, value string) ([]T, error) {
	records, err := r.GetAllByIndex(ctx, c, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](records)
}

func decodeAll[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("decode record %s", rec.Key), err)
		}
		out = append(out, v)
	}
	return out, nil
}

func checkCollection(c Collection) error {
	if _, ok := schemaIndexes[c]; !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", c))
	}
	return nil
}

func checkIndex(c Collection, index string) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	for _, name := range schemaIndexes[c] {
		if name == index {
			return nil
		}
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("collection %q has no index %q", c, index))
}
