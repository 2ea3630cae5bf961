// Package app assembles the sync core from configuration.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/kimhsiao/fieldsync/internal/attendance"
	"github.com/kimhsiao/fieldsync/internal/clock"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/connectivity"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/realtime"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/store"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/backoff"
	"github.com/kimhsiao/fieldsync/internal/sync/blobstore"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/s3"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

// App holds every component of a running sync core.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Blobs      *blobstore.Store
	Queue      *queue.Queue
	Remote     *remote.Client
	Resolver   *conflict.Resolver
	Engine     *syncpkg.SyncEngine
	Photos     *photo.Pipeline
	Manager    *scheduler.Manager
	Attendance *attendance.Service
	Prober     *connectivity.Prober
	// Realtime is nil when realtime is disabled.
	Realtime *realtime.Client

	clock     clock.Clock
	log       *logging.Logger
	transport photo.Transport
}

// Option configures an App.
type Option func(*App)

// WithClock replaces the clock of every component.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLogger sets the root logger; components log under named children.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithPhotoTransport overrides the configured photo transport.
func WithPhotoTransport(t photo.Transport) Option {
	return func(a *App) { a.transport = t }
}

// New builds the components described by cfg. A store that cannot be
// opened leaves the app running degraded rather than failing.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}

	a := &App{Config: cfg, clock: clock.Real(), log: logging.Get()}
	for _, opt := range opts {
		opt(a)
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "create data directory", err)
	}
	a.Store = store.OpenOrDegrade(cfg.Store.DataDir,
		store.WithClock(a.clock), store.WithLogger(a.log.Named("store")))
	a.Blobs = blobstore.New(cfg.Store.BlobDir)

	a.Queue = queue.New(a.Store, queue.WithClock(a.clock), queue.WithLogger(a.log.Named("queue")))
	a.Remote = remote.NewClient(cfg.Remote.BaseURL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(a.log.Named("remote")))
	a.Resolver = conflict.NewResolver(a.Store, a.clock, a.log.Named("conflict"))
	a.Engine = syncpkg.NewSyncEngine(a.Queue, a.Remote, a.Resolver,
		syncpkg.WithClock(a.clock),
		syncpkg.WithLogger(a.log.Named("sync")),
		syncpkg.WithConfig(cfg.EngineConfig()))

	if a.transport == nil {
		t, err := a.photoTransport()
		if err != nil {
			a.Store.Close()
			return nil, err
		}
		a.transport = t
	}
	a.Photos = photo.NewPipeline(a.Store, a.Blobs, a.Queue, a.transport,
		photo.WithClock(a.clock),
		photo.WithLogger(a.log.Named("photo")),
		photo.WithConfig(cfg.PhotoConfig()))

	a.Manager = scheduler.NewManager(a.Engine, a.Photos, a.Queue,
		scheduler.WithClock(a.clock),
		scheduler.WithLogger(a.log.Named("scheduler")),
		scheduler.WithConfig(cfg.ManagerConfig()))

	a.Attendance = attendance.NewService(a.Store, a.Queue,
		attendance.WithClock(a.clock),
		attendance.WithLogger(a.log.Named("attendance")),
		attendance.WithWindow(cfg.CheckInWindow()))

	a.Prober = connectivity.NewProber(a.Remote,
		connectivity.WithClock(a.clock),
		connectivity.WithLogger(a.log.Named("connectivity")),
		connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
		connectivity.WithTimeout(cfg.Connectivity.ProbeTimeout),
		connectivity.WithNetwork(models.NetworkType(cfg.Connectivity.Network)))

	if cfg.Realtime.Enabled {
		a.Realtime = realtime.NewClient(cfg.RealtimeURL(),
			realtime.WithClock(a.clock),
			realtime.WithLogger(a.log.Named("realtime")),
			realtime.WithToken(cfg.Remote.Token),
			realtime.WithBackoff(backoff.Policy{
				Base:   cfg.Realtime.ReconnectBase,
				Max:    cfg.Realtime.ReconnectMax,
				Jitter: 0.3,
			}))
	}

	return a, nil
}

func (a *App) photoTransport() (photo.Transport, error) {
	switch a.Config.Photos.Transport {
	case config.TransportS3:
		t, err := s3.NewMinIOTransport(a.Config.ObjectStore, a.log.Named("s3"))
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportRemote, "":
		return a.Remote, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown photo transport %q", a.Config.Photos.Transport))
}

// Run starts background sync driven by the health prober and, when
// enabled, the realtime subscription. It blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if t, ok := a.transport.(*s3.MinIOTransport); ok {
		if err := t.EnsureBucket(ctx); err != nil {
			a.log.Warn("Photo bucket not ready", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := a.Manager.Start(ctx); err != nil {
		return err
	}
	defer a.Manager.Stop()

	a.Manager.Watch(ctx, a.Prober.Run(ctx))

	if a.Realtime != nil {
		events, err := a.Realtime.Subscribe(ctx)
		if err != nil {
			return err
		}
		applier := realtime.NewCacheApplier(a.Store, a.log.Named("realtime"))
		go applier.Run(ctx, events, func(ev realtime.Event) {
			if ev.Type == realtime.EventSOSAlert {
				a.log.Warn("SOS alert received", map[string]interface{}{"data": ev.Data})
			}
		})
	}

	a.log.Info("Sync core running", map[string]interface{}{
		"remote":    a.Config.Remote.BaseURL,
		"transport": a.Config.Photos.Transport,
		"realtime":  a.Realtime != nil,
	})
	<-ctx.Done()
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
