// Package scheduler drives sync passes from connectivity transitions, a
// periodic timer and explicit triggers.
package scheduler

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	"github.com/kimhsiao/fieldsync/internal/connectivity"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// DefaultSyncInterval is how often both passes run while online.
const DefaultSyncInterval = 5 * time.Minute

// PhotoSyncer is the photo pipeline surface used by the manager.
type PhotoSyncer interface {
	SyncPhotoUploads(ctx context.Context) (*photo.PassResult, error)
	Status(ctx context.Context) (photo.StatusCounts, error)
}

// Config holds manager settings.
type Config struct {
	// SyncInterval is the periodic pass interval while online.
	SyncInterval time.Duration

	// SyncOnEnqueue triggers a cycle whenever a mutation is queued. The
	// timer and online transitions drain the queue without it.
	SyncOnEnqueue bool

	// DataSaver skips the photo pass on metered networks unless forced.
	DataSaver bool

	// CycleTimeout bounds one engine pass plus one photo pass.
	CycleTimeout time.Duration
}

// DefaultConfig returns a 5 minute interval with the enqueue trigger on.
func DefaultConfig() Config {
	return Config{
		SyncInterval:  DefaultSyncInterval,
		SyncOnEnqueue: true,
		CycleTimeout:  5 * time.Minute,
	}
}

// CycleResult is the outcome of one engine pass followed by one photo pass.
type CycleResult struct {
	Mutations *syncpkg.SyncResult `json:"mutations,omitempty"`
	Photos    *photo.PassResult   `json:"photos,omitempty"`
	// PhotosDeferred is set when data-saver mode skipped the photo pass.
	PhotosDeferred bool   `json:"photosDeferred,omitempty"`
	PhotoError     string `json:"photoError,omitempty"`
}

// SyncStatus is the read-only status snapshot polled by the UI.
type SyncStatus struct {
	Pending    int                `json:"pending"`
	Syncing    int                `json:"syncing"`
	Failed     int                `json:"failed"`
	NextRetry  *time.Time         `json:"nextRetry,omitempty"`
	LastSync   *time.Time         `json:"lastSync,omitempty"`
	Online     bool               `json:"online"`
	Network    models.NetworkType `json:"network"`
	InProgress bool               `json:"inProgress"`
}

// Manager owns the sync lifecycle.
type Manager struct {
	engine syncpkg.Syncer
	photos PhotoSyncer
	queue  *queue.Queue
	clock  clock.Clock
	log    *logging.Logger
	cfg    Config

	mu         gosync.RWMutex
	running    bool
	online     bool
	network    models.NetworkType
	lastSync   *time.Time
	lastResult *CycleResult
	cancel     context.CancelFunc

	cycling atomic.Bool
	trigger chan struct{}
	wg      gosync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving the periodic timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithConfig replaces the default configuration. A zero SyncInterval or
// CycleTimeout keeps its default.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		def := DefaultConfig()
		if cfg.SyncInterval <= 0 {
			cfg.SyncInterval = def.SyncInterval
		}
		if cfg.CycleTimeout <= 0 {
			cfg.CycleTimeout = def.CycleTimeout
		}
		m.cfg = cfg
	}
}

// NewManager creates a Manager. photos may be nil when no photo pipeline
// is configured. The manager starts offline.
func NewManager(engine syncpkg.Syncer, photos PhotoSyncer, q *queue.Queue, opts ...Option) *Manager {
	m := &Manager{
		engine:  engine,
		photos:  photos,
		queue:   q,
		clock:   clock.Real(),
		log:     logging.Get().Named("scheduler"),
		cfg:     DefaultConfig(),
		network: models.NetworkNone,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start recovers mutations left syncing by a previous run and starts the
// background loop. Starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	recovered, err := m.queue.Recover(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, "recover mutation queue", err)
	}
	if recovered > 0 {
		m.log.Info("Recovered interrupted mutations", map[string]interface{}{"count": recovered})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	if m.cfg.SyncOnEnqueue {
		m.queue.SetOnEnqueue(func() { m.TriggerSync() })
	}

	// The ticker is created before Start returns so a test clock sees it.
	ticker := m.clock.NewTicker(m.cfg.SyncInterval)
	m.wg.Add(1)
	go m.loop(loopCtx, ticker)

	if m.online {
		m.TriggerSync()
	}

	m.log.Info("Sync manager started", map[string]interface{}{
		"interval":        m.cfg.SyncInterval.String(),
		"sync_on_enqueue": m.cfg.SyncOnEnqueue,
	})
	return nil
}

// Stop stops the background loop and waits for an in-flight cycle to
// finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	m.queue.SetOnEnqueue(nil)
	cancel()
	m.wg.Wait()

	m.log.Info("Sync manager stopped", nil)
}

// IsRunning reports whether the background loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// IsOnline reports the last connectivity state.
func (m *Manager) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnlineStatus records connectivity. A transition to online triggers a
// cycle.
func (m *Manager) SetOnlineStatus(online bool, network models.NetworkType) {
	if !online {
		network = models.NetworkNone
	} else if network == "" || network == models.NetworkNone {
		network = models.NetworkUnknown
	}

	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.network = network
	m.mu.Unlock()

	if wasOnline != online {
		m.log.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  online,
			"network":    string(network),
		})
	}
	if online && !wasOnline {
		m.TriggerSync()
	}
}

// Watch applies connectivity events until ctx is done or events closes.
func (m *Manager) Watch(ctx context.Context, events <-chan connectivity.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.SetOnlineStatus(ev.Online, ev.Network)
			}
		}
	}()
}

// TriggerSync asks the background loop for a cycle without waiting. It
// returns false when a trigger is already pending or a cycle is running;
// a trigger during a cycle is dropped, not queued. Triggers are ignored
// while offline or stopped.
func (m *Manager) TriggerSync() bool {
	if m.cycling.Load() {
		return false
	}
	select {
	case m.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) loop(ctx context.Context, ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.background(ctx, "timer")
		case <-m.trigger:
			m.background(ctx, "trigger")
		}
	}
}

func (m *Manager) background(ctx context.Context, reason string) {
	if !m.IsOnline() {
		m.log.Debug("Skipping sync while offline", map[string]interface{}{"reason": reason})
		return
	}
	if _, err := m.runCycle(ctx, false); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			m.log.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
			return
		}
		m.log.ErrorWithCode("Background sync failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
	}
}

// SyncNow runs one cycle and waits for it. force bypasses data-saver
// deferral. It fails with NETWORK_ERROR while offline and with
// SYNC_IN_PROGRESS when a cycle is already running.
func (m *Manager) SyncNow(ctx context.Context, force bool) (*CycleResult, error) {
	if !m.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetwork, "device is offline")
	}
	return m.runCycle(ctx, force)
}

// runCycle runs one engine pass, then one photo pass, then records the
// sync time. A local storage failure in either pass aborts the cycle.
func (m *Manager) runCycle(ctx context.Context, force bool) (*CycleResult, error) {
	if !m.cycling.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer m.cycling.Store(false)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CycleTimeout)
	defer cancel()

	m.mu.RLock()
	network := m.network
	m.mu.RUnlock()

	result := &CycleResult{}
	mr, err := m.engine.Sync(ctx, syncpkg.PassOptions{Force: force, Network: network})
	result.Mutations = mr
	if err != nil {
		return result, err
	}

	if m.photos != nil {
		if m.cfg.DataSaver && network.Metered() && !force {
			result.PhotosDeferred = true
			m.log.Debug("Photo pass deferred by data saver", map[string]interface{}{"network": string(network)})
		} else {
			pr, err := m.photos.SyncPhotoUploads(ctx)
			result.Photos = pr
			switch {
			case err == nil:
			case apperrors.IsLocalStorage(err):
				return result, err
			default:
				result.PhotoError = err.Error()
				m.log.Warn("Photo pass did not run", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.lastSync = &now
	m.lastResult = result
	m.mu.Unlock()
	return result, nil
}

// LastResult returns the outcome of the last completed cycle.
func (m *Manager) LastResult() *CycleResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastResult
}

// GetSyncStatus returns a snapshot of queue and manager state. It never
// starts a sync. A degraded store is reported as LOCAL_STORAGE_ERROR rather
// than as an empty queue.
func (m *Manager) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	if err := m.queue.Degraded(); err != nil {
		return SyncStatus{}, apperrors.Wrap(apperrors.ErrLocalStorage, "mutation queue unavailable", err)
	}
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	next, err := m.engine.NextRetry(ctx)
	if err != nil {
		return SyncStatus{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	status := SyncStatus{
		Pending:    counts.Pending,
		Syncing:    counts.Syncing,
		Failed:     counts.Failed,
		NextRetry:  next,
		Online:     m.online,
		Network:    m.network,
		InProgress: m.cycling.Load(),
	}
	if m.lastSync != nil {
		t := *m.lastSync
		status.LastSync = &t
	}
	return status, nil
}

// GetPendingCount returns the number of mutations waiting for their first
// or next attempt.
func (m *Manager) GetPendingCount(ctx context.Context) (int, error) {
	if err := m.queue.Degraded(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStorage, "mutation queue unavailable", err)
	}
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return counts.Pending, nil
}

// GetQueuedPhotosStatus returns photo counts per status.
func (m *Manager) GetQueuedPhotosStatus(ctx context.Context) (photo.StatusCounts, error) {
	if m.photos == nil {
		return photo.StatusCounts{}, nil
	}
	return m.photos.Status(ctx)
}
