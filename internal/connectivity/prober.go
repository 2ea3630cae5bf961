// Package connectivity derives online/offline transitions from periodic
// health probes, for hosts that have no platform connectivity signal.
package connectivity

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/clock"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Event is a connectivity transition.
type Event struct {
	Online  bool
	Network models.NetworkType
	At      time.Time
}

// Checker probes the remote. remote.Client implements it.
type Checker interface {
	Health(ctx context.Context) error
}

// Prober polls a Checker and reports transitions.
type Prober struct {
	checker   Checker
	clock     clock.Clock
	log       *logging.Logger
	interval  time.Duration
	timeout   time.Duration
	threshold int
	network   models.NetworkType
}

// Option configures a Prober.
type Option func(*Prober)

// WithClock sets the clock driving the probe ticker.
func WithClock(c clock.Clock) Option {
	return func(p *Prober) { p.clock = c }
}

// WithLogger sets the prober logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Prober) { p.log = l }
}

// WithInterval sets the time between probes.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) { p.interval = d }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithFailureThreshold sets how many consecutive failed probes turn an
// online state offline.
func WithFailureThreshold(n int) Option {
	return func(p *Prober) { p.threshold = n }
}

// WithNetwork sets the classification reported with online events.
func WithNetwork(n models.NetworkType) Option {
	return func(p *Prober) { p.network = n }
}

// NewProber creates a Prober. Defaults: 30s interval, 5s timeout,
// threshold 2, unknown network.
func NewProber(c Checker, opts ...Option) *Prober {
	p := &Prober{
		checker:   c,
		clock:     clock.Real(),
		log:       logging.Get().Named("connectivity"),
		interval:  30 * time.Second,
		timeout:   5 * time.Second,
		threshold: 2,
		network:   models.NetworkUnknown,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.threshold < 1 {
		p.threshold = 1
	}
	return p
}

// Check runs one probe.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.checker.Health(ctx) == nil
}

// Run probes immediately and then every interval until ctx is done. The
// first result is always delivered; after that only transitions are. The
// returned channel is closed when Run stops.
func (p *Prober) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, 1)

	go func() {
		defer close(events)

		online := p.Check(ctx)
		if !p.emit(ctx, events, online) {
			return
		}

		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			healthy := p.Check(ctx)
			if healthy {
				if failures > 0 {
					p.log.Debug("Health probe recovered", map[string]interface{}{"previous_failures": failures})
				}
				failures = 0
				if !online {
					online = true
					if !p.emit(ctx, events, true) {
						return
					}
				}
				continue
			}

			if !online {
				continue
			}
			failures++
			p.log.Debug("Health probe failed", map[string]interface{}{
				"consecutive_failures": failures,
				"threshold":            p.threshold,
			})
			if failures >= p.threshold {
				online = false
				failures = 0
				if !p.emit(ctx, events, false) {
					return
				}
			}
		}
	}()

	return events
}

func (p *Prober) emit(ctx context.Context, events chan<- Event, online bool) bool {
	ev := Event{Online: online, Network: models.NetworkNone, At: p.clock.Now()}
	if online {
		ev.Network = p.network
	}
	p.log.Info("Connectivity changed", map[string]interface{}{"online": online, "network": string(ev.Network)})
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
