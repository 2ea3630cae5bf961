// Package sync drains the mutation queue against the remote API, applying
// retry backoff and server-wins conflict resolution.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/remote"
)

// Sender delivers one mutation to the remote sync endpoint. It must be
// safe for concurrent use when the engine runs with Concurrency > 1.
type Sender interface {
	Send(ctx context.Context, r remote.SyncRequest) (remote.SyncResponse, error)
}

// PassOptions parameterize one sync pass.
type PassOptions struct {
	// Force bypasses data-saver deferral (user-initiated sync).
	Force bool

	// Network is the current connectivity classification.
	Network models.NetworkType
}

// Syncer is the engine surface used by the lifecycle manager.
type Syncer interface {
	// Sync runs one pass. A pass already in flight makes this return
	// SYNC_IN_PROGRESS without doing anything.
	Sync(ctx context.Context, opts PassOptions) (*SyncResult, error)

	// Status returns the engine state.
	Status() SyncStatus

	// LastSync returns the end time of the last pass that completed
	// without a local storage error.
	LastSync() *time.Time

	// LastError returns the error of the last pass, if any.
	LastError() error

	// Stats returns cumulative counters over every pass.
	Stats() Stats

	// NextRetry returns the earliest retry deadline of a failed mutation.
	NextRetry(ctx context.Context) (*time.Time, error)
}

// SyncEventHandler receives engine notifications. Handlers are called
// synchronously from the pass and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }
