// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/quizapp/offlinesync/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Enqueue persists a new PENDING operation.
	Enqueue(ctx context.Context, entity models.EntityKind, entityID string, opType models.OperationType, payload interface{}, opts ...EnqueueOption) (*models.QueuedOperation, error)

	// Run performs one sync pass. A pass requested while offline or while
	// another pass is in flight is skipped and reported in the result.
	Run(ctx context.Context, trigger Trigger) (*SyncResult, error)

	// Sync performs a manually requested sync pass.
	Sync(ctx context.Context) (*SyncResult, error)

	// RetryFailed returns FAILED and AUTH_EXPIRED operations to PENDING.
	RetryFailed(ctx context.Context) (int64, error)

	// Housekeep garbage-collects the queue and expires stale conflicts.
	Housekeep(ctx context.Context) (*HousekeepingReport, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the read model the UI renders.
	Status(ctx context.Context) models.SyncStatus

	// Interval returns the current periodic sync interval.
	Interval() time.Duration

	// LastError returns the last error that occurred during sync.
	LastError() error

	// Start arms timers and subscribes to the network monitor.
	Start(ctx context.Context)

	// Stop disarms timers and waits for background passes.
	Stop()
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted         SyncEventType = "sync_started"
	SyncEventCompleted       SyncEventType = "sync_completed"
	SyncEventFailed          SyncEventType = "sync_failed"
	SyncEventSkipped         SyncEventType = "sync_skipped"
	SyncEventOperationSynced SyncEventType = "operation_synced"
	SyncEventOperationFailed SyncEventType = "operation_failed"
	SyncEventConflict        SyncEventType = "conflict"
	SyncEventNetwork         SyncEventType = "network_changed"
)

// SyncEvent is a single sync notification.
type SyncEvent struct {
	Type        SyncEventType        `json:"type"`
	Timestamp   time.Time            `json:"timestamp"`
	Message     string               `json:"message,omitempty"`
	OperationID string               `json:"operationId,omitempty"`
	Entity      models.EntityKind    `json:"entity,omitempty"`
	Status      models.Status        `json:"status,omitempty"`
	Result      *SyncResult          `json:"result,omitempty"`
	Network     *models.NetworkEvent `json:"network,omitempty"`
}

// Ensure Engine implements SyncEngineInterface at compile time.
var _ SyncEngineInterface = (*Engine)(nil)
