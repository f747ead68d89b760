// Package db provides repository interfaces for the sync core's data models.
package db

import (
	"context"

	"github.com/quizapp/offlinesync/internal/models"
)

// OperationQueue defines the queue persistence both sync engines depend on.
// This interface allows in-memory fakes in engine tests.
type OperationQueue interface {
	Table() string
	Insert(ctx context.Context, op *models.QueuedOperation) error
	Get(ctx context.Context, operationID string) (*models.QueuedOperation, error)
	ListDispatchable(ctx context.Context, maxRetries int, now int64, byPriority bool) ([]*models.QueuedOperation, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.QueuedOperation, error)
	NextRetryAt(ctx context.Context, maxRetries int, now int64) (int64, error)
	Statuses(ctx context.Context, ids []string) (map[string]models.Status, error)
	MarkSynced(ctx context.Context, operationID string, now int64) error
	RecordFailure(ctx context.Context, operationID string, retryCount int, status models.Status, lastError string, nextRetryAt, now int64) error
	ResetFailed(ctx context.Context, now int64) (int64, error)
	Counts(ctx context.Context) (map[models.Status]int, error)
	DeleteSyncedBefore(ctx context.Context, cutoff int64) (int64, error)
}

// EntityStore defines generic entity persistence used by the entity manager
// and the conflict resolution service.
type EntityStore interface {
	Upsert(ctx context.Context, e *models.SyncableEntity) error
	Get(ctx context.Context, kind models.EntityKind, id string) (*models.SyncableEntity, error)
	List(ctx context.Context, kind models.EntityKind, userID string) ([]*models.SyncableEntity, error)
	SetSyncStatus(ctx context.Context, kind models.EntityKind, id string, status models.Status) error
}

// RecordStore defines persistence of server-owned cached records.
type RecordStore interface {
	HasTable(kind models.EntityKind) bool
	Upsert(ctx context.Context, kind models.EntityKind, rec *Record) error
	Get(ctx context.Context, kind models.EntityKind, id string) (*Record, error)
}

// Ensure the concrete repositories implement the interfaces at compile time.
var (
	_ OperationQueue = (*QueueRepository)(nil)
	_ EntityStore    = (*EntityRepository)(nil)
	_ RecordStore    = (*DomainRepository)(nil)
)
