package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
)

// QueueRepository persists queued operations in one queue table.
type QueueRepository struct {
	store *Store
	table string
}

// NewQueueRepository creates a repository over sync_queue or optimized_sync_queue.
func NewQueueRepository(store *Store, table string) (*QueueRepository, error) {
	switch table {
	case models.QueuedOperation{}.TableName(), models.QueuedOperation{}.OptimizedTableName():
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown queue table %q", table))
	}
	return &QueueRepository{store: store, table: table}, nil
}

// Table returns the backing table name.
func (r *QueueRepository) Table() string {
	return r.table
}

const queueColumns = `operation_id, entity, entity_id, type, payload, timestamp, retry_count,
	status, version, last_error, priority, estimated_size, dependencies, next_retry_at, updated_at`

// Insert stores a new operation.
func (r *QueueRepository) Insert(ctx context.Context, op *models.QueuedOperation) error {
	deps, err := json.Marshal(nonNil(op.Dependencies))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to marshal dependencies", err)
	}
	payload := string(op.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := `INSERT INTO ` + r.table + ` (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.store.ExecuteUpdate(ctx, query,
		op.OperationID, string(op.Entity), op.EntityID, string(op.Type), payload,
		op.Timestamp, op.RetryCount, string(op.Status), op.Version, op.LastError,
		int(op.Priority), op.EstimatedSize, string(deps), op.NextRetryAt, op.UpdatedAt,
	)
	return err
}

// Get returns one operation, or a NOT_FOUND error.
func (r *QueueRepository) Get(ctx context.Context, operationID string) (*models.QueuedOperation, error) {
	row, err := r.store.queryRow(ctx, `SELECT `+queueColumns+` FROM `+r.table+` WHERE operation_id = ?`, operationID)
	if err != nil {
		return nil, err
	}
	op, err := scanOperation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", operationID))
	}
	return op, err
}

// ListDispatchable returns PENDING operations below maxRetries whose backoff
// has elapsed at now. With byPriority the order is priority desc then
// timestamp asc, otherwise pure FIFO.
func (r *QueueRepository) ListDispatchable(ctx context.Context, maxRetries int, now int64, byPriority bool) ([]*models.QueuedOperation, error) {
	order := "timestamp ASC, operation_id ASC"
	if byPriority {
		order = "priority DESC, timestamp ASC, operation_id ASC"
	}
	query := `SELECT ` + queueColumns + ` FROM ` + r.table + `
		WHERE status = ? AND retry_count < ? AND next_retry_at <= ?
		ORDER BY ` + order
	return r.list(ctx, query, string(models.StatusPending), maxRetries, now)
}

// ListByStatus returns operations with the given status, oldest first.
func (r *QueueRepository) ListByStatus(ctx context.Context, status models.Status) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM ` + r.table + ` WHERE status = ? ORDER BY timestamp ASC`
	return r.list(ctx, query, string(status))
}

// NextRetryAt returns the earliest backoff deadline among waiting PENDING
// operations, or 0 when none is waiting.
func (r *QueueRepository) NextRetryAt(ctx context.Context, maxRetries int, now int64) (int64, error) {
	row, err := r.store.queryRow(ctx, `SELECT COALESCE(MIN(next_retry_at), 0) FROM `+r.table+`
		WHERE status = ? AND retry_count < ? AND next_retry_at > ?`, string(models.StatusPending), maxRetries, now)
	if err != nil {
		return 0, err
	}
	var at int64
	if err := row.Scan(&at); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read next retry", err)
	}
	return at, nil
}

// Statuses returns the status of each listed operation that still exists.
func (r *QueueRepository) Statuses(ctx context.Context, ids []string) (map[string]models.Status, error) {
	out := make(map[string]models.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	// Variable arity, so this query bypasses the statement cache.
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT operation_id, status FROM `+r.table+` WHERE operation_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan status", err)
		}
		out[id] = models.Status(status)
	}
	return out, rows.Err()
}

// MarkSynced moves a PENDING operation to SYNCED.
func (r *QueueRepository) MarkSynced(ctx context.Context, operationID string, now int64) error {
	_, err := r.store.ExecuteUpdate(ctx, `UPDATE `+r.table+`
		SET status = ?, last_error = '', next_retry_at = 0, updated_at = ?
		WHERE operation_id = ? AND status = ?`,
		string(models.StatusSynced), now, operationID, string(models.StatusPending))
	return err
}

// RecordFailure persists retry bookkeeping for a PENDING operation.
// status is PENDING for a scheduled retry or a terminal failure status.
func (r *QueueRepository) RecordFailure(ctx context.Context, operationID string, retryCount int, status models.Status, lastError string, nextRetryAt, now int64) error {
	_, err := r.store.ExecuteUpdate(ctx, `UPDATE `+r.table+`
		SET retry_count = ?, status = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE operation_id = ? AND status = ?`,
		retryCount, string(status), lastError, nextRetryAt, now, operationID, string(models.StatusPending))
	return err
}

// ResetFailed returns every FAILED and AUTH_EXPIRED operation to PENDING with
// a zero retry count.
func (r *QueueRepository) ResetFailed(ctx context.Context, now int64) (int64, error) {
	res, err := r.store.ExecuteUpdate(ctx, `UPDATE `+r.table+`
		SET status = ?, retry_count = 0, next_retry_at = 0, updated_at = ?
		WHERE status IN (?, ?)`,
		string(models.StatusPending), now, string(models.StatusFailed), string(models.StatusAuthExpired))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// Counts returns the number of operations per status.
func (r *QueueRepository) Counts(ctx context.Context) (map[models.Status]int, error) {
	rows, err := r.store.query(ctx, `SELECT status, COUNT(*) FROM `+r.table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan count", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// DeleteSyncedBefore removes SYNCED operations last touched before cutoff.
func (r *QueueRepository) DeleteSyncedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.store.ExecuteUpdate(ctx, `DELETE FROM `+r.table+` WHERE status = ? AND updated_at < ?`,
		string(models.StatusSynced), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func (r *QueueRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedOperation, error) {
	rows, err := r.store.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate operations", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*models.QueuedOperation, error) {
	var (
		op                     models.QueuedOperation
		entity, opType, status string
		payload, deps          string
		priority               int
	)
	err := s.Scan(&op.OperationID, &entity, &op.EntityID, &opType, &payload, &op.Timestamp,
		&op.RetryCount, &status, &op.Version, &op.LastError, &priority, &op.EstimatedSize,
		&deps, &op.NextRetryAt, &op.UpdatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan operation", err)
	}
	op.Entity = models.EntityKind(entity)
	op.Type = models.OperationType(opType)
	op.Status = models.Status(status)
	op.Priority = models.Priority(priority)
	op.Payload = json.RawMessage(payload)
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &op.Dependencies); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to decode dependencies", err)
		}
	}
	if len(op.Dependencies) == 0 {
		op.Dependencies = nil
	}
	return &op, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
