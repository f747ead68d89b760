// Package queue applies retry and retention policy on top of a durable
// operation queue table.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/models"
	"github.com/quizapp/offlinesync/internal/uuid"
)

// DefaultRetryDelays is the backoff ladder; the last value repeats.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Policy holds retry and retention limits.
type Policy struct {
	MaxRetries  int
	RetryDelays []time.Duration
	Retention   time.Duration
	// ByPriority orders dispatch by priority then timestamp; otherwise FIFO.
	ByPriority bool
}

// DefaultPolicy returns the baseline limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  5,
		RetryDelays: DefaultRetryDelays,
		Retention:   24 * time.Hour,
	}
}

// Outcome describes what a failed attempt did to an operation.
type Outcome struct {
	Status      models.Status
	RetryCount  int
	NextRetryAt int64
	Delay       time.Duration
}

// Stats is a per-status count of the queue.
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Synced      int `json:"synced"`
	Failed      int `json:"failed"`
	AuthExpired int `json:"authExpired"`
}

// Queue manages one operation table.
type Queue struct {
	repo   db.OperationQueue
	policy Policy
	log    *logging.Logger
	now    func() time.Time
}

// New creates a Queue over repo.
func New(repo db.OperationQueue, policy Policy) *Queue {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultPolicy().MaxRetries
	}
	if len(policy.RetryDelays) == 0 {
		policy.RetryDelays = DefaultRetryDelays
	}
	if policy.Retention <= 0 {
		policy.Retention = DefaultPolicy().Retention
	}
	return &Queue{
		repo:   repo,
		policy: policy,
		log:    logging.Named("queue").With("table", repo.Table()),
		now:    time.Now,
	}
}

// Policy returns the effective policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Table returns the backing table name.
func (q *Queue) Table() string {
	return q.repo.Table()
}

// Enqueue fills in identity and bookkeeping fields and persists op.
func (q *Queue) Enqueue(ctx context.Context, op *models.QueuedOperation) error {
	if op.Entity == "" || op.Type == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation needs an entity and a type")
	}
	now := q.now()
	if op.Timestamp == 0 {
		op.Timestamp = now.UnixMilli()
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewOperationID(string(op.Entity), string(op.Type), op.TimestampTime())
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage("{}")
	}
	if op.EstimatedSize == 0 {
		op.EstimatedSize = EstimateSize(op)
	}
	if op.Version == 0 {
		op.Version = 1
	}
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.NextRetryAt = 0
	op.UpdatedAt = now.UnixMilli()

	if err := q.repo.Insert(ctx, op); err != nil {
		return err
	}
	q.log.Debug("operation enqueued", map[string]interface{}{
		"operation_id": op.OperationID,
		"entity":       string(op.Entity),
		"type":         string(op.Type),
		"priority":     op.Priority.String(),
	})
	return nil
}

// Dispatchable returns PENDING operations ready at now, in dispatch order.
func (q *Queue) Dispatchable(ctx context.Context) ([]*models.QueuedOperation, error) {
	return q.repo.ListDispatchable(ctx, q.policy.MaxRetries, q.now().UnixMilli(), q.policy.ByPriority)
}

// Unsatisfied returns the dependencies of op that have not reached SYNCED.
// A dependency no longer in the table was garbage-collected after syncing.
func (q *Queue) Unsatisfied(ctx context.Context, op *models.QueuedOperation) ([]string, error) {
	if len(op.Dependencies) == 0 {
		return nil, nil
	}
	statuses, err := q.repo.Statuses(ctx, op.Dependencies)
	if err != nil {
		return nil, err
	}
	var waiting []string
	for _, id := range op.Dependencies {
		if s, ok := statuses[id]; ok && s != models.StatusSynced {
			waiting = append(waiting, id)
		}
	}
	return waiting, nil
}

// Complete marks an operation SYNCED.
func (q *Queue) Complete(ctx context.Context, operationID string) error {
	return q.repo.MarkSynced(ctx, operationID, q.now().UnixMilli())
}

// Failed records a failed attempt. The operation becomes FAILED once the
// retry count reaches MaxRetries and AUTH_EXPIRED when the cause is an
// unrecoverable 401; otherwise it stays PENDING with a backoff deadline.
func (q *Queue) Failed(ctx context.Context, op *models.QueuedOperation, cause error) (Outcome, error) {
	now := q.now()
	out := Outcome{Status: models.StatusPending, RetryCount: op.RetryCount + 1}

	switch {
	case apperrors.Is(cause, apperrors.ErrSyncAuthExpired):
		out.Status = models.StatusAuthExpired
	case out.RetryCount >= q.policy.MaxRetries:
		out.Status = models.StatusFailed
	default:
		out.Delay = calculateBackoff(out.RetryCount, q.policy.RetryDelays)
		out.NextRetryAt = now.Add(out.Delay).UnixMilli()
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.repo.RecordFailure(ctx, op.OperationID, out.RetryCount, out.Status, msg, out.NextRetryAt, now.UnixMilli()); err != nil {
		return out, err
	}

	ctxFields := map[string]interface{}{
		"operation_id": op.OperationID,
		"entity":       string(op.Entity),
		"retry":        out.RetryCount,
		"max_retries":  q.policy.MaxRetries,
		"error":        msg,
	}
	if out.Status == models.StatusPending {
		ctxFields["retry_in_ms"] = out.Delay.Milliseconds()
		q.log.Warn("operation failed, retry scheduled", ctxFields)
	} else {
		ctxFields["status"] = string(out.Status)
		q.log.Warn("operation failed permanently", ctxFields)
	}
	return out, nil
}

// NextRetry returns the delay until the earliest backoff deadline, and
// false when nothing is waiting.
func (q *Queue) NextRetry(ctx context.Context) (time.Duration, bool, error) {
	now := q.now().UnixMilli()
	at, err := q.repo.NextRetryAt(ctx, q.policy.MaxRetries, now)
	if err != nil || at == 0 {
		return 0, false, err
	}
	return time.Duration(at-now) * time.Millisecond, true, nil
}

// RetryAll resets FAILED and AUTH_EXPIRED operations to PENDING with zero retries.
func (q *Queue) RetryAll(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetFailed(ctx, q.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("reset failed operations for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// GarbageCollect deletes SYNCED operations older than the retention window.
func (q *Queue) GarbageCollect(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.policy.Retention).UnixMilli()
	n, err := q.repo.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Debug("garbage-collected synced operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// GetStats returns queue statistics.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending:     counts[models.StatusPending],
		Synced:      counts[models.StatusSynced],
		Failed:      counts[models.StatusFailed],
		AuthExpired: counts[models.StatusAuthExpired],
	}
	s.Total = s.Pending + s.Synced + s.Failed + s.AuthExpired
	return s, nil
}

// Get returns one operation.
func (q *Queue) Get(ctx context.Context, operationID string) (*models.QueuedOperation, error) {
	return q.repo.Get(ctx, operationID)
}

// List returns operations with the given status.
func (q *Queue) List(ctx context.Context, status models.Status) ([]*models.QueuedOperation, error) {
	return q.repo.ListByStatus(ctx, status)
}

// calculateBackoff returns RETRY_DELAYS[retryCount-1], capped at the last rung.
func calculateBackoff(retryCount int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(delays) {
		i = len(delays) - 1
	}
	return delays[i]
}

// EstimateSize approximates the wire size of an operation in bytes.
func EstimateSize(op *models.QueuedOperation) int {
	// payload plus a fixed envelope for ids and headers
	return len(op.Payload) + len(op.EntityID) + 64
}

// String implements fmt.Stringer for log lines.
func (s Stats) String() string {
	return fmt.Sprintf("total=%d pending=%d synced=%d failed=%d auth_expired=%d",
		s.Total, s.Pending, s.Synced, s.Failed, s.AuthExpired)
}
