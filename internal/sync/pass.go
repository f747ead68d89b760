package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
	"github.com/quizapp/offlinesync/internal/sync/conflict"
)

// Adaptive interval factors.
const (
	excellentFactor   = 0.8
	poorFactor        = 2.0
	unstableFactor    = 1.5
	lowSuccessFactor  = 1.5
	lowSuccessRate    = 70.0 // percent
	successRateWindow = 30 * time.Minute
)

// Sync performs a manually requested sync pass.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	return e.Run(ctx, TriggerManual)
}

// ForceSync is Sync under the name the host app uses.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	return e.Run(ctx, TriggerManual)
}

// Run performs one pass: push, pull, then garbage collection. At most one
// pass runs at a time; a request that finds one in flight is dropped, as is
// a request made while offline.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (*SyncResult, error) {
	result := &SyncResult{Trigger: trigger, StartTime: e.now()}

	if !e.deps.Monitor.IsOnline() {
		return e.skip(result, ReasonOffline), nil
	}
	if !e.passMu.TryLock() {
		if trigger == TriggerRetry || trigger == TriggerCritical || trigger == TriggerReconnect {
			e.mu.Lock()
			e.missed = true
			e.mu.Unlock()
		}
		return e.skip(result, ReasonInProgress), nil
	}

	e.setSyncing(true)
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Message: string(trigger)})
	e.log.Info("sync pass started", map[string]interface{}{"trigger": string(trigger)})

	err := e.pass(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}

	e.mu.Lock()
	e.syncing = false
	e.lastErr = err
	e.mu.Unlock()
	e.passMu.Unlock()

	e.recomputeInterval()

	if err != nil {
		e.log.ErrorWithCode("sync pass failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"trigger": string(trigger)})
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Result: result})
	} else {
		e.log.Info("sync pass completed", map[string]interface{}{
			"trigger":     string(trigger),
			"uploaded":    result.Uploaded,
			"retrying":    result.Retrying,
			"failed":      result.Failed,
			"downloaded":  result.Downloaded,
			"conflicts":   result.Conflicts,
			"duration_ms": result.Duration.Milliseconds(),
		})
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result})
	}

	e.scheduleFollowUp(ctx, result)
	return result, err
}

func (e *Engine) skip(result *SyncResult, reason string) *SyncResult {
	result.Skipped = true
	result.Reason = reason
	result.EndTime = result.StartTime
	e.log.Debug("sync pass skipped", map[string]interface{}{
		"trigger": string(result.Trigger),
		"reason":  reason,
	})
	e.emitEvent(SyncEvent{Type: SyncEventSkipped, Message: reason, Result: result})
	return result
}

func (e *Engine) pass(ctx context.Context, result *SyncResult) error {
	if err := e.push(ctx, result); err != nil {
		return err
	}
	if err := e.pull(ctx, result); err != nil {
		return err
	}
	n, err := e.queue.GarbageCollect(ctx)
	if err != nil {
		return err
	}
	result.Collected = n
	return nil
}

// tally guards the counters of a result shared by concurrent dispatches.
type tally struct {
	mu     sync.Mutex
	result *SyncResult
}

func (t *tally) add(f func(r *SyncResult)) {
	t.mu.Lock()
	f(t.result)
	t.mu.Unlock()
}

// push dispatches every ready operation in batches.
func (e *Engine) push(ctx context.Context, result *SyncResult) error {
	ready, err := e.queue.Dispatchable(ctx)
	if err != nil {
		return err
	}

	ops := ready
	if e.mode == ModeOptimized {
		ops = ops[:0:0]
		for _, op := range ready {
			waiting, err := e.queue.Unsatisfied(ctx, op)
			if err != nil {
				return err
			}
			if len(waiting) > 0 {
				result.Gated++
				e.log.Debug("operation waiting on dependencies", map[string]interface{}{
					"operation_id": op.OperationID,
					"waiting_on":   waiting,
				})
				continue
			}
			ops = append(ops, op)
		}
	}

	t := &tally{result: result}
	for _, batch := range e.batches(ops) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runBatch(ctx, batch, t); err != nil {
			return err
		}
	}
	return nil
}

// batches groups ops in dispatch order. A batch closes at BatchMaxOps
// operations or BatchMaxBytes of estimated size; in the optimized engine
// every batch holds a single priority.
func (e *Engine) batches(ops []*models.QueuedOperation) [][]*models.QueuedOperation {
	var (
		out   [][]*models.QueuedOperation
		cur   []*models.QueuedOperation
		bytes int
	)
	for _, op := range ops {
		split := len(cur) >= e.opts.BatchMaxOps ||
			(len(cur) > 0 && bytes+op.EstimatedSize > e.opts.BatchMaxBytes) ||
			(e.mode == ModeOptimized && len(cur) > 0 && cur[0].Priority != op.Priority)
		if split {
			out = append(out, cur)
			cur, bytes = nil, 0
		}
		cur = append(cur, op)
		bytes += op.EstimatedSize
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// runBatch dispatches one batch with at most MaxConcurrency calls in flight.
// Dispatch failures are recorded on the operation; only storage errors abort.
func (e *Engine) runBatch(ctx context.Context, batch []*models.QueuedOperation, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrency)
	for _, op := range batch {
		op := op
		g.Go(func() error {
			return e.dispatch(gctx, op, t)
		})
	}
	return g.Wait()
}

func (e *Engine) dispatch(ctx context.Context, op *models.QueuedOperation, t *tally) error {
	start := e.now()
	err := e.dispatcher.Dispatch(ctx, op)
	elapsed := e.now().Sub(start)
	opName := fmt.Sprintf("%s_%s", op.Type, op.Entity)

	if err == nil {
		if err := e.queue.Complete(ctx, op.OperationID); err != nil {
			return err
		}
		e.deps.Metrics.RecordSync(opName, op.Entity, elapsed, true, op.RetryCount, nil, op.EstimatedSize)
		e.afterSynced(ctx, op)
		t.add(func(r *SyncResult) { r.Uploaded++ })
		e.emitEvent(SyncEvent{
			Type:        SyncEventOperationSynced,
			OperationID: op.OperationID,
			Entity:      op.Entity,
			Status:      models.StatusSynced,
		})
		return nil
	}

	out, ferr := e.queue.Failed(ctx, op, err)
	if ferr != nil {
		return ferr
	}
	e.deps.Metrics.RecordSync(opName, op.Entity, elapsed, false, out.RetryCount, err, op.EstimatedSize)
	t.add(func(r *SyncResult) {
		switch out.Status {
		case models.StatusPending:
			r.Retrying++
		case models.StatusAuthExpired:
			r.AuthExpired++
		default:
			r.Failed++
		}
	})
	if out.Status.Terminal() {
		e.markEntity(ctx, op, models.StatusFailed)
	}
	e.emitEvent(SyncEvent{
		Type:        SyncEventOperationFailed,
		OperationID: op.OperationID,
		Entity:      op.Entity,
		Status:      out.Status,
		Message:     err.Error(),
	})
	return nil
}

// afterSynced applies local side effects of a delivered operation. They are
// best effort; the operation itself is already SYNCED.
func (e *Engine) afterSynced(ctx context.Context, op *models.QueuedOperation) {
	switch op.Entity {
	case models.EntityAnswer:
		return
	case models.EntitySubmission:
		if e.deps.Submissions != nil {
			if err := e.deps.Submissions.MarkSynced(ctx, op.EntityID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
				e.log.Warn("failed to flag submission synced", map[string]interface{}{
					"submission_id": op.EntityID,
					"error":         err.Error(),
				})
			}
		}
		if e.deps.Drafts != nil {
			if m, err := op.PayloadMap(); err == nil {
				quizID, _ := m["quizId"].(string)
				userID, _ := m["userId"].(string)
				if quizID != "" {
					if _, err := e.deps.Drafts.DeleteForQuiz(ctx, quizID, userID); err != nil {
						e.log.Warn("failed to clear answer drafts", map[string]interface{}{
							"quiz_id": quizID,
							"error":   err.Error(),
						})
					}
				}
			}
		}
	default:
		e.markEntity(ctx, op, models.StatusSynced)
	}
}

// markEntity updates the sync status of the generic entity an operation
// carries. A SYNCED mark is only applied when no newer local edit exists.
func (e *Engine) markEntity(ctx context.Context, op *models.QueuedOperation, status models.Status) {
	if e.deps.Entities == nil || op.Entity == models.EntityAnswer || op.Entity == models.EntitySubmission {
		return
	}
	ent, err := e.deps.Entities.Get(ctx, op.Entity, op.EntityID)
	if err != nil {
		return
	}
	if status == models.StatusSynced && ent.Version != op.Version {
		return
	}
	if err := e.deps.Entities.SetSyncStatus(ctx, op.Entity, op.EntityID, status); err != nil {
		e.log.Warn("failed to update entity sync status", map[string]interface{}{
			"entity":    string(op.Entity),
			"entity_id": op.EntityID,
			"error":     err.Error(),
		})
	}
}

// pull refreshes evaluations changed since the last sync and the user
// profile. Remote failures are reported in the result and leave the last
// sync time unchanged; storage failures abort the pass.
func (e *Engine) pull(ctx context.Context, result *SyncResult) error {
	if e.deps.Records == nil {
		return nil
	}
	since, err := e.lastSyncTime(ctx)
	if err != nil {
		return err
	}

	dirty, err := e.dirtyKeys(ctx)
	if err != nil {
		return err
	}

	evaluations, err := e.deps.Remote.ListEvaluations(ctx, since)
	if err != nil {
		return e.pullFailed(result, "evaluations", err)
	}
	for _, ev := range evaluations {
		if err := e.apply(ctx, models.EntityEvaluation, ev, dirty, result); err != nil {
			return err
		}
	}

	profile, err := e.deps.Remote.GetProfile(ctx)
	if err != nil {
		return e.pullFailed(result, "profile", err)
	}
	if len(profile) > 0 {
		if err := e.apply(ctx, models.EntityUserProfile, profile, dirty, result); err != nil {
			return err
		}
	}

	return e.setLastSync(ctx, result.StartTime.UnixMilli())
}

func (e *Engine) pullFailed(result *SyncResult, what string, err error) error {
	result.PullError = err.Error()
	e.log.Warn("pull failed", map[string]interface{}{
		"resource": what,
		"error":    err.Error(),
	})
	return nil
}

// dirtyKeys returns the conflict keys of entities with a PENDING operation.
func (e *Engine) dirtyKeys(ctx context.Context) (map[string]bool, error) {
	if !e.opts.PullConflictCheck || e.deps.Conflicts == nil {
		return nil, nil
	}
	pending, err := e.queue.List(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(pending))
	for _, op := range pending {
		keys[models.ConflictKey(op.Entity, op.EntityID)] = true
	}
	return keys, nil
}

// apply stores one pulled record. Records with a locally dirty copy go
// through conflict resolution when that check is enabled.
func (e *Engine) apply(ctx context.Context, kind models.EntityKind, data map[string]interface{}, dirty map[string]bool, result *SyncResult) error {
	id := recordID(data)
	if id == "" {
		e.log.Warn("pulled record has no id", map[string]interface{}{"entity": string(kind)})
		return nil
	}

	if dirty[models.ConflictKey(kind, id)] {
		local, err := e.deps.Records.Get(ctx, kind, id)
		switch {
		case err == nil:
			res, err := e.deps.Conflicts.DetectAndResolve(ctx,
				models.TypedPayload{Kind: kind, Data: local.Data},
				models.TypedPayload{Kind: kind, Data: data},
				id, e.opts.ConflictStrategy)
			if err != nil {
				return err
			}
			result.Downloaded++
			if res.HadConflict {
				result.Conflicts++
				e.emitEvent(SyncEvent{
					Type:    SyncEventConflict,
					Entity:  kind,
					Message: fmt.Sprintf("%s conflict on %s resolved for %s", res.ConflictType, id, res.Winner),
				})
			}
			return nil
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return err
		}
	}

	rec := &db.Record{ID: id, Data: data}
	if v, ok := conflict.VersionOf(data); ok {
		rec.Version = int(v)
	}
	if ts, ok := conflict.TimestampOf(data); ok {
		rec.UpdatedAt = ts
	} else {
		rec.UpdatedAt = e.now().UnixMilli()
	}
	if err := e.deps.Records.Upsert(ctx, kind, rec); err != nil {
		return err
	}
	result.Downloaded++
	return nil
}

func recordID(data map[string]interface{}) string {
	switch v := data["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (e *Engine) lastSyncTime(ctx context.Context) (int64, error) {
	e.mu.Lock()
	ms := e.lastSync
	e.mu.Unlock()
	if ms != 0 || e.deps.State == nil {
		return ms, nil
	}
	ms, err := e.deps.State.LastSync(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.lastSync = ms
	e.mu.Unlock()
	return ms, nil
}

func (e *Engine) setLastSync(ctx context.Context, ms int64) error {
	if e.deps.State != nil {
		if err := e.deps.State.SetLastSync(ctx, ms); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.lastSync = ms
	e.mu.Unlock()
	return nil
}

// Interval returns the current periodic sync interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

func (e *Engine) recomputeInterval() {
	d := e.computeInterval()
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
}

// computeInterval scales the base interval by connection quality, stability
// and the recent success rate, clamped to [MinInterval, MaxInterval]. The
// baseline engine always uses the base interval.
func (e *Engine) computeInterval() time.Duration {
	if e.mode == ModeBaseline {
		return e.opts.BaseInterval
	}
	factor := 1.0
	switch e.deps.Monitor.ConnectionQuality() {
	case models.QualityExcellent:
		factor = excellentFactor
	case models.QualityGood:
	default:
		factor = poorFactor
	}
	if !e.deps.Monitor.IsConnectionStable() {
		factor *= unstableFactor
	}
	if rate, n := e.deps.Metrics.RecentSuccessRate(successRateWindow); n > 0 && rate < lowSuccessRate {
		factor *= lowSuccessFactor
	}

	d := time.Duration(float64(e.opts.BaseInterval) * factor)
	if d < e.opts.MinInterval {
		d = e.opts.MinInterval
	}
	if d > e.opts.MaxInterval {
		d = e.opts.MaxInterval
	}
	return d
}
