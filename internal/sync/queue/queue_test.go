// Package queue tests for retry policy over the durable queue.
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.UnixMilli(1_700_000_000_000)}
}

func newTestQueue(t *testing.T, byPriority bool) (*Queue, *clock) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	store := db.NewStore(database)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	repo, err := db.NewQueueRepository(store, models.QueuedOperation{}.OptimizedTableName())
	if err != nil {
		t.Fatalf("NewQueueRepository() failed: %v", err)
	}
	policy := DefaultPolicy()
	policy.ByPriority = byPriority
	q := New(repo, policy)
	c := newClock()
	q.now = c.now
	return q, c
}

func enqueue(t *testing.T, q *Queue, entity models.EntityKind, p models.Priority, deps ...string) *models.QueuedOperation {
	t.Helper()
	op := &models.QueuedOperation{
		Entity:       entity,
		EntityID:     "id-" + string(entity),
		Type:         models.OperationCreate,
		Priority:     p,
		Dependencies: deps,
	}
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return op
}

// TestCalculateBackoff tests the 1/2/5/10/30s ladder and its cap.
func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 5 * time.Second},
		{4, 10 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.retry, DefaultRetryDelays); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	if got := calculateBackoff(3, nil); got != 0 {
		t.Errorf("calculateBackoff(empty ladder) = %v, want 0", got)
	}
}

// TestEnqueue tests that bookkeeping fields are filled in.
func TestEnqueue(t *testing.T) {
	q, c := newTestQueue(t, true)
	op := enqueue(t, q, models.EntitySubmission, models.PriorityCritical)

	if op.OperationID == "" {
		t.Error("Expected operation ID to be set")
	}
	if op.Timestamp != c.t.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", op.Timestamp, c.t.UnixMilli())
	}
	if op.Status != models.StatusPending || op.RetryCount != 0 || op.Version != 1 {
		t.Errorf("op = %+v, want PENDING, retry 0, version 1", op)
	}
	if op.EstimatedSize <= 0 {
		t.Errorf("EstimatedSize = %d, want > 0", op.EstimatedSize)
	}

	got, err := q.Get(context.Background(), op.OperationID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Priority != models.PriorityCritical {
		t.Errorf("Priority = %v, want CRITICAL", got.Priority)
	}
}

// TestEnqueue_invalid tests that entity and type are required.
func TestEnqueue_invalid(t *testing.T) {
	q, _ := newTestQueue(t, false)
	err := q.Enqueue(context.Background(), &models.QueuedOperation{Type: models.OperationCreate})
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Enqueue() error = %v, want INVALID_INPUT", err)
	}
}

// TestFailed_ladderTermination tests that MaxRetries failures freeze the operation.
func TestFailed_ladderTermination(t *testing.T) {
	q, c := newTestQueue(t, false)
	ctx := context.Background()
	op := enqueue(t, q, models.EntityUserProfile, models.PriorityHigh)
	cause := errors.New("HTTP 503")

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	for i := 1; i <= 5; i++ {
		out, err := q.Failed(ctx, op, cause)
		if err != nil {
			t.Fatalf("Failed() #%d error = %v", i, err)
		}
		if out.RetryCount != i {
			t.Errorf("RetryCount = %d, want %d", out.RetryCount, i)
		}
		if i < 5 {
			if out.Status != models.StatusPending || out.Delay != wantDelays[i-1] {
				t.Errorf("attempt %d = %+v, want PENDING after %v", i, out, wantDelays[i-1])
			}
		} else if out.Status != models.StatusFailed {
			t.Errorf("attempt %d status = %s, want FAILED", i, out.Status)
		}
		op, _ = q.Get(ctx, op.OperationID)
		c.advance(time.Minute)
	}

	if op.Status != models.StatusFailed || op.RetryCount != 5 || op.LastError != "HTTP 503" {
		t.Errorf("final op = %+v, want FAILED with 5 retries", op)
	}
	ready, _ := q.Dispatchable(ctx)
	if len(ready) != 0 {
		t.Errorf("Dispatchable() = %d ops, want 0 for a FAILED operation", len(ready))
	}
}

// TestFailed_authExpired tests the terminal AUTH_EXPIRED state.
func TestFailed_authExpired(t *testing.T) {
	q, _ := newTestQueue(t, false)
	ctx := context.Background()
	op := enqueue(t, q, models.EntitySubmission, models.PriorityCritical)

	cause := apperrors.Wrap(apperrors.ErrSyncAuthExpired, "still unauthorized after token refresh", errors.New("HTTP 401"))
	out, err := q.Failed(ctx, op, cause)
	if err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	if out.Status != models.StatusAuthExpired || out.RetryCount != 1 {
		t.Errorf("outcome = %+v, want AUTH_EXPIRED after 1 retry", out)
	}

	n, err := q.RetryAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryAll() = %d, %v, want 1", n, err)
	}
	got, _ := q.Get(ctx, op.OperationID)
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Errorf("after RetryAll op = %+v, want PENDING with 0 retries", got)
	}
}

// TestDispatchable_backoffGate tests that a waiting retry is hidden until due.
func TestDispatchable_backoffGate(t *testing.T) {
	q, c := newTestQueue(t, false)
	ctx := context.Background()
	op := enqueue(t, q, models.EntityCourse, models.PriorityNormal)

	if _, err := q.Failed(ctx, op, errors.New("timeout")); err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	if ready, _ := q.Dispatchable(ctx); len(ready) != 0 {
		t.Errorf("Dispatchable() before backoff = %d, want 0", len(ready))
	}
	d, ok, err := q.NextRetry(ctx)
	if err != nil || !ok || d != time.Second {
		t.Errorf("NextRetry() = %v, %v, %v, want 1s", d, ok, err)
	}

	c.advance(time.Second)
	if ready, _ := q.Dispatchable(ctx); len(ready) != 1 {
		t.Errorf("Dispatchable() after backoff = %d, want 1", len(ready))
	}
	if _, ok, _ := q.NextRetry(ctx); ok {
		t.Error("NextRetry() reported a wait after the deadline passed")
	}
}

// TestDispatchable_order tests priority order and FIFO order.
func TestDispatchable_order(t *testing.T) {
	for _, byPriority := range []bool{true, false} {
		q, c := newTestQueue(t, byPriority)
		a := enqueue(t, q, models.EntityAnswer, models.PriorityLow)
		c.advance(time.Millisecond)
		b := enqueue(t, q, models.EntitySubmission, models.PriorityCritical)
		c.advance(time.Millisecond)
		cc := enqueue(t, q, models.EntityCourse, models.PriorityNormal)

		ready, err := q.Dispatchable(context.Background())
		if err != nil {
			t.Fatalf("Dispatchable() error = %v", err)
		}
		want := []string{a.OperationID, b.OperationID, cc.OperationID}
		if byPriority {
			want = []string{b.OperationID, cc.OperationID, a.OperationID}
		}
		for i, op := range ready {
			if op.OperationID != want[i] {
				t.Errorf("byPriority=%v position %d = %s, want %s", byPriority, i, op.OperationID, want[i])
			}
		}
	}
}

// TestUnsatisfied tests dependency gating, including garbage-collected dependencies.
func TestUnsatisfied(t *testing.T) {
	q, _ := newTestQueue(t, true)
	ctx := context.Background()
	parent := enqueue(t, q, models.EntityCourse, models.PriorityNormal)
	child := enqueue(t, q, models.EntityQuiz, models.PriorityNormal, parent.OperationID, "gone_op")

	waiting, err := q.Unsatisfied(ctx, child)
	if err != nil {
		t.Fatalf("Unsatisfied() error = %v", err)
	}
	if len(waiting) != 1 || waiting[0] != parent.OperationID {
		t.Errorf("Unsatisfied() = %v, want [%s]", waiting, parent.OperationID)
	}

	if err := q.Complete(ctx, parent.OperationID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if waiting, _ := q.Unsatisfied(ctx, child); len(waiting) != 0 {
		t.Errorf("Unsatisfied() after parent synced = %v, want none", waiting)
	}
}

// TestGarbageCollect tests the retention window for SYNCED operations.
func TestGarbageCollect(t *testing.T) {
	q, c := newTestQueue(t, false)
	ctx := context.Background()
	old := enqueue(t, q, models.EntityCourse, models.PriorityNormal)
	pending := enqueue(t, q, models.EntityQuiz, models.PriorityNormal)
	if err := q.Complete(ctx, old.OperationID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	c.advance(23 * time.Hour)
	if n, _ := q.GarbageCollect(ctx); n != 0 {
		t.Errorf("GarbageCollect() inside retention = %d, want 0", n)
	}
	c.advance(2 * time.Hour)
	if n, _ := q.GarbageCollect(ctx); n != 1 {
		t.Errorf("GarbageCollect() after retention = %d, want 1", n)
	}
	if _, err := q.Get(ctx, pending.OperationID); err != nil {
		t.Errorf("pending operation was collected: %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Errorf("GetStats() = %s, want one pending", stats)
	}
}
