// Package db tests for repository operations.
package db

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
)

func newQueue(t *testing.T, store *Store) *QueueRepository {
	t.Helper()
	q, err := NewQueueRepository(store, models.QueuedOperation{}.OptimizedTableName())
	if err != nil {
		t.Fatalf("NewQueueRepository() failed: %v", err)
	}
	return q
}

func pendingOp(id string, priority models.Priority, ts int64) *models.QueuedOperation {
	return &models.QueuedOperation{
		OperationID: id,
		Entity:      models.EntitySubmission,
		EntityID:    "e-" + id,
		Type:        models.OperationCreate,
		Payload:     json.RawMessage(`{"k":"v"}`),
		Timestamp:   ts,
		Status:      models.StatusPending,
		Version:     1,
		Priority:    priority,
		UpdatedAt:   ts,
	}
}

// =====================================================
// QueueRepository Tests
// =====================================================

// TestNewQueueRepository_unknownTable verifies the table allow-list.
func TestNewQueueRepository_unknownTable(t *testing.T) {
	store := newTestStore(t)
	if _, err := NewQueueRepository(store, "answers"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("NewQueueRepository(answers) error = %v, want INVALID_INPUT", err)
	}
}

// TestQueueRepository_insertGet verifies all columns survive a round trip.
func TestQueueRepository_insertGet(t *testing.T) {
	store := newTestStore(t)
	q := newQueue(t, store)
	ctx := context.Background()

	op := pendingOp("a", models.PriorityHigh, 10)
	op.Dependencies = []string{"x", "y"}
	op.EstimatedSize = 123
	if err := q.Insert(ctx, op); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := q.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Priority != models.PriorityHigh || got.EstimatedSize != 123 || got.Entity != models.EntitySubmission {
		t.Errorf("Get() = %+v, want priority HIGH, size 123, submission", got)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[1] != "y" {
		t.Errorf("Dependencies = %v, want [x y]", got.Dependencies)
	}
	if string(got.Payload) != `{"k":"v"}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	if _, err := q.Get(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}

// TestQueueRepository_listDispatchableOrder verifies priority and FIFO ordering.
func TestQueueRepository_listDispatchableOrder(t *testing.T) {
	store := newTestStore(t)
	q := newQueue(t, store)
	ctx := context.Background()

	for _, op := range []*models.QueuedOperation{
		pendingOp("A", models.PriorityLow, 1),
		pendingOp("B", models.PriorityCritical, 2),
		pendingOp("C", models.PriorityNormal, 3),
	} {
		if err := q.Insert(ctx, op); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}

	ops, err := q.ListDispatchable(ctx, 5, 100, true)
	if err != nil {
		t.Fatalf("ListDispatchable() failed: %v", err)
	}
	if ids := opIDs(ops); ids != "BCA" {
		t.Errorf("priority order = %s, want BCA", ids)
	}

	ops, err = q.ListDispatchable(ctx, 5, 100, false)
	if err != nil {
		t.Fatalf("ListDispatchable() failed: %v", err)
	}
	if ids := opIDs(ops); ids != "ABC" {
		t.Errorf("fifo order = %s, want ABC", ids)
	}
}

// TestQueueRepository_failureBookkeeping verifies backoff gating, freezing and reset.
func TestQueueRepository_failureBookkeeping(t *testing.T) {
	store := newTestStore(t)
	q := newQueue(t, store)
	ctx := context.Background()

	if err := q.Insert(ctx, pendingOp("A", models.PriorityNormal, 1)); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	if err := q.RecordFailure(ctx, "A", 1, models.StatusPending, "boom", 2000, 1000); err != nil {
		t.Fatalf("RecordFailure() failed: %v", err)
	}
	if ops, _ := q.ListDispatchable(ctx, 5, 1500, true); len(ops) != 0 {
		t.Errorf("operation in backoff should not be dispatchable, got %d", len(ops))
	}
	if at, _ := q.NextRetryAt(ctx, 5, 1500); at != 2000 {
		t.Errorf("NextRetryAt() = %d, want 2000", at)
	}
	if ops, _ := q.ListDispatchable(ctx, 5, 2000, true); len(ops) != 1 {
		t.Errorf("operation past backoff should be dispatchable, got %d", len(ops))
	}

	if err := q.RecordFailure(ctx, "A", 5, models.StatusFailed, "boom", 0, 3000); err != nil {
		t.Fatalf("RecordFailure() failed: %v", err)
	}
	counts, _ := q.Counts(ctx)
	if counts[models.StatusFailed] != 1 {
		t.Errorf("FAILED count = %d, want 1", counts[models.StatusFailed])
	}

	// Terminal rows ignore further bookkeeping
	if err := q.MarkSynced(ctx, "A", 3500); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	got, _ := q.Get(ctx, "A")
	if got.Status != models.StatusFailed || got.RetryCount != 5 {
		t.Errorf("frozen op = %s/%d, want FAILED/5", got.Status, got.RetryCount)
	}

	n, err := q.ResetFailed(ctx, 4000)
	if err != nil || n != 1 {
		t.Fatalf("ResetFailed() = %d, %v; want 1, nil", n, err)
	}
	got, _ = q.Get(ctx, "A")
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Errorf("reset op = %s/%d, want PENDING/0", got.Status, got.RetryCount)
	}
}

// TestQueueRepository_statusesAndGC verifies dependency lookups and garbage collection.
func TestQueueRepository_statusesAndGC(t *testing.T) {
	store := newTestStore(t)
	q := newQueue(t, store)
	ctx := context.Background()

	q.Insert(ctx, pendingOp("A", models.PriorityNormal, 1))
	q.Insert(ctx, pendingOp("B", models.PriorityNormal, 2))
	if err := q.MarkSynced(ctx, "A", 10); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	statuses, err := q.Statuses(ctx, []string{"A", "B", "missing"})
	if err != nil {
		t.Fatalf("Statuses() failed: %v", err)
	}
	if statuses["A"] != models.StatusSynced || statuses["B"] != models.StatusPending {
		t.Errorf("Statuses() = %v", statuses)
	}
	if _, ok := statuses["missing"]; ok {
		t.Error("missing operation should be absent")
	}

	n, err := q.DeleteSyncedBefore(ctx, 11)
	if err != nil || n != 1 {
		t.Fatalf("DeleteSyncedBefore() = %d, %v; want 1, nil", n, err)
	}
	if _, err := q.Get(ctx, "B"); err != nil {
		t.Errorf("pending operation must survive GC: %v", err)
	}
}

func opIDs(ops []*models.QueuedOperation) string {
	s := ""
	for _, op := range ops {
		s += op.OperationID
	}
	return s
}

// =====================================================
// EntityRepository Tests
// =====================================================

// TestEntityRepository_upsertListSoftDelete verifies live filtering and user scoping.
func TestEntityRepository_upsertListSoftDelete(t *testing.T) {
	store := newTestStore(t)
	r := NewEntityRepository(store)
	ctx := context.Background()

	e := &models.SyncableEntity{
		ID: "n1", Kind: "note", Data: map[string]interface{}{"title": "a"},
		UpdatedAt: 1, SyncStatus: models.StatusPending, Version: 1, UserID: "u1",
	}
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	r.Upsert(ctx, &models.SyncableEntity{ID: "n2", Kind: "note", UpdatedAt: 2, SyncStatus: models.StatusPending, Version: 1, UserID: "u2"})

	list, err := r.List(ctx, "note", "u1")
	if err != nil || len(list) != 1 || list[0].Data["title"] != "a" {
		t.Fatalf("List(u1) = %v, %v", list, err)
	}
	if all, _ := r.List(ctx, "note", ""); len(all) != 2 {
		t.Errorf("List(all) = %d, want 2", len(all))
	}

	e.Deleted = true
	e.Version = 2
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if list, _ := r.List(ctx, "note", "u1"); len(list) != 0 {
		t.Errorf("soft-deleted entity listed: %v", list)
	}
	got, err := r.Get(ctx, "note", "n1")
	if err != nil || !got.Deleted || got.Version != 2 {
		t.Errorf("Get() = %+v, %v; want retained deleted row at version 2", got, err)
	}

	if err := r.SetSyncStatus(ctx, "note", "n1", models.StatusSynced); err != nil {
		t.Fatalf("SetSyncStatus() failed: %v", err)
	}
	got, _ = r.Get(ctx, "note", "n1")
	if got.SyncStatus != models.StatusSynced {
		t.Errorf("SyncStatus = %s, want SYNCED", got.SyncStatus)
	}
}

// =====================================================
// Answer / Submission Tests
// =====================================================

// TestAnswerRepository verifies draft replacement and per-quiz clearing.
func TestAnswerRepository(t *testing.T) {
	store := newTestStore(t)
	r := NewAnswerRepository(store)
	ctx := context.Background()

	r.Save(ctx, &models.Answer{QuestionID: "x", QuizID: "q1", UserID: "u1", Content: "41", UpdatedAt: 1})
	r.Save(ctx, &models.Answer{QuestionID: "x", QuizID: "q1", UserID: "u1", Content: "42", UpdatedAt: 2})
	r.Save(ctx, &models.Answer{QuestionID: "x", QuizID: "q2", UserID: "u1", Content: "7", UpdatedAt: 3})

	list, err := r.List(ctx, "q1", "u1")
	if err != nil || len(list) != 1 || list[0].Content != "42" {
		t.Fatalf("List() = %v, %v; want one draft with 42", list, err)
	}

	n, err := r.DeleteForQuiz(ctx, "q1", "u1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteForQuiz() = %d, %v", n, err)
	}
	if list, _ := r.List(ctx, "q2", "u1"); len(list) != 1 {
		t.Error("drafts of other quizzes must be kept")
	}
}

// TestSubmissionRepository verifies insert, read back and sync flag.
func TestSubmissionRepository(t *testing.T) {
	store := newTestStore(t)
	r := NewSubmissionRepository(store)
	ctx := context.Background()

	s := &models.Submission{
		ID: "s1", QuizID: "q1", EvaluationID: "e1", UserID: "u1", SubmittedAt: 5,
		Responses: []models.SubmissionResponse{{QuestionID: "x", Content: "42"}},
	}
	if err := r.Insert(ctx, s); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if n, _ := r.CountUnsynced(ctx); n != 1 {
		t.Errorf("CountUnsynced() = %d, want 1", n)
	}
	if err := r.MarkSynced(ctx, "s1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	got, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Synced || len(got.Responses) != 1 || got.Responses[0].Content != "42" {
		t.Errorf("Get() = %+v", got)
	}
}

// =====================================================
// DomainRepository / StateRepository Tests
// =====================================================

// TestDomainRepository verifies upsert overwrite and unknown kinds.
func TestDomainRepository(t *testing.T) {
	store := newTestStore(t)
	r := NewDomainRepository(store)
	ctx := context.Background()

	rec := &Record{ID: "u1", Data: map[string]interface{}{"nom": "Alice"}, Version: 1, UpdatedAt: 10}
	if err := r.Upsert(ctx, models.EntityUserProfile, rec); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	rec.Data["nom"] = "Alicia"
	rec.Version = 2
	if err := r.Upsert(ctx, models.EntityUserProfile, rec); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	got, err := r.Get(ctx, models.EntityUserProfile, "u1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Data["nom"] != "Alicia" || got.Version != 2 {
		t.Errorf("Get() = %+v, want Alicia v2", got)
	}

	stale := &Record{ID: "u1", Data: map[string]interface{}{"nom": "Al"}, Version: 1, UpdatedAt: 20}
	if err := r.Upsert(ctx, models.EntityUserProfile, stale); err != nil {
		t.Fatalf("Upsert(stale) failed: %v", err)
	}
	got, _ = r.Get(ctx, models.EntityUserProfile, "u1")
	if got.Data["nom"] != "Al" || got.Version != 2 {
		t.Errorf("Get() after stale upsert = %+v, want Al at version 2", got)
	}

	if r.HasTable("note") {
		t.Error("generic kinds have no record table")
	}
	if err := r.Upsert(ctx, "note", rec); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Upsert(note) error = %v, want INVALID_INPUT", err)
	}
}

// TestStateRepository_lastSync verifies the last sync round trip.
func TestStateRepository_lastSync(t *testing.T) {
	store := newTestStore(t)
	r := NewStateRepository(store)
	ctx := context.Background()

	if ms, err := r.LastSync(ctx); err != nil || ms != 0 {
		t.Fatalf("LastSync() = %d, %v; want 0, nil", ms, err)
	}
	if err := r.SetLastSync(ctx, 1700000000000); err != nil {
		t.Fatalf("SetLastSync() failed: %v", err)
	}
	if ms, _ := r.LastSync(ctx); ms != 1700000000000 {
		t.Errorf("LastSync() = %d, want 1700000000000", ms)
	}
}

// TestConflictLogRepository verifies insertion and recency ordering.
func TestConflictLogRepository(t *testing.T) {
	store := newTestStore(t)
	r := NewConflictLogRepository(store)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2"} {
		err := r.Insert(ctx, &models.ConflictLog{
			ID: id, Entity: models.EntityUserProfile, EntityID: "u1",
			ConflictType: models.ConflictVersion, Strategy: "last-write-wins",
			Winner: "server", DetectedAt: int64(i), ResolvedAt: int64(i + 1),
		})
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	logs, err := r.Recent(ctx, 10)
	if err != nil || len(logs) != 2 || logs[0].ID != "c2" {
		t.Errorf("Recent() = %v, %v; want c2 first", logs, err)
	}
}
