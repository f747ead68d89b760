// Package services provides the local-first write paths the app calls.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/models"
	syncengine "github.com/quizapp/offlinesync/internal/sync"
	"github.com/quizapp/offlinesync/internal/uuid"
)

// Enqueuer mirrors a local mutation into the operation queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, entity models.EntityKind, entityID string, opType models.OperationType, payload interface{}, opts ...syncengine.EnqueueOption) (*models.QueuedOperation, error)
}

// AnswerStore holds per-question drafts.
type AnswerStore interface {
	Save(ctx context.Context, a *models.Answer) error
	List(ctx context.Context, quizID, userID string) ([]*models.Answer, error)
	DeleteForQuiz(ctx context.Context, quizID, userID string) (int64, error)
}

// SubmissionStore holds quiz hand-ins.
type SubmissionStore interface {
	Insert(ctx context.Context, s *models.Submission) error
}

// Result is the outcome of a mutating call. Expected failures are reported
// here instead of as a returned error.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SubmitResult is the outcome of SubmitQuiz.
type SubmitResult struct {
	SubmissionID string `json:"submissionId,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

// EntityManager writes every mutation to the local store first and then
// enqueues the matching operation. A failed local write is never enqueued.
type EntityManager struct {
	entities    db.EntityStore
	records     db.RecordStore
	answers     AnswerStore
	submissions SubmissionStore
	queue       Enqueuer

	log *logging.Logger
	now func() time.Time
}

// NewEntityManager creates an EntityManager.
func NewEntityManager(entities db.EntityStore, records db.RecordStore, answers AnswerStore, submissions SubmissionStore, queue Enqueuer) *EntityManager {
	return &EntityManager{
		entities:    entities,
		records:     records,
		answers:     answers,
		submissions: submissions,
		queue:       queue,
		log:         logging.Named("entity-manager"),
		now:         time.Now,
	}
}

func failure(id string, err error) Result {
	return Result{ID: id, Error: err.Error(), Code: string(apperrors.CodeOf(err))}
}

func notFound(kind models.EntityKind, id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

// Create stores a new entity at version 1 and enqueues a CREATE. The id is
// taken from data["id"] when present and must not name an existing entity,
// live or deleted.
func (m *EntityManager) Create(ctx context.Context, kind models.EntityKind, data map[string]interface{}, userID string) Result {
	if kind == "" {
		return failure("", apperrors.New(apperrors.ErrInvalid, "entity kind is required"))
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.New()
	} else {
		_, err := m.entities.Get(ctx, kind, id)
		switch {
		case err == nil:
			return failure(id, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s %s already exists", kind, id)))
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return failure(id, err)
		}
	}

	ent := &models.SyncableEntity{
		ID:         id,
		Kind:       kind,
		Data:       withID(data, id),
		UpdatedAt:  m.now().UnixMilli(),
		SyncStatus: models.StatusPending,
		Version:    1,
		UserID:     userID,
	}
	return m.persist(ctx, ent, models.OperationCreate, ent.Data)
}

// Update merges partial into an existing live entity and enqueues an UPDATE.
func (m *EntityManager) Update(ctx context.Context, kind models.EntityKind, id string, partial map[string]interface{}, userID string) Result {
	ent, err := m.live(ctx, kind, id)
	if err != nil {
		return failure(id, err)
	}

	merged := make(map[string]interface{}, len(ent.Data)+len(partial))
	for k, v := range ent.Data {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	ent.Data = withID(merged, id)
	ent.Version++
	ent.UpdatedAt = m.now().UnixMilli()
	ent.SyncStatus = models.StatusPending
	if userID != "" {
		ent.UserID = userID
	}
	return m.persist(ctx, ent, models.OperationUpdate, ent.Data)
}

// Delete soft-deletes a live entity and enqueues a DELETE.
func (m *EntityManager) Delete(ctx context.Context, kind models.EntityKind, id string, userID string) Result {
	ent, err := m.live(ctx, kind, id)
	if err != nil {
		return failure(id, err)
	}
	ent.Deleted = true
	ent.Version++
	ent.UpdatedAt = m.now().UnixMilli()
	ent.SyncStatus = models.StatusPending
	return m.persist(ctx, ent, models.OperationDelete, map[string]interface{}{"id": id})
}

// Get returns a live entity, or nil when it does not exist or was deleted.
func (m *EntityManager) Get(ctx context.Context, kind models.EntityKind, id string) (*models.SyncableEntity, error) {
	ent, err := m.live(ctx, kind, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return ent, err
}

// GetAll returns the live entities of a kind, optionally for one user.
func (m *EntityManager) GetAll(ctx context.Context, kind models.EntityKind, userID string) ([]*models.SyncableEntity, error) {
	return m.entities.List(ctx, kind, userID)
}

func (m *EntityManager) live(ctx context.Context, kind models.EntityKind, id string) (*models.SyncableEntity, error) {
	ent, err := m.entities.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if ent.Deleted {
		return nil, notFound(kind, id)
	}
	return ent, nil
}

func (m *EntityManager) persist(ctx context.Context, ent *models.SyncableEntity, opType models.OperationType, payload map[string]interface{}) Result {
	if err := m.entities.Upsert(ctx, ent); err != nil {
		m.log.Error("failed to write entity", err, map[string]interface{}{
			"entity":    string(ent.Kind),
			"entity_id": ent.ID,
		})
		return failure(ent.ID, err)
	}
	if _, err := m.queue.Enqueue(ctx, ent.Kind, ent.ID, opType, payload, syncengine.WithVersion(ent.Version)); err != nil {
		m.log.Error("failed to enqueue entity operation", err, map[string]interface{}{
			"entity":    string(ent.Kind),
			"entity_id": ent.ID,
			"type":      string(opType),
		})
		return failure(ent.ID, err)
	}
	return Result{ID: ent.ID, Success: true}
}

func withID(data map[string]interface{}, id string) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["id"] = id
	return out
}

// SaveAnswer stores a draft answer. Drafts are local only and reach the
// server as part of a submission.
func (m *EntityManager) SaveAnswer(ctx context.Context, quizID, questionID, userID, content string) Result {
	if quizID == "" || questionID == "" {
		return failure("", apperrors.New(apperrors.ErrInvalid, "quiz and question ids are required"))
	}
	a := &models.Answer{
		QuestionID: questionID,
		QuizID:     quizID,
		UserID:     userID,
		Content:    content,
		UpdatedAt:  m.now().UnixMilli(),
	}
	if err := m.answers.Save(ctx, a); err != nil {
		return failure(questionID, err)
	}
	return Result{ID: questionID, Success: true}
}

// GetAnswers returns the drafts of one quiz for one user.
func (m *EntityManager) GetAnswers(ctx context.Context, quizID, userID string) ([]*models.Answer, error) {
	return m.answers.List(ctx, quizID, userID)
}

// SubmitQuiz stores the submission, enqueues it as CRITICAL and only then
// clears the drafts, so a crash never loses the answers.
func (m *EntityManager) SubmitQuiz(ctx context.Context, quizID, evaluationID, userID string, responses []models.SubmissionResponse) SubmitResult {
	if quizID == "" {
		err := apperrors.New(apperrors.ErrInvalid, "quiz id is required")
		return SubmitResult{Error: err.Error(), Code: string(apperrors.CodeOf(err))}
	}
	sub := &models.Submission{
		ID:           uuid.New(),
		QuizID:       quizID,
		EvaluationID: evaluationID,
		UserID:       userID,
		Responses:    responses,
		SubmittedAt:  m.now().UnixMilli(),
	}
	fail := func(err error) SubmitResult {
		m.log.Error("quiz submission failed", err, map[string]interface{}{"quiz_id": quizID})
		return SubmitResult{SubmissionID: sub.ID, Error: err.Error(), Code: string(apperrors.CodeOf(err))}
	}

	if err := m.submissions.Insert(ctx, sub); err != nil {
		return fail(err)
	}
	if _, err := m.queue.Enqueue(ctx, models.EntitySubmission, sub.ID, models.OperationCreate, sub,
		syncengine.WithPriority(models.PriorityCritical)); err != nil {
		return fail(err)
	}
	if _, err := m.answers.DeleteForQuiz(ctx, quizID, userID); err != nil {
		// the submission is already queued; stale drafts are harmless
		m.log.Warn("failed to clear drafts after submission", map[string]interface{}{
			"quiz_id": quizID,
			"error":   err.Error(),
		})
	}

	m.log.Info("quiz submitted", map[string]interface{}{
		"quiz_id":       quizID,
		"submission_id": sub.ID,
		"responses":     len(responses),
	})
	return SubmitResult{SubmissionID: sub.ID, Success: true}
}

// UpdateProfile merges partial into the cached profile and enqueues a
// user_profile UPDATE.
func (m *EntityManager) UpdateProfile(ctx context.Context, userID string, partial map[string]interface{}) Result {
	if userID == "" {
		return failure("", apperrors.New(apperrors.ErrInvalid, "user id is required"))
	}

	rec := &db.Record{ID: userID, Data: map[string]interface{}{}}
	cached, err := m.records.Get(ctx, models.EntityUserProfile, userID)
	switch {
	case err == nil:
		rec = cached
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return failure(userID, err)
	}
	if rec.Data == nil {
		rec.Data = map[string]interface{}{}
	}
	for k, v := range partial {
		rec.Data[k] = v
	}
	rec.Data["id"] = userID
	rec.Version++
	rec.UpdatedAt = m.now().UnixMilli()

	if err := m.records.Upsert(ctx, models.EntityUserProfile, rec); err != nil {
		return failure(userID, err)
	}
	if _, err := m.queue.Enqueue(ctx, models.EntityUserProfile, userID, models.OperationUpdate, partial,
		syncengine.WithVersion(rec.Version)); err != nil {
		return failure(userID, err)
	}
	return Result{ID: userID, Success: true}
}
