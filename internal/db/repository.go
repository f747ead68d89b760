// Package db provides repository operations for the sync core's data models.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
)

// =====================================================
// SyncableEntity Operations
// =====================================================

// EntityRepository persists generically managed entities in the entities table.
type EntityRepository struct {
	store *Store
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(store *Store) *EntityRepository {
	return &EntityRepository{store: store}
}

const entityColumns = `kind, id, data, updated_at, sync_status, deleted, version, user_id`

// Upsert writes the full entity row.
func (r *EntityRepository) Upsert(ctx context.Context, e *models.SyncableEntity) error {
	data, err := marshalData(e.Data)
	if err != nil {
		return err
	}
	_, err = r.store.ExecuteUpdate(ctx, `INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted,
			version = excluded.version,
			user_id = excluded.user_id`,
		string(e.Kind), e.ID, data, e.UpdatedAt, string(e.SyncStatus), boolToInt(e.Deleted), e.Version, e.UserID)
	return err
}

// Get returns an entity including soft-deleted rows, or a NOT_FOUND error.
func (r *EntityRepository) Get(ctx context.Context, kind models.EntityKind, id string) (*models.SyncableEntity, error) {
	row, err := r.store.queryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return e, err
}

// List returns live entities of a kind, optionally filtered by user.
func (r *EntityRepository) List(ctx context.Context, kind models.EntityKind, userID string) ([]*models.SyncableEntity, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = r.store.query(ctx, `SELECT `+entityColumns+` FROM entities
			WHERE kind = ? AND deleted = 0 ORDER BY updated_at DESC`, string(kind))
	} else {
		rows, err = r.store.query(ctx, `SELECT `+entityColumns+` FROM entities
			WHERE kind = ? AND user_id = ? AND deleted = 0 ORDER BY updated_at DESC`, string(kind), userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SyncableEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetSyncStatus updates the sync status of one entity.
func (r *EntityRepository) SetSyncStatus(ctx context.Context, kind models.EntityKind, id string, status models.Status) error {
	_, err := r.store.ExecuteUpdate(ctx, `UPDATE entities SET sync_status = ? WHERE kind = ? AND id = ?`,
		string(status), string(kind), id)
	return err
}

func scanEntity(s scanner) (*models.SyncableEntity, error) {
	var (
		e                  models.SyncableEntity
		kind, data, status string
		deleted            int
	)
	if err := s.Scan(&kind, &e.ID, &data, &e.UpdatedAt, &status, &deleted, &e.Version, &e.UserID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan entity", err)
	}
	e.Kind = models.EntityKind(kind)
	e.SyncStatus = models.Status(status)
	e.Deleted = deleted == 1
	m, err := unmarshalData(data)
	if err != nil {
		return nil, err
	}
	e.Data = m
	return &e, nil
}

// =====================================================
// Answer Operations
// =====================================================

// AnswerRepository persists local-only draft answers.
type AnswerRepository struct {
	store *Store
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(store *Store) *AnswerRepository {
	return &AnswerRepository{store: store}
}

// Save inserts or replaces the draft for (question, quiz, user).
func (r *AnswerRepository) Save(ctx context.Context, a *models.Answer) error {
	_, err := r.store.ExecuteUpdate(ctx, `INSERT INTO answers (question_id, quiz_id, user_id, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(question_id, quiz_id, user_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		a.QuestionID, a.QuizID, a.UserID, a.Content, a.UpdatedAt)
	return err
}

// List returns the drafts of one quiz for one user.
func (r *AnswerRepository) List(ctx context.Context, quizID, userID string) ([]*models.Answer, error) {
	rows, err := r.store.query(ctx, `SELECT question_id, quiz_id, user_id, content, updated_at
		FROM answers WHERE quiz_id = ? AND user_id = ? ORDER BY question_id`, quizID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.QuestionID, &a.QuizID, &a.UserID, &a.Content, &a.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan answer", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteForQuiz clears the drafts of one quiz for one user.
func (r *AnswerRepository) DeleteForQuiz(ctx context.Context, quizID, userID string) (int64, error) {
	res, err := r.store.ExecuteUpdate(ctx, `DELETE FROM answers WHERE quiz_id = ? AND user_id = ?`, quizID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// =====================================================
// Submission Operations
// =====================================================

// SubmissionRepository persists quiz submissions.
type SubmissionRepository struct {
	store *Store
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(store *Store) *SubmissionRepository {
	return &SubmissionRepository{store: store}
}

// Insert stores a new submission.
func (r *SubmissionRepository) Insert(ctx context.Context, s *models.Submission) error {
	responses := s.Responses
	if responses == nil {
		responses = []models.SubmissionResponse{}
	}
	body, err := json.Marshal(responses)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to marshal responses", err)
	}
	_, err = r.store.ExecuteUpdate(ctx, `INSERT INTO submissions
		(id, quiz_id, evaluation_id, user_id, responses, submitted_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.QuizID, s.EvaluationID, s.UserID, string(body), s.SubmittedAt, boolToInt(s.Synced))
	return err
}

// Get returns one submission, or a NOT_FOUND error.
func (r *SubmissionRepository) Get(ctx context.Context, id string) (*models.Submission, error) {
	row, err := r.store.queryRow(ctx, `SELECT id, quiz_id, evaluation_id, user_id, responses, submitted_at, synced
		FROM submissions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	var (
		s         models.Submission
		responses string
		synced    int
	)
	if err := row.Scan(&s.ID, &s.QuizID, &s.EvaluationID, &s.UserID, &responses, &s.SubmittedAt, &synced); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("submission %s not found", id))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan submission", err)
	}
	if err := json.Unmarshal([]byte(responses), &s.Responses); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to decode responses", err)
	}
	s.Synced = synced == 1
	return &s, nil
}

// MarkSynced flags a submission as delivered.
func (r *SubmissionRepository) MarkSynced(ctx context.Context, id string) error {
	_, err := r.store.ExecuteUpdate(ctx, `UPDATE submissions SET synced = 1 WHERE id = ?`, id)
	return err
}

// CountUnsynced returns the number of submissions not yet delivered.
func (r *SubmissionRepository) CountUnsynced(ctx context.Context) (int, error) {
	row, err := r.store.queryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE synced = 0`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count submissions", err)
	}
	return n, nil
}

// =====================================================
// Cached server record Operations
// =====================================================

// Record is a server-owned row cached in one of the record tables.
type Record struct {
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	Version   int                    `json:"version"`
	UpdatedAt int64                  `json:"updatedAt"`
}

// recordTables maps each known server-owned kind to its table.
var recordTables = map[models.EntityKind]string{
	models.EntityEvaluation:  "evaluations",
	models.EntityUserProfile: "users",
	models.EntityQuestion:    "questions",
	models.EntityQuiz:        "quizzes",
	models.EntityCourse:      "courses",
}

// DomainRepository persists evaluations, users, questions, quizzes and courses.
type DomainRepository struct {
	store *Store
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(store *Store) *DomainRepository {
	return &DomainRepository{store: store}
}

// HasTable reports whether kind is stored by this repository.
func (r *DomainRepository) HasTable(kind models.EntityKind) bool {
	_, ok := recordTables[kind]
	return ok
}

// Upsert replaces the cached record of a kind. The stored version never
// decreases.
func (r *DomainRepository) Upsert(ctx context.Context, kind models.EntityKind, rec *Record) error {
	table, ok := recordTables[kind]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("no record table for %q", kind))
	}
	data, err := marshalData(rec.Data)
	if err != nil {
		return err
	}
	version := rec.Version
	if version < 1 {
		version = 1
	}
	updatedAt := rec.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixMilli()
	}
	_, err = r.store.ExecuteUpdate(ctx, `INSERT INTO `+table+` (id, data, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			version = MAX(`+table+`.version, excluded.version),
			updated_at = excluded.updated_at`,
		rec.ID, data, version, updatedAt)
	return err
}

// Get returns a cached record, or a NOT_FOUND error.
func (r *DomainRepository) Get(ctx context.Context, kind models.EntityKind, id string) (*Record, error) {
	table, ok := recordTables[kind]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("no record table for %q", kind))
	}
	row, err := r.store.queryRow(ctx, `SELECT id, data, version, updated_at FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	var (
		rec  Record
		data string
	)
	if err := row.Scan(&rec.ID, &data, &rec.Version, &rec.UpdatedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
	}
	if rec.Data, err = unmarshalData(data); err != nil {
		return nil, err
	}
	return &rec, nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// ConflictLogRepository records resolved conflicts.
type ConflictLogRepository struct {
	store *Store
}

// NewConflictLogRepository creates a new ConflictLogRepository.
func NewConflictLogRepository(store *Store) *ConflictLogRepository {
	return &ConflictLogRepository{store: store}
}

// Insert stores a conflict log entry.
func (r *ConflictLogRepository) Insert(ctx context.Context, l *models.ConflictLog) error {
	_, err := r.store.ExecuteUpdate(ctx, `INSERT INTO conflict_log
		(id, entity, entity_id, conflict_type, strategy, winner, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, string(l.Entity), l.EntityID, string(l.ConflictType), l.Strategy, l.Winner, l.DetectedAt, l.ResolvedAt)
	return err
}

// Recent returns the latest conflict log entries, newest first.
func (r *ConflictLogRepository) Recent(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	rows, err := r.store.query(ctx, `SELECT id, entity, entity_id, conflict_type, strategy, winner, detected_at, resolved_at
		FROM conflict_log ORDER BY resolved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			l                    models.ConflictLog
			entity, conflictType string
		)
		if err := rows.Scan(&l.ID, &entity, &l.EntityID, &conflictType, &l.Strategy, &l.Winner, &l.DetectedAt, &l.ResolvedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict log", err)
		}
		l.Entity = models.EntityKind(entity)
		l.ConflictType = models.ConflictType(conflictType)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// =====================================================
// Sync state Operations
// =====================================================

// KeyLastSync is the sync_state key holding the last successful sync (epoch ms).
const KeyLastSync = "last_sync"

// StateRepository is a small key/value table for engine bookkeeping.
type StateRepository struct {
	store *Store
}

// NewStateRepository creates a new StateRepository.
func NewStateRepository(store *Store) *StateRepository {
	return &StateRepository{store: store}
}

// Get returns the value for key and whether it was present.
func (r *StateRepository) Get(ctx context.Context, key string) (string, bool, error) {
	row, err := r.store.queryRow(ctx, `SELECT value FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return "", false, err
	}
	var value string
	if err := row.Scan(&value); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync state", err)
	}
	return value, true, nil
}

// Set stores value under key.
func (r *StateRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.store.ExecuteUpdate(ctx, `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// LastSync returns the last successful sync time in epoch ms, 0 if never.
func (r *StateRepository) LastSync(ctx context.Context) (int64, error) {
	v, ok, err := r.Get(ctx, KeyLastSync)
	if err != nil || !ok {
		return 0, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "corrupt last sync value", err)
	}
	return ms, nil
}

// SetLastSync records the last successful sync time in epoch ms.
func (r *StateRepository) SetLastSync(ctx context.Context, ms int64) error {
	return r.Set(ctx, KeyLastSync, strconv.FormatInt(ms, 10))
}

// =====================================================
// Helpers
// =====================================================

func marshalData(data map[string]interface{}) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "failed to marshal entity data", err)
	}
	return string(b), nil
}

func unmarshalData(data string) (map[string]interface{}, error) {
	m := make(map[string]interface{})
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to decode entity data", err)
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
