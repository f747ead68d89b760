package models

import "time"

// EntityKind tags every payload with the kind of record it carries.
// Kinds outside the known set are handled as generic entities.
type EntityKind string

const (
	EntitySubmission  EntityKind = "submission"
	EntityUserProfile EntityKind = "user_profile"
	EntityAnswer      EntityKind = "answer"
	EntityEvaluation  EntityKind = "evaluation"
	EntityQuestion    EntityKind = "question"
	EntityQuiz        EntityKind = "quiz"
	EntityCourse      EntityKind = "course"
)

// Known reports whether the kind has a dedicated table and writer.
func (k EntityKind) Known() bool {
	switch k {
	case EntitySubmission, EntityUserProfile, EntityAnswer, EntityEvaluation,
		EntityQuestion, EntityQuiz, EntityCourse:
		return true
	}
	return false
}

// TypedPayload carries an entity body together with its kind.
type TypedPayload struct {
	Kind EntityKind             `json:"kind"`
	Data map[string]interface{} `json:"data"`
}

// SyncableEntity is the generic on-disk representation managed by the entity manager.
type SyncableEntity struct {
	ID         string                 `db:"id" json:"id"`
	Kind       EntityKind             `db:"kind" json:"kind"`
	Data       map[string]interface{} `db:"data" json:"data"`
	UpdatedAt  int64                  `db:"updated_at" json:"updatedAt"` // epoch ms
	SyncStatus Status                 `db:"sync_status" json:"syncStatus"`
	Deleted    bool                   `db:"deleted" json:"deleted"`
	Version    int                    `db:"version" json:"version"`
	UserID     string                 `db:"user_id" json:"userId,omitempty"`
}

// TableName returns the table name for SyncableEntity.
func (SyncableEntity) TableName() string {
	return "entities"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *SyncableEntity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}
