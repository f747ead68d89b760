package models

import (
	"fmt"
	"time"
)

// ConflictType classifies how a local and server copy diverged.
type ConflictType string

const (
	ConflictVersion   ConflictType = "version"
	ConflictTimestamp ConflictType = "timestamp"
	ConflictContent   ConflictType = "content"
)

// Conflict is a detected divergence between a local and server copy.
// It lives only between detection and resolution.
type Conflict struct {
	Entity       EntityKind             `json:"entity"`
	EntityID     string                 `json:"entityId"`
	LocalData    map[string]interface{} `json:"localData"`
	ServerData   map[string]interface{} `json:"serverData"`
	ConflictType ConflictType           `json:"conflictType"`
	DetectedAt   int64                  `json:"detectedAt"` // epoch ms
}

// Key identifies a pending conflict.
func (c *Conflict) Key() string {
	return ConflictKey(c.Entity, c.EntityID)
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// ConflictKey builds the pending-set key for an entity.
func ConflictKey(kind EntityKind, id string) string {
	return fmt.Sprintf("%s_%s", kind, id)
}

// ConflictLog records a resolved divergence for later inspection.
type ConflictLog struct {
	ID           string       `db:"id" json:"id"`
	Entity       EntityKind   `db:"entity" json:"entity"`
	EntityID     string       `db:"entity_id" json:"entityId"`
	ConflictType ConflictType `db:"conflict_type" json:"conflictType"`
	Strategy     string       `db:"strategy" json:"strategy"`
	Winner       string       `db:"winner" json:"winner"` // local, server, manual
	DetectedAt   int64        `db:"detected_at" json:"detectedAt"`
	ResolvedAt   int64        `db:"resolved_at" json:"resolvedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
