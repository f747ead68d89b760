// Package models provides data model definitions for the offline sync core.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationType is the kind of mutation a queued operation carries.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Status is shared by queued operations and syncable entities.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
	// StatusAuthExpired freezes an operation whose dispatch kept failing with
	// 401 after a token refresh. It needs re-authentication, not a retry ladder.
	StatusAuthExpired Status = "AUTH_EXPIRED"
)

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed || s == StatusAuthExpired
}

// Priority orders dispatch in the optimized engine.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority parses LOW/NORMAL/HIGH/CRITICAL, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// QueuedOperation is a durable unit of outbound work.
type QueuedOperation struct {
	OperationID   string          `db:"operation_id" json:"operationId"`
	Entity        EntityKind      `db:"entity" json:"entity"`
	EntityID      string          `db:"entity_id" json:"entityId"`
	Type          OperationType   `db:"type" json:"type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Timestamp     int64           `db:"timestamp" json:"timestamp"` // epoch ms
	RetryCount    int             `db:"retry_count" json:"retryCount"`
	Status        Status          `db:"status" json:"status"`
	Version       int             `db:"version" json:"version"`
	LastError     string          `db:"last_error" json:"lastError,omitempty"`
	Priority      Priority        `db:"priority" json:"priority"`
	EstimatedSize int             `db:"estimated_size" json:"estimatedSize"`
	Dependencies  []string        `db:"dependencies" json:"dependencies,omitempty"`
	NextRetryAt   int64           `db:"next_retry_at" json:"nextRetryAt"` // epoch ms, 0 = now
	UpdatedAt     int64           `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name used by the baseline engine.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// OptimizedTableName returns the table name used by the optimized engine.
func (QueuedOperation) OptimizedTableName() string {
	return "optimized_sync_queue"
}

// TimestampTime returns the creation time.
func (o *QueuedOperation) TimestampTime() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// Due reports whether the operation's backoff has elapsed at now (epoch ms).
func (o *QueuedOperation) Due(now int64) bool {
	return o.NextRetryAt <= now
}

// PayloadMap decodes the payload as a JSON object.
func (o *QueuedOperation) PayloadMap() (map[string]interface{}, error) {
	if len(o.Payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(o.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", o.OperationID, err)
	}
	return m, nil
}
