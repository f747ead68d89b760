// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// Priority Tests
// =====================================================

// TestPriority_Order verifies LOW < NORMAL < HIGH < CRITICAL.
func TestPriority_Order(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Error("priority constants are not strictly increasing")
	}
}

// TestPriority_String verifies names round-trip through ParsePriority.
func TestPriority_String(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, err := ParsePriority(p.String())
		if err != nil {
			t.Fatalf("ParsePriority(%q) error = %v", p.String(), err)
		}
		if got != p {
			t.Errorf("ParsePriority(%q) = %v, want %v", p.String(), got, p)
		}
	}
}

// TestParsePriority_defaultsAndErrors verifies empty input and unknown names.
func TestParsePriority_defaultsAndErrors(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Errorf("ParsePriority(\"\") = %v, %v; want NORMAL, nil", p, err)
	}
	if p, err := ParsePriority(" critical "); err != nil || p != PriorityCritical {
		t.Errorf("ParsePriority(critical) = %v, %v; want CRITICAL, nil", p, err)
	}
	if _, err := ParsePriority("URGENT"); err == nil {
		t.Error("ParsePriority(URGENT) should fail")
	}
}

// =====================================================
// Status Tests
// =====================================================

// TestStatus_Terminal verifies which statuses end automatic processing.
func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusSynced, true},
		{StatusFailed, true},
		{StatusAuthExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// =====================================================
// QueuedOperation Tests
// =====================================================

// TestQueuedOperation_TableName verifies both queue table names.
func TestQueuedOperation_TableName(t *testing.T) {
	op := QueuedOperation{}
	if op.TableName() != "sync_queue" {
		t.Errorf("TableName() = %q, want 'sync_queue'", op.TableName())
	}
	if op.OptimizedTableName() != "optimized_sync_queue" {
		t.Errorf("OptimizedTableName() = %q, want 'optimized_sync_queue'", op.OptimizedTableName())
	}
}

// TestQueuedOperation_PayloadMap verifies JSON payload decoding.
func TestQueuedOperation_PayloadMap(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{"quizId": "q1", "score": 3})
	op := QueuedOperation{OperationID: "op", Payload: payload}

	m, err := op.PayloadMap()
	if err != nil {
		t.Fatalf("PayloadMap() error = %v", err)
	}
	if m["quizId"] != "q1" {
		t.Errorf("quizId = %v, want q1", m["quizId"])
	}

	empty := QueuedOperation{}
	if m, err := empty.PayloadMap(); err != nil || len(m) != 0 {
		t.Errorf("empty PayloadMap() = %v, %v; want empty map", m, err)
	}

	bad := QueuedOperation{Payload: json.RawMessage("{")}
	if _, err := bad.PayloadMap(); err == nil {
		t.Error("PayloadMap() should fail on invalid JSON")
	}
}

// TestQueuedOperation_Due verifies backoff gating.
func TestQueuedOperation_Due(t *testing.T) {
	op := QueuedOperation{NextRetryAt: 1000}
	if op.Due(999) {
		t.Error("Due(999) = true, want false")
	}
	if !op.Due(1000) {
		t.Error("Due(1000) = false, want true")
	}
}

// TestQueuedOperation_TimestampTime verifies epoch ms conversion.
func TestQueuedOperation_TimestampTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	op := QueuedOperation{Timestamp: now.UnixMilli()}
	if !op.TimestampTime().Equal(now) {
		t.Errorf("TimestampTime() = %v, want %v", op.TimestampTime(), now)
	}
}

// =====================================================
// Entity Tests
// =====================================================

// TestEntityKind_Known verifies the dedicated kinds.
func TestEntityKind_Known(t *testing.T) {
	if !EntitySubmission.Known() || !EntityUserProfile.Known() {
		t.Error("submission and user_profile must be known kinds")
	}
	if EntityKind("flashcard").Known() {
		t.Error("flashcard must be handled as a generic entity")
	}
}

// TestConflictKey verifies the pending-set key format.
func TestConflictKey(t *testing.T) {
	c := Conflict{Entity: EntityUserProfile, EntityID: "u1"}
	if c.Key() != "user_profile_u1" {
		t.Errorf("Key() = %q, want 'user_profile_u1'", c.Key())
	}
}

// TestTableNames verifies table names of the stored records.
func TestTableNames(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SyncableEntity", SyncableEntity{}.TableName(), "entities"},
		{"ConflictLog", ConflictLog{}.TableName(), "conflict_log"},
		{"Answer", Answer{}.TableName(), "answers"},
		{"Submission", Submission{}.TableName(), "submissions"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s.TableName() = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

// =====================================================
// NetworkEvent Tests
// =====================================================

// TestNetworkEvent_SameState verifies state comparison ignores the timestamp.
func TestNetworkEvent_SameState(t *testing.T) {
	yes, no := true, false
	a := NetworkEvent{IsOnline: true, ConnectionType: "wifi", IsInternetReachable: &yes, Timestamp: 1}
	b := NetworkEvent{IsOnline: true, ConnectionType: "wifi", IsInternetReachable: &yes, Timestamp: 2}
	if !a.SameState(b) {
		t.Error("events differing only by timestamp should share state")
	}
	c := b
	c.IsInternetReachable = &no
	if a.SameState(c) {
		t.Error("reachability change should differ")
	}
	d := b
	d.IsInternetReachable = nil
	if a.SameState(d) {
		t.Error("unknown reachability should differ from known")
	}
}
