package uuid

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestNew verifies that New returns distinct random (v4) UUIDs.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("New() = %q, not a UUID: %v", id, err)
		}
		if parsed.Version() != 4 {
			t.Fatalf("New() version = %d, want 4", parsed.Version())
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

// TestNewOperationID verifies the entity_type_ms_random layout and uniqueness.
func TestNewOperationID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := NewOperationID("submission", "CREATE", at)

	if !strings.HasPrefix(id, "submission_create_1700000000123_") {
		t.Errorf("NewOperationID() = %q, want prefix submission_create_1700000000123_", id)
	}
	if suffix := id[strings.LastIndex(id, "_")+1:]; len(suffix) != 9 {
		t.Errorf("suffix = %q, want 9 hex characters", suffix)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOperationID("answer", "UPDATE", at)
		if seen[id] {
			t.Fatalf("duplicate operation ID %q", id)
		}
		seen[id] = true
	}
}
