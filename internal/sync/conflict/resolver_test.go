// Package conflict provides unit tests for conflict detection.
package conflict

import (
	"testing"
	"time"

	"github.com/quizapp/offlinesync/internal/models"
)

func payload(kind models.EntityKind, data map[string]interface{}) models.TypedPayload {
	return models.TypedPayload{Kind: kind, Data: data}
}

// TestDetect_version verifies differing versions conflict regardless of content.
func TestDetect_version(t *testing.T) {
	local := payload(models.EntityUserProfile, map[string]interface{}{"version": 1, "nom": "Alice", "updatedAt": 100})
	server := payload(models.EntityUserProfile, map[string]interface{}{"version": 2.0, "nom": "Alice", "updatedAt": 100})

	c := Detect(local, server, "u1", time.Now())
	if c == nil {
		t.Fatal("Detect() = nil, want version conflict")
	}
	if c.ConflictType != models.ConflictVersion {
		t.Errorf("ConflictType = %s, want version", c.ConflictType)
	}
}

// TestDetect_order verifies each detection stage and the no-conflict case.
func TestDetect_order(t *testing.T) {
	tests := []struct {
		name   string
		kind   models.EntityKind
		local  map[string]interface{}
		server map[string]interface{}
		want   models.ConflictType
	}{
		{
			"timestamp gap above threshold",
			models.EntityUserProfile,
			map[string]interface{}{"updatedAt": 1000, "nom": "A"},
			map[string]interface{}{"updated_at": 7000, "nom": "A"},
			models.ConflictTimestamp,
		},
		{
			"timestamp gap at threshold",
			models.EntityUserProfile,
			map[string]interface{}{"updatedAt": 1000, "nom": "A"},
			map[string]interface{}{"updatedAt": 6000, "nom": "A"},
			"",
		},
		{
			"equal versions still compare timestamps",
			models.EntityEvaluation,
			map[string]interface{}{"version": 3, "lastModified": 0},
			map[string]interface{}{"version": 3, "lastModified": 10000},
			models.ConflictTimestamp,
		},
		{
			"critical field mismatch",
			models.EntityUserProfile,
			map[string]interface{}{"email": "a@x", "nom": "Alice", "prenom": "B"},
			map[string]interface{}{"email": "a@x", "nom": "Alicia", "prenom": "B"},
			models.ConflictContent,
		},
		{
			"non-critical field mismatch",
			models.EntityUserProfile,
			map[string]interface{}{"email": "a@x", "avatar": "1.png"},
			map[string]interface{}{"email": "a@x", "avatar": "2.png"},
			"",
		},
		{
			"critical field missing on one side",
			models.EntityQuestion,
			map[string]interface{}{"enonce": "2+2?"},
			map[string]interface{}{},
			models.ConflictContent,
		},
		{
			"generic kind has no critical fields",
			"flashcard",
			map[string]interface{}{"front": "a"},
			map[string]interface{}{"front": "b"},
			"",
		},
		{
			"rfc3339 timestamps",
			models.EntityCourse,
			map[string]interface{}{"modifiedAt": "2024-01-01T00:00:00Z"},
			map[string]interface{}{"modifiedAt": "2024-01-01T00:00:10Z"},
			models.ConflictTimestamp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Detect(payload(tt.kind, tt.local), payload(tt.kind, tt.server), "id", time.Now())
			if tt.want == "" {
				if c != nil {
					t.Errorf("Detect() = %s, want no conflict", c.ConflictType)
				}
				return
			}
			if c == nil || c.ConflictType != tt.want {
				t.Errorf("Detect() = %v, want %s", c, tt.want)
			}
		})
	}
}

// TestLastWriteWinner verifies the newer side wins, then the higher version.
func TestLastWriteWinner(t *testing.T) {
	if w := lastWriteWinner(map[string]interface{}{"updatedAt": 100}, map[string]interface{}{"updatedAt": 200}); w != SideServer {
		t.Errorf("older local: winner = %s, want server", w)
	}
	if w := lastWriteWinner(map[string]interface{}{"updatedAt": 200}, map[string]interface{}{"updatedAt": 100}); w != SideLocal {
		t.Errorf("newer local: winner = %s, want local", w)
	}
	if w := lastWriteWinner(map[string]interface{}{"version": 4}, map[string]interface{}{"version": 3}); w != SideLocal {
		t.Errorf("higher local version: winner = %s, want local", w)
	}
	if w := lastWriteWinner(map[string]interface{}{}, map[string]interface{}{}); w != SideServer {
		t.Errorf("unordered: winner = %s, want server", w)
	}
}

// TestParseStrategy verifies accepted names.
func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"last-write-wins", "server-priority", "local-priority", "MANUAL"} {
		if _, err := ParseStrategy(name); err != nil {
			t.Errorf("ParseStrategy(%q) error = %v", name, err)
		}
	}
	_, err := ParseStrategy("merge")
	if err == nil || !IsConflictError(err) {
		t.Errorf("ParseStrategy(merge) error = %v, want ConflictError", err)
	}
}

// TestBumpVersion verifies the resolved copy moves past both versions.
func TestBumpVersion(t *testing.T) {
	data := map[string]interface{}{"nom": "Alicia", "version": 2}
	out := bumpVersion(data, map[string]interface{}{"version": 1}, data)
	if out["version"] != int64(3) {
		t.Errorf("version = %v, want 3", out["version"])
	}
	if data["version"] != 2 {
		t.Error("bumpVersion must not mutate its input")
	}
}
