// Package conflict detects divergence between local and server copies of an
// entity and resolves it with a configurable strategy.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/quizapp/offlinesync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins  ResolutionStrategy = "last-write-wins"
	ResolutionStrategyServerPriority ResolutionStrategy = "server-priority"
	ResolutionStrategyLocalPriority  ResolutionStrategy = "local-priority"
	// ResolutionStrategyManual keeps the local copy and parks the conflict
	// until ResolveManually is called with the chosen data.
	ResolutionStrategyManual ResolutionStrategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch st := ResolutionStrategy(strings.ToLower(strings.TrimSpace(s))); st {
	case ResolutionStrategyLastWriteWins, ResolutionStrategyServerPriority,
		ResolutionStrategyLocalPriority, ResolutionStrategyManual:
		return st, nil
	}
	return "", &ConflictError{Message: fmt.Sprintf("unknown resolution strategy %q", s)}
}

// TimestampThreshold is the minimum timestamp gap that counts as a conflict.
const TimestampThreshold = 5 * time.Second

// timestampFields are checked in order.
var timestampFields = []string{"updatedAt", "updated_at", "modifiedAt", "lastModified"}

// criticalFields lists, per entity kind, the fields whose disagreement is a
// content conflict. Kinds not listed have none.
var criticalFields = map[models.EntityKind][]string{
	models.EntityUserProfile: {"email", "nom", "prenom"},
	models.EntityEvaluation:  {"titre", "date_debut", "date_fin", "duree"},
	models.EntityQuestion:    {"enonce", "type", "reponse_correcte", "points"},
	models.EntityQuiz:        {"titre", "questions"},
	models.EntityCourse:      {"titre", "description"},
	models.EntitySubmission:  {"quizId", "responses"},
	models.EntityAnswer:      {"content"},
}

// CriticalFields returns the critical fields of a kind.
func CriticalFields(kind models.EntityKind) []string {
	return criticalFields[kind]
}

// Side names the copy that won a resolution.
const (
	SideLocal   = "local"
	SideServer  = "server"
	SideManual  = "manual"
	SideExpired = "expired"
)

// Detect compares the two copies of a payload pair: version first, then
// timestamps, then critical fields. It returns nil when they agree.
func Detect(local, server models.TypedPayload, entityID string, now time.Time) *models.Conflict {
	kind := local.Kind
	if kind == "" {
		kind = server.Kind
	}
	ctype, ok := classify(kind, local.Data, server.Data)
	if !ok {
		return nil
	}
	return &models.Conflict{
		Entity:       kind,
		EntityID:     entityID,
		LocalData:    local.Data,
		ServerData:   server.Data,
		ConflictType: ctype,
		DetectedAt:   now.UnixMilli(),
	}
}

func classify(kind models.EntityKind, local, server map[string]interface{}) (models.ConflictType, bool) {
	lv, lok := VersionOf(local)
	sv, sok := VersionOf(server)
	if lok && sok && lv != sv {
		return models.ConflictVersion, true
	}

	lt, lok := TimestampOf(local)
	st, sok := TimestampOf(server)
	if lok && sok {
		diff := lt - st
		if diff < 0 {
			diff = -diff
		}
		if diff > TimestampThreshold.Milliseconds() {
			return models.ConflictTimestamp, true
		}
	}

	for _, field := range criticalFields[kind] {
		lval, lok := local[field]
		sval, sok := server[field]
		if !lok && !sok {
			continue
		}
		if lok != sok || !equalJSON(lval, sval) {
			return models.ConflictContent, true
		}
	}
	return "", false
}

// decide picks the winning side for an automatic strategy.
func decide(strategy ResolutionStrategy, c *models.Conflict) string {
	switch strategy {
	case ResolutionStrategyServerPriority:
		return SideServer
	case ResolutionStrategyLocalPriority:
		return SideLocal
	default:
		return lastWriteWinner(c.LocalData, c.ServerData)
	}
}

// lastWriteWinner picks the newer side by timestamp, then by version.
// The server wins when neither orders them.
func lastWriteWinner(local, server map[string]interface{}) string {
	lt, lok := TimestampOf(local)
	st, sok := TimestampOf(server)
	if lok && sok && lt != st {
		if lt > st {
			return SideLocal
		}
		return SideServer
	}
	lv, lok := VersionOf(local)
	sv, sok := VersionOf(server)
	if lok && sok && lv > sv {
		return SideLocal
	}
	return SideServer
}

// bumpVersion copies data and sets its version one past both sides.
func bumpVersion(data, local, server map[string]interface{}) map[string]interface{} {
	lv, lok := VersionOf(local)
	sv, sok := VersionOf(server)
	if !lok && !sok {
		return data
	}
	v := lv
	if sv > v {
		v = sv
	}
	out := make(map[string]interface{}, len(data)+1)
	for k, val := range data {
		out[k] = val
	}
	out["version"] = v + 1
	return out
}

// VersionOf extracts the integer "version" field.
func VersionOf(data map[string]interface{}) (int64, bool) {
	v, ok := data["version"]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// TimestampOf extracts the first recognized timestamp field as epoch ms.
// Numbers are taken as epoch ms; strings are parsed as RFC 3339.
func TimestampOf(data map[string]interface{}) (int64, bool) {
	for _, field := range timestampFields {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				continue
			}
			return t.UnixMilli(), true
		}
		if ms, ok := toInt64(v); ok {
			return ms, true
		}
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// equalJSON compares two values as they would appear after a JSON round trip,
// so 1 and 1.0 agree.
func equalJSON(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var an, bn interface{}
	if json.Unmarshal(ab, &an) != nil || json.Unmarshal(bb, &bn) != nil {
		return false
	}
	return reflect.DeepEqual(an, bn)
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both payloads must be non-nil"}
	ErrKindMismatch    = &ConflictError{Message: "entity kind mismatch"}
	ErrNoWriter        = &ConflictError{Message: "no local writer for entity kind"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError reports whether err wraps a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
