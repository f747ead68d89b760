// Package uuid generates entity, submission and queue operation IDs.
package uuid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOperationID derives a queue operation ID from the entity, the operation
// type and the creation time, suffixed with random hex to keep IDs unique
// when several operations are created within the same millisecond.
func NewOperationID(entity, opType string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("%s_%s_%d_%s", entity, strings.ToLower(opType), at.UnixMilli(), suffix)
}
