package shadow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrThingNotFound is returned when the shadow's Thing does not exist.
	ErrThingNotFound = errors.New("shadow: thing not found")

	// ErrEmptyPatch is returned for a patch without fields.
	ErrEmptyPatch = errors.New("shadow: empty patch")

	// ErrInvalidValue is returned when a field value is not valid JSON.
	ErrInvalidValue = errors.New("shadow: invalid field value")

	// ErrInvalidDocument is returned when a device shadow/update payload
	// cannot be decoded.
	ErrInvalidDocument = errors.New("shadow: invalid update document")
)

// FieldConflict describes one rejected field of a patch.
type FieldConflict struct {
	Field             string    `json:"field"`
	StoredVersion     uint64    `json:"stored_version"`
	StoredTimestamp   time.Time `json:"stored_timestamp"`
	IncomingVersion   uint64    `json:"incoming_version"`
	IncomingTimestamp time.Time `json:"incoming_timestamp"`
}

// ConflictError is returned when any field of a patch carries a stale
// (version, timestamp). Nothing from the patch was applied.
type ConflictError struct {
	ThingID string
	Half    Half
	Fields  []FieldConflict
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Field
	}
	return fmt.Sprintf("shadow: stale %s update for %s: %s", e.Half, e.ThingID, strings.Join(names, ", "))
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
