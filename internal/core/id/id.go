// Package id provides UUIDv7 identifiers for coordination scopes and
// connection handles. UUIDv7 is time-ordered, so ids sort by creation time
// in log output.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID).
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		// Fallback to V4 if V7 fails (should never happen)
		return uuid.New()
	}
	return v
}

// NewScope returns a fresh scope identifier.
func NewScope() string {
	return "scope-" + New().String()
}

// NewConn returns a fresh connection handle identifier.
func NewConn() string {
	return "conn-" + New().String()
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}
