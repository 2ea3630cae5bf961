// Package uuid provides identifier generation for queued entities.
package uuid

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/uuid"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Generator produces a new unique identifier per call.
type Generator func() string

// New generates a random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a UUID v7. Its leading bits are a millisecond
// timestamp, so identifiers created later sort after earlier ones.
// Falls back to v4 if the v7 generator fails.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Sequence returns a deterministic Generator yielding prefix-1, prefix-2, ...
// It is intended for tests.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// IsValid checks if a string is a canonical v4 or v7 UUID.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical v4 or v7 UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
