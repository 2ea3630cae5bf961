// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"sort"
	"testing"
	"time"
)

// TestNew verifies New() generates unique valid identifiers.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a valid UUID", id)
		}
		if ids[id] {
			t.Fatalf("duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewOrdered verifies v7 identifiers sort by creation time.
func TestNewOrdered(t *testing.T) {
	first := NewOrdered()
	time.Sleep(2 * time.Millisecond)
	second := NewOrdered()

	if !IsValid(first) || !IsValid(second) {
		t.Fatalf("invalid ordered ids: %s, %s", first, second)
	}

	ids := []string{second, first}
	sort.Strings(ids)
	if ids[0] != first {
		t.Errorf("sorted order = %v, want %s first", ids, first)
	}
}

// TestSequence verifies deterministic generation.
func TestSequence(t *testing.T) {
	gen := Sequence("m")
	if got := gen(); got != "m-1" {
		t.Errorf("first = %q, want m-1", got)
	}
	if got := gen(); got != "m-2" {
		t.Errorf("second = %q, want m-2", got)
	}
}

// TestValidate verifies malformed input is rejected.
func TestValidate(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"018f3b5e-8c2a-7d4e-9b1a-2c3d4e5f6a7b", false},
		{"550e8400e29b41d4a716446655440000", true},
		{"", true},
		{"550e8400-e29b-11d4-a716-446655440000", true},
	}

	for _, tt := range tests {
		if err := Validate(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
