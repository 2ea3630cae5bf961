// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	plain := New(ErrValidation, "outside meeting point radius")
	if got := plain.Error(); got != "[VALIDATION_ERROR] outside meeting point radius" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrNetwork, "send mutation", errors.New("connection refused"))
	if !strings.Contains(wrapped.Error(), "connection refused") {
		t.Errorf("Error() = %q, want cause included", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("Unwrap() should expose the cause")
	}
}

// TestIs verifies code matching through fmt wrapping and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrStorageUnavailable, "store closed")
	outer := Wrap(ErrLocalStorage, "mark syncing", inner)
	viaFmt := fmt.Errorf("pass aborted: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", inner, ErrStorageUnavailable, true},
		{"outer code", viaFmt, ErrLocalStorage, true},
		{"nested code", viaFmt, ErrStorageUnavailable, true},
		{"absent code", viaFmt, ErrNetwork, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(ErrPhotoTransfer, "chunk 1", New(ErrNetwork, "reset")))
	if got := CodeOf(err); got != ErrPhotoTransfer {
		t.Errorf("CodeOf() = %v, want %v", got, ErrPhotoTransfer)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrInternal)
	}
}

// TestIsLocalStorage verifies both storage codes are classified as local.
func TestIsLocalStorage(t *testing.T) {
	if !IsLocalStorage(New(ErrStorageUnavailable, "x")) {
		t.Error("STORAGE_UNAVAILABLE should be local storage")
	}
	if !IsLocalStorage(New(ErrLocalStorage, "x")) {
		t.Error("LOCAL_STORAGE_ERROR should be local storage")
	}
	if IsLocalStorage(New(ErrNetwork, "x")) {
		t.Error("NETWORK_ERROR should not be local storage")
	}
}
