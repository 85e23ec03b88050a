package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestIsTransient verifies the retry classification of action failures.
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient wrap", Transient(errors.New("reset")), true},
		{"permanent wrap", Permanent(errors.New("404")), false},
		{"wrapped transient", fmt.Errorf("call failed: %w", Transient(errors.New("reset"))), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), true},
		{"plain error", errors.New("unknown"), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestWrappersPreserveCause verifies the taxonomy wrappers unwrap to the
// underlying failure.
func TestWrappersPreserveCause(t *testing.T) {
	cause := errors.New("boom")

	if !errors.Is(Transient(cause), cause) {
		t.Error("Transient() should unwrap to its cause")
	}
	if !errors.Is(Permanent(cause), cause) {
		t.Error("Permanent() should unwrap to its cause")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("wrapping nil should stay nil")
	}
}

// TestValidationErrorMessage verifies the field prefix formatting.
func TestValidationErrorMessage(t *testing.T) {
	with := &ValidationError{Field: "priority", Reason: "out of range"}
	if with.Error() != "validation failed: priority: out of range" {
		t.Errorf("Error() = %q", with.Error())
	}
	without := &ValidationError{Reason: "rule is nil"}
	if without.Error() != "validation failed: rule is nil" {
		t.Errorf("Error() = %q", without.Error())
	}
	if !IsValidation(fmt.Errorf("wrapped: %w", with)) {
		t.Error("IsValidation() should see through wrapping")
	}
}
