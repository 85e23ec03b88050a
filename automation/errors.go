package automation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy.
var (
	// ErrRuleNotFound is returned when a rule ID does not exist in the store.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrUnknownTriggerType marks an event with an unrecognized trigger type.
	// Non-fatal: matching yields an empty candidate set.
	ErrUnknownTriggerType = errors.New("unknown trigger type")
	// ErrConcurrencyConflict signals a stale rule version on a counter
	// update. The affected rule's update is retried, never the whole event.
	ErrConcurrencyConflict = errors.New("stale rule version")
	// ErrStoreUnavailable marks structural store failures that should
	// propagate to the caller for whole-event redelivery.
	ErrStoreUnavailable = errors.New("rule store unavailable")
)

// ValidationError reports a malformed rule definition: an unknown trigger
// type, a priority outside bounds, a mismatched body shape, or malformed
// action parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientActionError wraps a retryable action failure (network blip,
// timeout). Retries that exhaust the budget become permanent.
type TransientActionError struct {
	Err error
}

func (e *TransientActionError) Error() string {
	return fmt.Sprintf("transient action failure: %v", e.Err)
}

func (e *TransientActionError) Unwrap() error { return e.Err }

// PermanentActionError wraps a non-retryable action failure.
type PermanentActionError struct {
	Err error
}

func (e *PermanentActionError) Error() string {
	return fmt.Sprintf("permanent action failure: %v", e.Err)
}

func (e *PermanentActionError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientActionError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentActionError{Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry is
// treated as transient so action timeouts count against the retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientActionError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentActionError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// IsValidation reports whether err is a rule definition defect.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
