// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound indicates a validation run was not found.
	ErrRunNotFound = errors.New("validation run not found")

	// ErrStepRunNotFound indicates a step run was not found.
	ErrStepRunNotFound = errors.New("step run not found")

	// ErrValidatorNotFound indicates a validator descriptor was not found.
	ErrValidatorNotFound = errors.New("validator not found")

	// ErrRulesetNotFound indicates a ruleset was not found.
	ErrRulesetNotFound = errors.New("ruleset not found")

	// ErrReceiptExists indicates the callback identifier is already
	// claimed by an earlier delivery.
	ErrReceiptExists = errors.New("callback receipt already exists")

	// ErrReceiptNotFound indicates no receipt exists for the identifier.
	ErrReceiptNotFound = errors.New("callback receipt not found")
)

// RunError wraps run-related storage errors with operation context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a run storage error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// IsRunNotFound checks whether an error means the run does not exist.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsReceiptExists checks whether an error means the callback identifier
// was already claimed.
func IsReceiptExists(err error) bool {
	return errors.Is(err, ErrReceiptExists)
}
