// Package persistence provides the storage abstraction for workflows,
// executions and the surrounding clinic records.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates no workflow definition exists for the identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates no workflow execution exists for the identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrPatientNotFound indicates no patient record exists for the identifier.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrAppointmentNotFound indicates no appointment record exists for the identifier.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrTemplateNotFound indicates no template exists for the identifier.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrWebhookNotFound indicates no webhook exists for the identifier.
	ErrWebhookNotFound = errors.New("webhook not found")

	// ErrConcurrencyConflict indicates a compare-and-set lost against a
	// concurrent writer. The caller must discard its attempt.
	ErrConcurrencyConflict = errors.New("concurrent modification conflict")

	// ErrDuplicateFingerprint indicates an execution already exists for the
	// (workflow, patient, fingerprint) triple.
	ErrDuplicateFingerprint = errors.New("execution fingerprint already exists")
)

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates an execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsConcurrencyConflict checks whether an error is a lost compare-and-set.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound checks whether an error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrWebhookNotFound)
}
