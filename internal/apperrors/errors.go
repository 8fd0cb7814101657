// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrForbidden       = errors.New("forbidden")
	ErrUnavailable     = errors.New("unavailable")
)

// Error provides structured error with context.
type Error struct {
	Sentinel  error    // Wrapped sentinel for errors.Is() classification
	Message   string   // Human-readable message
	Field     string   // For validation errors (e.g., "design_variables[0].max")
	Resource  string   // For not found/conflict (e.g., "job", "scenario")
	Op        string   // Operation that failed (e.g., "store.insert")
	Conflicts []string // Job ids that caused an admission denial
	Cause     error    // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so errors.Is
// matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// AdmissionDenied reports that a start request was rejected by admission
// control. conflicts names the active jobs responsible.
func AdmissionDenied(reason string, conflicts ...string) error {
	msg := reason
	if len(conflicts) > 0 {
		msg = fmt.Sprintf("%s (conflicting jobs: %s)", reason, strings.Join(conflicts, ", "))
	}
	return &Error{
		Sentinel:  ErrAdmissionDenied,
		Message:   msg,
		Resource:  "job",
		Conflicts: conflicts,
	}
}

// InvalidScenario reports a scenario that cannot be optimized as defined.
func InvalidScenario(scenarioID string, cause error) error {
	return &Error{
		Sentinel: ErrInvalidScenario,
		Message:  fmt.Sprintf("scenario %s is invalid: %v", scenarioID, cause),
		Resource: "scenario",
		Cause:    cause,
	}
}

// Forbidden reports that the caller may not act on a resource.
func Forbidden(resource, id string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  fmt.Sprintf("not allowed to access %s %s", resource, id),
		Resource: resource,
	}
}

// Unavailable reports a dependency that cannot currently serve requests.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s unavailable: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ConflictingJobs returns the job ids attached to an admission denial, if any.
func ConflictingJobs(err error) []string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Conflicts
	}
	return nil
}
