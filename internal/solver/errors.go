package solver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class groups evaluator failures by how they are handled.
type Class string

const (
	// ClassValidation means the evaluator rejected the request. Never retried.
	ClassValidation Class = "validation"
	// ClassUnavailable means the evaluator is overloaded or down.
	ClassUnavailable Class = "unavailable"
	// ClassTransient covers transport errors and timeouts.
	ClassTransient Class = "transient"
	// ClassServer covers other non-2xx responses and unreadable bodies.
	ClassServer Class = "server"
)

// Error is a classified evaluator failure.
type Error struct {
	Class      Class
	StatusCode int // zero for transport errors
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("evaluator %s error (HTTP %d): %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("evaluator %s error: %s", e.Class, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ClassOf returns the class of err, or "" when err is not an evaluator error.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}

// IsValidation reports whether err is a rejected request.
func IsValidation(err error) bool {
	return ClassOf(err) == ClassValidation
}

// classifyStatus maps a non-2xx HTTP status to an error class.
func classifyStatus(code int) Class {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ClassValidation
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return ClassUnavailable
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ClassTransient
	default:
		return ClassServer
	}
}

// statusError builds the error for a non-2xx response. The evaluator's
// message is kept verbatim.
func statusError(code int, body ErrorBody) *Error {
	msg := body.Error
	if body.Detail != "" {
		if msg != "" {
			msg += ": "
		}
		msg += body.Detail
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &Error{Class: classifyStatus(code), StatusCode: code, Message: msg}
}

// transportError classifies a failure to get any response.
func transportError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Class: ClassTransient, Message: "request cancelled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTransient, Message: "request timed out", Cause: err}
	}
	return &Error{Class: ClassTransient, Message: err.Error(), Cause: err}
}
