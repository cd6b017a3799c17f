// Package apperrors classifies failures so handlers can map them to HTTP
// responses without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("dependency unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error carries a sentinel plus whatever context the caller had.
type Error struct {
	Sentinel error
	Code     string // stable machine code, e.g. RENDER_START_TIMEOUT
	Message  string
	Field    string // validation only
	Resource string
	JobID    string // set when a job record was created before the failure
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

func Conflict(resource, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource}
}

// Unavailable reports a downstream dependency failure that left jobID in a
// known terminal state.
func Unavailable(code, jobID string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Code:     code,
		Message:  cause.Error(),
		JobID:    jobID,
		Cause:    cause,
	}
}

func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// As returns the structured error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus is the response status for err. A dispatch failure is the
// fleet's fault, so it maps to 502 rather than 503.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
