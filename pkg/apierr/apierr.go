// Package apierr defines the machine-readable error taxonomy surfaced by
// the control API: not_found, conflict, invalid_argument, queue_full,
// precondition_failed, unavailable, internal.
package apierr

import "fmt"

// Code is a machine-readable error classification.
type Code string

const (
	NotFound           Code = "not_found"
	Conflict           Code = "conflict"
	InvalidArgument    Code = "invalid_argument"
	QueueFull          Code = "queue_full"
	PreconditionFailed Code = "precondition_failed"
	Unavailable        Code = "unavailable"
	Internal           Code = "internal"
)

// APIError carries a Code plus a human message and an optional wrapped
// cause. Every error returned across a package boundary in this module
// should be (or wrap) an *APIError so the control API surface can map it
// to the right response without guessing.
type APIError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *APIError {
	return &APIError{Code: code, Message: message, Err: err}
}

func WithDetails(code Code, message string, details map[string]any) *APIError {
	return &APIError{Code: code, Message: message, Details: details}
}

func NotFoundf(format string, args ...any) *APIError {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *APIError {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) *APIError {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func PreconditionFailedf(format string, args ...any) *APIError {
	return New(PreconditionFailed, fmt.Sprintf(format, args...))
}

// CodeOf extracts the Code from err if it is (or wraps) an *APIError,
// returns the empty Code for a nil err, and otherwise returns Internal.
func CodeOf(err error) Code {
	var ae *APIError
	if err == nil {
		return ""
	}
	if asAPIError(err, &ae) {
		return ae.Code
	}
	return Internal
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
