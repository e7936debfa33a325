package http

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusClientClosed is the nginx convention for a caller that hung up
// before the response was ready.
const StatusClientClosed = 499

// Error is an API error carrying its HTTP status. Cause is logged but never
// sent to the client.
type Error struct {
	Status  int
	Code    string
	Message string
	Details []FieldError
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap attaches the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Cause = err
	return e
}

// NewError builds an Error with an explicit status and code.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func BadRequest(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, "ERR_BAD_REQUEST", fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) *Error {
	return NewError(http.StatusNotFound, "ERR_NOT_FOUND", fmt.Sprintf(format, args...))
}

func TooManyRequests(message string) *Error {
	return NewError(http.StatusTooManyRequests, "ERR_RATE_LIMITED", message)
}

func Internal(message string) *Error {
	return NewError(http.StatusInternalServerError, "ERR_INTERNAL", message)
}

// BadGateway reports a failed upstream call such as model inference.
func BadGateway(message string) *Error {
	return NewError(http.StatusBadGateway, "ERR_UPSTREAM", message)
}

// Cancelled reports a request abandoned by the client.
func Cancelled() *Error {
	return NewError(StatusClientClosed, "ERR_CANCELLED", "request cancelled")
}

// AsError converts any error into an *Error, defaulting to 500.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal server error").Wrap(err)
}
