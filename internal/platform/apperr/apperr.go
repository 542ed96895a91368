// Package apperr defines the error taxonomy shared by the queue engine and
// its HTTP adapters. Domain code returns *Error values; the echo error
// handler maps their codes to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of failure that callers can act on.
type Code string

const (
	InvalidInput      Code = "INVALID_INPUT"
	InvalidClinic     Code = "INVALID_CLINIC"
	LockBusy          Code = "LOCK_BUSY"
	ServiceBusy       Code = "SERVICE_BUSY"
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	NotFound          Code = "NOT_FOUND"
	Timeout           Code = "TIMEOUT"
	DuplicateRequest  Code = "DUPLICATE_REQUEST"
	PinInvalid        Code = "PIN_INVALID"
	RateLimited       Code = "RATE_LIMITED"
	Internal          Code = "INTERNAL"
)

// Error is a coded failure. RetryAfter is set for transient codes.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.New(NotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether a caller may retry the same request later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case LockBusy, ServiceBusy, RateLimited, DuplicateRequest:
		return true
	}
	return false
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Busy returns a transient error advertising when to retry.
func Busy(code Code, msg string, retryAfter time.Duration) *Error {
	return &Error{Code: code, Message: msg, RetryAfter: retryAfter}
}

// CodeOf extracts the code of err, or Internal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the HTTP status the API answers with.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidInput, InvalidClinic:
		return http.StatusBadRequest
	case PinInvalid:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ResourceExhausted, DuplicateRequest, Timeout:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case LockBusy, ServiceBusy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
