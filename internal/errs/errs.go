package errs

import (
	"errors"
	"fmt"
)

// Code classifies a failure for handling policy. Validation failures never
// reach the network; network failures are retryable; auth failures are
// forwarded to the session collaborator; conflicts trigger a data refresh;
// stale-data is internal-only and resolved by appending.
type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeNetwork    Code = "NETWORK"
	CodeAuth       Code = "AUTH"
	CodeConflict   Code = "CONFLICT"
	CodeStaleData  Code = "STALE_DATA"
	CodeInternal   Code = "INTERNAL"
)

// Error is a classified error scoped to a single entity (one message, one
// appointment action). It never invalidates sibling state.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Code == CodeNetwork
}

func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func Network(message string, err error) *Error {
	return &Error{Code: CodeNetwork, Message: message, Err: err}
}

func Auth(message string, err error) *Error {
	return &Error{Code: CodeAuth, Message: message, Err: err}
}

func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func StaleData(message string) *Error {
	return &Error{Code: CodeStaleData, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
