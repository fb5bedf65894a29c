package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// ErrUpstreamUnavailable signals a collaborator (catalog, billing) failure.
// Callers surface it as a retryable error.
var ErrUpstreamUnavailable = errors.New("upstream service unavailable")

type shutdown struct {
	message string
}

// NewShutdownError signals an unrecoverable integrity failure;
// the server should stop accepting work when it is caught.
func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
