package flow

import "errors"

// ErrNotFound indicates that a referenced flow, run, or task slot does not
// exist. The HTTP boundary maps it to 404.
var ErrNotFound = errors.New("not found")

// ErrRunActive indicates an attempt to delete a run that is still Pending or
// Running. Active runs must reach a terminal state before deletion.
var ErrRunActive = errors.New("run is still active")

// ErrClosed indicates an operation on an engine whose Close has completed.
var ErrClosed = errors.New("engine is closed")

// ValidationError describes a malformed request: a missing task name on a
// grow-the-list update, an unknown state label, a non-positive estimate.
// The HTTP boundary maps it to 400.
type ValidationError struct {
	Message string
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
