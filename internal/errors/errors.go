package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the ledger, match engine and stores.
var (
	ErrNotFound = errors.New("not found")

	// ErrContention means the balance kept changing under us until the
	// CAS retry budget ran out. The caller may retry the whole request.
	ErrContention = errors.New("balance update contention, retry budget exhausted")

	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ValidationError reports malformed input. It is always raised before any
// store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Invalid is shorthand for building a ValidationError.
func Invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation can be retried as a whole.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
