package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the workspace and ledger components.
var (
	// ErrNotFound means a referenced account or profile document is absent.
	ErrNotFound = errors.New("not found")

	// ErrPersistence means a store transaction could not commit, after the
	// store's own conflict retries were exhausted. Callers decide whether
	// to retry.
	ErrPersistence = errors.New("persistence failure")

	// ErrPermission is the opaque surface of a backend access-rule denial.
	ErrPermission = errors.New("permission denied")

	// ErrInsufficientFunds is returned by the ledger engine when the
	// overdraft guard is enabled and a withdrawal would drive the balance
	// negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSessionClosed is returned by workspace session operations after
	// the session has been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// ValidationError rejects bad input before any I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
