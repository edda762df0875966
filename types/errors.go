package types

import (
	"errors"
	"fmt"
)

var (
	ErrAssetMismatch         = errors.New("asset identifiers do not match")
	ErrNegativeAmount        = errors.New("amount must not be negative")
	ErrAmountOverflow        = errors.New("amount overflows int64")
	ErrSameAsset             = errors.New("asset pair must consist of two distinct assets")
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
	ErrNotReserved           = errors.New("no quantity reserved for counterparty")
)

// ValidationError reports malformed input: a bad message field, a negative
// amount, a mismatched asset or a malformed trader id. Input failing
// validation is dropped by the receiver.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...interface{}) ValidationError {
	return ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvariantViolation is returned when an operation would break the order or
// transaction accounting (release beyond reserved, trade beyond total). It
// indicates a bug in the caller; the state is left untouched.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// IsInvariantViolation reports whether err wraps an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv InvariantViolation
	return errors.As(err, &iv)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
