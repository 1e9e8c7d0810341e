package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned by a debit that would take a balance
	// below zero. The balance is left untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound covers unknown trade/transfer/code identifiers.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySettled marks a duplicate settlement attempt. Callers absorb
	// it as a no-op; it is never surfaced to users as a failure.
	ErrAlreadySettled = errors.New("trade already settled")

	// ErrAlreadyRedeemed marks a second redemption of the same (user, code) pair.
	ErrAlreadyRedeemed = errors.New("code already redeemed")

	// ErrCodeExhausted is returned when a bonus code's usage cap is reached.
	ErrCodeExhausted = errors.New("code usage cap exceeded")

	// ErrReconciliation signals that a settlement debit failed unexpectedly.
	// This is a broken invariant: the settlement halts and alerts, it does not
	// silently drop the loss.
	ErrReconciliation = errors.New("settlement reconciliation failure")
)

// ValidationError reports a rejected input (bad amount, duration, code, ...).
// It never mutates state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
