package domain

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("account not found")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("request in progress")
	ErrKeyReuseMismatch  = errors.New("idempotency key reuse with mismatched payload")
)

// Rejection reason codes recorded on REJECTED transactions.
const (
	ReasonValidation        = "VALIDATION"
	ReasonNotFound          = "NOT_FOUND"
	ReasonCurrencyMismatch  = "CURRENCY_MISMATCH"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
)

// ReasonError maps a recorded rejection reason back to its sentinel error, so
// that an idempotent replay of a rejection surfaces the same error kind as the
// original attempt.
func ReasonError(reason string) error {
	switch reason {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonCurrencyMismatch:
		return ErrCurrencyMismatch
	case ReasonInsufficientFunds:
		return ErrInsufficientFunds
	case ReasonValidation:
		return ErrValidation
	default:
		return nil
	}
}
