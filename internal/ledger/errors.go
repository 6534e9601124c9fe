package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation marks a double-entry or balance check failing
	// after a write. Fatal integrity defect: surfaced to operators, never
	// auto-corrected.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// ValidationError rejects malformed input to a ledger operation before any
// write. Not retryable without fixing the request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InsufficientBalanceError rejects a movement whose balance guard failed.
// Balances are guaranteed unchanged; retryable with a smaller amount.
type InsufficientBalanceError struct {
	AccountID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on account %s: requested %s, available %s",
		e.AccountID, e.Requested.String(), e.Available.String())
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ie *InsufficientBalanceError
	return errors.As(err, &ie)
}
