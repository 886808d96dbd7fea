package ledger

import (
	"errors"
	"fmt"
)

// Validation errors. These are detected before any write happens, so a
// caller seeing one of them knows no state changed anywhere.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrInvalidPrice       = errors.New("price must be positive")
)

// IsValidation reports whether err is one of the pre-write validation
// errors, as opposed to a transport or partial-sequence failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice)
}

// StepError marks a failure at a named step of a non-atomic remote
// mutation sequence. Steps already completed before the failure are NOT
// rolled back; the step name is what lets reconciliation tooling tell a
// partial failure apart from a full success and locate the drift.
type StepError struct {
	Step string // e.g. "fetch_portfolio", "update_cash", "insert_transaction"
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("trade step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepFailed wraps err as a StepError for the named step.
func StepFailed(step string, err error) error {
	return &StepError{Step: step, Err: err}
}
