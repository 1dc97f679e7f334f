/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any mutation
  2. Transition errors - state machine violations, ledger unchanged
  3. Payment errors - already paid, amount mismatch
  4. Lookup errors - missing plans, installments, gateway records
  5. Store errors - persistence failures (wrapped with %w by stores)

Callers match with errors.Is against the sentinels and errors.As against
the structured types when they need the details.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation              = errors.New("validation failed")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidInstallmentCount = errors.New("invalid installment count")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrAmountMismatch          = errors.New("amount mismatch")

	// ErrAlreadyPaid is returned when a different payment targets an
	// installment that is already settled. A replay of the original
	// idempotency key is not an error.
	ErrAlreadyPaid = errors.New("installment already paid")

	ErrPlanNotFound           = errors.New("payment plan not found")
	ErrInstallmentNotFound    = errors.New("installment not found")
	ErrReceiptNotFound        = errors.New("receipt not found")
	ErrGatewayPaymentNotFound = errors.New("gateway payment not found")

	// ErrDuplicateIdempotencyKey is raised by stores on the unique index.
	// The reconciler turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
	Cause   error // optional, more specific sentinel
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Cause != nil && errors.Is(e.Cause, target))
}

// TransitionError records a rejected move in the state graph.
type TransitionError struct {
	Entity string // "plan" or "installment"
	ID     int64
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %d: cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyPaidError names the receipt that settled the installment.
type AlreadyPaidError struct {
	InstallmentID InstallmentID
	ReceiptID     *ReceiptID
}

func (e *AlreadyPaidError) Error() string {
	if e.ReceiptID != nil {
		return fmt.Sprintf("installment %d already paid (receipt %d)", e.InstallmentID, *e.ReceiptID)
	}
	return fmt.Sprintf("installment %d already paid", e.InstallmentID)
}

func (e *AlreadyPaidError) Unwrap() error { return ErrAlreadyPaid }

// AmountMismatchError is returned when a payment does not equal the
// outstanding installment amount exactly.
type AmountMismatchError struct {
	InstallmentID InstallmentID
	Expected      decimal.Decimal
	Got           decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("installment %d: expected amount %s, got %s",
		e.InstallmentID, e.Expected.StringFixed(MoneyPlaces), e.Got.StringFixed(MoneyPlaces))
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInstallmentCount) ||
		errors.Is(err, ErrAmountMismatch)
}

// IsConflict returns true if the request clashes with current ledger state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrInstallmentNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrGatewayPaymentNotFound)
}
