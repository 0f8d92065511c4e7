/*
errors.go - Error taxonomy for the fulfillment engine

PURPOSE:
  Every failure the engine reports to callers is typed, so the API layer
  can react specifically (e.g. offer a resupply request on InsufficientStock)
  instead of parsing messages.

ERROR CATEGORIES:
  1. Business rule rejections - InsufficientStock, Overpayment,
     InvalidStatusTransition, DuplicatePendingRequest
  2. Lookup failures - DebtNotFound, NotFound
  3. Concurrency - ConcurrentModification (retried internally, see retry.go)

USAGE:
  Structured errors unwrap to their sentinel, so both styles work:

    if errors.Is(err, core.ErrInsufficientStock) { ... }

    var ise *core.InsufficientStockError
    if errors.As(err, &ise) {
        fmt.Println(ise.Shortfall)
    }

SEE ALSO:
  - retry.go: bounded backoff on ErrConcurrentModification
  - api/handlers.go: HTTP status mapping
*/
package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when matching batches hold less than requested.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrOverpayment is returned when a payment exceeds the remaining debt.
	ErrOverpayment = errors.New("payment exceeds remaining amount")

	// ErrInvalidStatusTransition is returned when a state machine rejects a move.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrDuplicatePendingRequest is returned when an order already has an open request.
	ErrDuplicatePendingRequest = errors.New("duplicate pending request")

	// ErrDebtNotFound is returned when no debt exists for the given key.
	ErrDebtNotFound = errors.New("debt not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned for any other missing entity.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when an operation was already applied.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is returned by the capability check at the boundary.
	ErrForbidden = errors.New("forbidden")

	// ErrLockNotObtained is returned when a lock could not be taken in time.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientStockError struct {
	VehicleID VehicleID
	Color     string
	Owner     Owner
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s/%s at %s: available %d, requested %d",
		e.VehicleID, colorLabel(e.Color), e.Owner, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func (e *InsufficientStockError) Shortfall() int { return e.Requested - e.Available }

func colorLabel(c string) string {
	if c == "" {
		return "*"
	}
	return c
}

type OverpaymentError struct {
	DebtID    DebtID
	Remaining decimal.Decimal
	Attempted decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment on debt %s: remaining %s, attempted %s",
		e.DebtID, e.Remaining.StringFixed(2), e.Attempted.StringFixed(2))
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

type InvalidStatusTransitionError struct {
	Entity string // "order", "order_request", "request_vehicle"
	ID     string
	From   string
	To     string
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidStatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

type DuplicatePendingRequestError struct {
	OrderID  OrderID
	Existing RequestID
}

func (e *DuplicatePendingRequestError) Error() string {
	return fmt.Sprintf("order %s already has open request %s", e.OrderID, e.Existing)
}

func (e *DuplicatePendingRequestError) Unwrap() error { return ErrDuplicatePendingRequest }

type DebtNotFoundError struct {
	Kind string // "customer" or "dealer"
	Key  string
}

func (e *DebtNotFoundError) Error() string {
	return fmt.Sprintf("%s debt not found: %s", e.Kind, e.Key)
}

func (e *DebtNotFoundError) Unwrap() error { return ErrDebtNotFound }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(entity, id string) error { return &NotFoundError{Entity: entity, ID: id} }

func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is a business rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrDuplicatePendingRequest) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidInput)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDebtNotFound)
}
