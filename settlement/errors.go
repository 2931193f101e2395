/*
errors.go - Error taxonomy for the settlement engine

PURPOSE:
  All error types in one place. Callers classify failures with errors.Is /
  errors.As or the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - caller-correctable, raised before any mutation
  2. Persistence errors - a port call failed; compensation has already run
  3. Compensation errors - a compensating action failed; state may be partial
     and needs operator attention

SEE ALSO:
  - saga.go: Produces CompensationError
  - api/handlers.go: Maps categories to HTTP status codes
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Stock
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrInsufficientStock = errors.New("insufficient stock")

	// Payments
	ErrInvalidForWalkIn     = errors.New("customer balance payments are not allowed for walk-in orders")
	ErrWalkInMustPayFull    = errors.New("walk-in orders must be paid in full")
	ErrInvalidAmount        = errors.New("payment amount must not be negative")
	ErrInvalidPaymentMethod = errors.New("unknown payment method")
	ErrNonCashOverpayment   = errors.New("non-cash payments exceed order total")
	ErrCreditLimitExceeded  = errors.New("credit limit exceeded")

	// Orders
	ErrEmptyOrder    = errors.New("order has no items")
	ErrInvalidPrice  = errors.New("unit price must not be negative")
	ErrOrderIDReused = errors.New("order id already used")

	// Lookups
	ErrProductNotFound  = errors.New("product not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrOrderNotFound    = errors.New("order not found")

	// Persistence
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrCompensationFailure    = errors.New("compensation failure")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrLockNotObtained        = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports a reservation larger than the available stock.
type InsufficientStockError struct {
	ProductID ProductID
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// OutOfStockError reports a reservation against a product with no stock at all.
type OutOfStockError struct {
	ProductID ProductID
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %s is out of stock", e.ProductID)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// ItemError attributes a failure to one line of an order request.
type ItemError struct {
	Index     int
	ProductID ProductID
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.ProductID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// CreditLimitError reports a settlement that would push a customer's debt
// beyond the configured limit.
type CreditLimitError struct {
	CustomerID   CustomerID
	Limit        decimal.Decimal
	BalanceAfter decimal.Decimal
}

func (e *CreditLimitError) Error() string {
	return fmt.Sprintf("credit limit exceeded for %s: balance after %s, limit %s",
		e.CustomerID, e.BalanceAfter.StringFixed(2), e.Limit.StringFixed(2))
}

func (e *CreditLimitError) Unwrap() error { return ErrCreditLimitExceeded }

// PersistenceError reports a failed port call. Step names the call.
type PersistenceError struct {
	Step Step
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure at %s: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

// CompensationError reports a compensating action that itself failed.
// Original is the failure that triggered compensation.
type CompensationError struct {
	Step     Step
	Cause    error
	Original error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failure at %s: %v (while recovering from: %v)",
		e.Step, e.Cause, e.Original)
}

func (e *CompensationError) Unwrap() []error {
	errs := []error{ErrCompensationFailure, e.Cause}
	if e.Original != nil {
		errs = append(errs, e.Original)
	}
	return errs
}

// stepError wraps a port failure. Lookup misses pass through unwrapped so
// they stay caller-correctable.
func stepError(step Step, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Step: step, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if resubmitting the whole settlement might succeed.
func IsRetryable(err error) bool {
	if IsCompensationFailure(err) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	if IsCompensationFailure(err) {
		return false
	}
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidForWalkIn) ||
		errors.Is(err, ErrWalkInMustPayFull) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrNonCashOverpayment) ||
		errors.Is(err, ErrCreditLimitExceeded) ||
		errors.Is(err, ErrEmptyOrder) ||
		errors.Is(err, ErrInvalidPrice)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}

// IsConflict returns true if the error comes from a competing writer or a reused id.
func IsConflict(err error) bool {
	if IsCompensationFailure(err) {
		return false
	}
	return errors.Is(err, ErrOrderIDReused) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsCompensationFailure returns true if a rollback failed and state may be partial.
func IsCompensationFailure(err error) bool {
	return errors.Is(err, ErrCompensationFailure)
}
