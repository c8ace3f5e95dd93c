/*
errors.go - Centralized error types for the star ledger

ERROR CATEGORIES:
  1. Client errors - not found, insufficient balance, bad amount
  2. Concurrency errors - version conflicts (internal), exhausted retries
  3. Store errors - persistence layer unreachable or failing

USAGE:
  res, err := coord.Redeem(ctx, req)
  var short *ledger.InsufficientBalanceError
  if errors.As(err, &short) {
      fmt.Printf("needs %d more stars\n", short.Shortfall)
  }

SEE ALSO:
  - coordinator.go: Retries ErrVersionConflict, surfaces the rest
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when the target account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account that already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrInsufficientBalance is returned when a redemption exceeds the balance.
	// This is a rejection, not a fault.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrVersionConflict is returned by a store when a compare-and-swap or a
	// commit loses against a concurrent writer. The Coordinator retries it and
	// never returns it to callers.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrencyExhausted is returned when every retry lost a conflict.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

	// ErrStorageUnavailable wraps any failure of the persistence layer.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidAmount is returned for a non-positive award or negative cost.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNegativeBalance is returned by a store asked to persist a balance
	// below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a star shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d, shortfall %d",
		e.AccountID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ConcurrencyExhaustedError reports how many attempts lost a conflict.
type ConcurrencyExhaustedError struct {
	AccountID AccountID
	Attempts  int
	Last      error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("concurrency retries exhausted for %s after %d attempts: %v",
		e.AccountID, e.Attempts, e.Last)
}

func (e *ConcurrencyExhaustedError) Unwrap() error {
	return ErrConcurrencyExhausted
}

// StorageError wraps a driver error as ErrStorageUnavailable.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
