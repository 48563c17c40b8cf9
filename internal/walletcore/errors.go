/*
errors.go - Centralized error taxonomy for the wallet ledger engine

PURPOSE:
  All error kinds in one place for consistency and discoverability across
  internal/journal, internal/coordinator, internal/walletops, and
  internal/balance. Callers use errors.Is / errors.As against the sentinels
  and structured types declared here, never string matching.

ERROR CATEGORIES:
  1. Validation errors - malformed input, sign-type violation, bad transition
  2. Lookup errors - wallet/group not found
  3. State errors - operation illegal for the current state
  4. Transient errors - underlying I/O faults, retryable
  5. Fatal errors - integrity violations, halt the operation

USAGE:
  if errors.Is(err, walletcore.ErrInsufficientFunds) {
      // surface 409 to caller
  }

SEE ALSO:
  - types.go: the entities these errors protect.
*/
package walletcore

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input: sign-type violation,
	// non-positive amount, unknown status transition, mixed-currency group.
	ErrValidation = errors.New("validation error")

	// ErrWalletNotFound is returned when a referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrGroupNotFound is returned when a referenced group does not exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrInsufficientFunds is returned when available balance is below the
	// amount required by a hold or refund.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrState is returned when an operation is not legal for the current
	// state, e.g. settling a terminal group or finalizing twice.
	ErrState = errors.New("illegal state transition")

	// ErrZeroSum is returned when a group's HOLD entries do not sum to zero
	// at settle time.
	ErrZeroSum = errors.New("group does not balance")

	// ErrIntegrity is returned by the snapshot/archive pipeline when a
	// migration invariant is violated (count mismatch, immutability
	// breach). Fatal: the operation has already rolled back.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTransient is returned for underlying I/O faults. Retryable by the
	// caller, including with the same idempotency key.
	ErrTransient = errors.New("transient storage error")

	// ErrDuplicateIdempotencyKey signals a collision on a key already
	// bound to a different request shape; a same-shape collision instead
	// returns the pre-existing result without error.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key bound to a different request")

	// ErrGroupNotOpen is returned when a hold targets a group that is not
	// IN_PROGRESS.
	ErrGroupNotOpen = errors.New("group is not open")
)

// =============================================================================
// STRUCTURED ERRORS - carry additional context
// =============================================================================

// InsufficientFundsError details a balance shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on wallet %s: available %d, requested %d",
		e.WalletID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ZeroSumError details a settle-time imbalance.
type ZeroSumError struct {
	GroupID GroupID
	Sum     int64
}

func (e *ZeroSumError) Error() string {
	return fmt.Sprintf("group %s does not balance: sum=%d", e.GroupID, e.Sum)
}

func (e *ZeroSumError) Unwrap() error { return ErrZeroSum }

// StateError details an illegal transition attempt.
type StateError struct {
	GroupID GroupID
	From    GroupStatus
	Attempt string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("group %s: cannot %s from state %s", e.GroupID, e.Attempt, e.From)
}

func (e *StateError) Unwrap() error { return ErrState }

// IntegrityError details a pipeline migration failure.
type IntegrityError struct {
	WalletID WalletID
	Step     string
	Expected int
	Actual   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation during %s for wallet %s: expected %d, got %d",
		e.Step, e.WalletID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ValidationError details a rejected input or invariant violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the caller may retry the same request,
// including with the same idempotency key, without risk of duplication.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError reports whether the error stems from invalid caller input
// or state rather than a server-side fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrZeroSum) ||
		errors.Is(err, ErrGroupNotOpen) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound reports whether the error indicates a missing wallet or group.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) || errors.Is(err, ErrGroupNotFound)
}
