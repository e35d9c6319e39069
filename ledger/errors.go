/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All ledger error types in one place. Callers branch on them with
  errors.Is / errors.As to build user-facing messages (remaining cooldown,
  shortfall) or decide whether to retry.

ERROR CATEGORIES:
  1. Validation errors   - rejected before any I/O, no state change
  2. Precondition errors - cooldown, balance, daily bonus, referral rules
  3. Conflict errors     - compare-and-swap lost, safe to retry
  4. Store errors        - durable store unavailable, safe to retry

SEE ALSO:
  - ledger.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAccountID = errors.New("invalid account id")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidTarget    = errors.New("invalid target account")
	ErrSelfReferral     = errors.New("account cannot refer itself")

	// Preconditions
	ErrCooldownActive       = errors.New("ad reward cooldown active")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAlreadyClaimedToday  = errors.New("daily bonus already claimed today")
	ErrDuplicateReferral    = errors.New("referral already rewarded")
	ErrReferralAlreadySet   = errors.New("referral code already applied")
	ErrReferralCodeNotFound = errors.New("referral code not found")
	ErrReferralNotLinked    = errors.New("referred account is not linked to this referrer")

	// Lookups
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// ErrConcurrentModification is returned when the account changed between
	// read and commit. The operation had no effect and may be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable marks failures of the durable store itself.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrLedgerMismatch is returned by Reconcile when replaying the log does
	// not reproduce the account snapshot.
	ErrLedgerMismatch = errors.New("ledger does not match account snapshot")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CooldownError reports how long until the next ad reward is allowed.
type CooldownError struct {
	AccountID AccountID
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("ad reward cooldown active: %ds remaining", e.RemainingSeconds())
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// RemainingSeconds rounds up so a client never retries too early.
func (e *CooldownError) RemainingSeconds() int64 {
	secs := int64(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d, shortfall %d",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func (e *InsufficientBalanceError) Shortfall() int64 { return e.Required - e.Available }

// StoreError wraps a failure of the underlying store. It matches both
// ErrStoreUnavailable and the original cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// wrapStore leaves ledger errors alone and marks everything else as a store
// failure.
func wrapStore(op string, err error) error {
	if err == nil || isLedgerError(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func isLedgerError(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true for validation and precondition failures.
func IsClientError(err error) bool {
	return IsValidationError(err) ||
		errors.Is(err, ErrCooldownActive) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyClaimedToday) ||
		errors.Is(err, ErrDuplicateReferral) ||
		errors.Is(err, ErrReferralAlreadySet) ||
		errors.Is(err, ErrReferralNotLinked) ||
		errors.Is(err, ErrAccountExists)
}

// IsValidationError returns true for input rejected before any I/O.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAccountID) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrSelfReferral)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrReferralCodeNotFound)
}
