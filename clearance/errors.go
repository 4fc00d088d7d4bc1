/*
errors.go - Centralized error types for the clearance workflow

PURPOSE:
  All error kinds in one place so the HTTP layer can map each kind to a
  precise status code and the UI can render exact operator messages.
  Nothing is ever collapsed into a generic failure.

ERROR CATEGORIES:
  1. Lifecycle errors  - Invalid state-machine transitions
  2. Validation errors - Malformed dates/amounts
  3. Eligibility errors - Unknown or out-of-set affiliates
  4. External errors   - Payment gateway failures (carry provider detail)

USAGE:
  Callers classify with errors.Is:

    if errors.Is(err, clearance.ErrInvalidTransition) { ... }

SEE ALSO:
  - criteria.go: Produces lifecycle and precondition errors
  - settlement.go: Wraps gateway failures as ExternalError
  - api/handlers.go: Maps kinds to HTTP statuses
*/
package clearance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned for lifecycle violations: locking a
	// non-open record, completing a non-locked one, settling before schedule.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrInvalidInput is returned for malformed operator input, such as a
	// future cutoff date or a negative threshold.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPreconditionFailed is returned when completing a period that still
	// has unsettled affiliates.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotFound is returned when a referenced affiliate or criteria record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotEligible is returned for an affiliate outside the current
	// eligible set during batch scheduling.
	ErrNotEligible = errors.New("affiliate not eligible")

	// ErrNotReady is returned when querying eligibility before criteria are
	// locked with a cutoff and threshold. Distinct from an empty result.
	ErrNotReady = errors.New("clearance criteria not ready")

	// ErrExternalFailure is returned when the payment gateway reports a
	// failure. The wrapping ExternalError carries the provider detail.
	ErrExternalFailure = errors.New("external payment failure")

	// ErrConcurrentModification is returned by stores when a guarded state
	// transition loses a race. Engines re-read and decide what it means.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError reports an attempt to move a criteria record through an
// illegal lifecycle edge.
type TransitionError struct {
	Current   LifecycleStatus
	Attempted LifecycleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move criteria from %s to %s", e.Current, e.Attempted)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InputError reports malformed operator input with the offending field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// UnsettledError reports a completion attempt while eligible affiliates
// still have no scheduled or settled payment.
type UnsettledError struct {
	Unsettled int
}

func (e *UnsettledError) Error() string {
	return fmt.Sprintf("%d eligible affiliates have no settled payment", e.Unsettled)
}

func (e *UnsettledError) Unwrap() error { return ErrPreconditionFailed }

// ExternalError wraps a payment gateway failure with the provider detail
// so it can be surfaced on the per-affiliate batch result.
type ExternalError struct {
	AffiliateID AffiliateID
	Detail      string
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("payment for affiliate %d failed: %s", e.AffiliateID, e.Detail)
}

func (e *ExternalError) Unwrap() error { return ErrExternalFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid operator input
// or state, rather than an internal fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrNotReady)
}

// IsRetryable returns true if the operation might succeed if re-invoked.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalFailure) ||
		errors.Is(err, ErrConcurrentModification)
}
