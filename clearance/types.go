/*
Package clearance implements the affiliate earnings clearance and
batch-payment workflow.

PURPOSE:
  This package contains the domain types and engines for running a
  payout cycle: an operator locks a cutoff date and minimum-amount
  threshold, the engine computes which affiliates are eligible for
  payment, individual affiliates can be manually overridden, and
  payments are executed in two phases (schedule, then settle) with
  per-affiliate failure isolation.

KEY CONCEPTS IN THIS FILE (types.go):
  - ClearanceCriteria: The cutoff/threshold record with its lifecycle
    (open -> locked -> completed)
  - AffiliateEarningsSnapshot: A recomputed view of one affiliate's
    unpaid earnings plus its persisted clearance/batch state
  - BatchOperationResult: Per-affiliate outcome of a batch call
  - EarningsRow: What the earnings ledger provider supplies

DESIGN PRINCIPLES:
  1. Recompute, don't copy: snapshots are derived from the earnings
     ledger at query time; only the clearance status and batch state
     are persisted per affiliate
  2. Precision: decimal.Decimal for all money
  3. Forward-only lifecycle: criteria never move backwards; a new
     period supersedes a completed record
  4. Idempotent batches: re-running schedule/settle is always safe

SEE ALSO:
  - criteria.go: Lifecycle state machine
  - query.go: Eligibility computation
  - settlement.go: Two-phase batch payment engine
*/
package clearance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CriteriaID string

// AffiliateID is the platform-wide numeric affiliate identifier.
type AffiliateID int64

// =============================================================================
// LIFECYCLE - Clearance criteria states
// =============================================================================

type LifecycleStatus string

const (
	StatusOpen      LifecycleStatus = "open"      // Cutoff/threshold still editable
	StatusLocked    LifecycleStatus = "locked"    // Eligible set frozen, payments may run
	StatusCompleted LifecycleStatus = "completed" // Period closed
)

// ClearanceCriteria is the singleton-per-period record that defines which
// unpaid earnings are eligible for payout. Only the active (non-superseded)
// record is ever mutated; completed records are kept as history.
type ClearanceCriteria struct {
	ID     CriteriaID
	Status LifecycleStatus

	// Both nil while the record is open and unset.
	CutoffDate    *time.Time
	MinimumAmount *decimal.Decimal

	ForcedComplete bool

	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	SupersededAt *time.Time
}

// Ready reports whether the criteria can drive eligibility queries:
// the lifecycle is past open and both cutoff and threshold are present.
func (c *ClearanceCriteria) Ready() bool {
	if c == nil {
		return false
	}
	if c.Status != StatusLocked && c.Status != StatusCompleted {
		return false
	}
	return c.CutoffDate != nil && c.MinimumAmount != nil
}

// =============================================================================
// PER-AFFILIATE STATE - The only persisted snapshot fields
// =============================================================================

type ClearanceStatus string

const (
	ClearancePending  ClearanceStatus = "pending"
	ClearanceCleared  ClearanceStatus = "cleared"
	ClearanceExcluded ClearanceStatus = "excluded"
)

// ValidClearanceStatus reports whether s is one of the known statuses.
func ValidClearanceStatus(s ClearanceStatus) bool {
	switch s {
	case ClearancePending, ClearanceCleared, ClearanceExcluded:
		return true
	}
	return false
}

type BatchState string

const (
	BatchNone      BatchState = "none"
	BatchScheduled BatchState = "scheduled"
	// BatchSettling marks a payment claimed by an in-flight gateway call.
	// It reverts to scheduled when the call fails and advances to settled
	// when it succeeds; a second settle cannot claim the same id meanwhile.
	BatchSettling BatchState = "settling"
	BatchSettled  BatchState = "settled"
)

// AffiliateState is the persisted per-affiliate state within one clearance
// period. Everything else on a snapshot is recomputed from the ledger.
type AffiliateState struct {
	CriteriaID  CriteriaID
	AffiliateID AffiliateID
	Status      ClearanceStatus
	BatchState  BatchState
	UpdatedAt   time.Time
}

// OverrideRecord is one append-only audit entry for a manual status change.
type OverrideRecord struct {
	ID             string
	CriteriaID     CriteriaID
	AffiliateID    AffiliateID
	PreviousStatus ClearanceStatus
	NewStatus      ClearanceStatus
	Actor          string
	CreatedAt      time.Time
}

// =============================================================================
// EARNINGS - What the external ledger provider supplies
// =============================================================================

// DefaultBookingCategory is the category an unset filter normalizes to.
// The admin console has always treated "no category chosen" as category 1
// (standard route fares); carried over as intentional behavior.
const DefaultBookingCategory = 1

// EarningsQuery is the filter passed to the earnings ledger provider.
type EarningsQuery struct {
	// Only earnings accrued on or before this date count.
	CutoffDate time.Time

	// Booking category to report on. Always a concrete category;
	// normalization of the unset value happens before the provider call.
	BookingCategory int
}

// EarningsRow is one affiliate's aggregated unpaid earnings as reported by
// the ledger provider. The provider is the source of truth for amounts;
// this package never mutates it.
type EarningsRow struct {
	AffiliateID      AffiliateID
	DisplayName      string
	ContractType     string
	UnpaidCount      int
	UnpaidAmount     decimal.Decimal
	IDExpirationDate *time.Time
	Fake             bool
}

// =============================================================================
// SNAPSHOT - Recomputed view returned by the eligibility engine
// =============================================================================

// AffiliateEarningsSnapshot merges a ledger row with the persisted
// per-affiliate state. Never stored.
type AffiliateEarningsSnapshot struct {
	AffiliateID      AffiliateID
	DisplayName      string
	ContractType     string
	UnpaidCount      int
	UnpaidAmount     decimal.Decimal
	IDExpirationDate *time.Time
	Status           ClearanceStatus
	BatchState       BatchState
}

// BatchEligible reports whether the affiliate may enter a payment batch.
func (s AffiliateEarningsSnapshot) BatchEligible() bool {
	return s.Status != ClearanceExcluded
}

// SnapshotPage is one page of eligibility results plus the total row count
// across all pages, for grid pagination.
type SnapshotPage struct {
	Rows       []AffiliateEarningsSnapshot
	TotalCount int
	Page       int
	PageSize   int
}

// =============================================================================
// BATCH RESULTS
// =============================================================================

type BatchOutcome string

const (
	OutcomeSucceeded BatchOutcome = "succeeded"
	OutcomeFailed    BatchOutcome = "failed"
)

// Failure reasons carried on failed batch results.
const (
	ReasonNotEligible       = "not_eligible"
	ReasonInvalidTransition = "invalid_transition"
	ReasonExternalFailure   = "external_failure"
	ReasonConflict          = "conflict"
)

// BatchOperationResult is the per-affiliate outcome of a schedule or settle
// call. Batch calls always return one result per requested id; a failed id
// never aborts the rest of the batch.
type BatchOperationResult struct {
	AffiliateID AffiliateID
	Outcome     BatchOutcome
	Reason      string // one of the Reason* constants, empty on success
	ErrorDetail string // provider/engine detail, empty on success
}

// BatchSummary aggregates a result list for the response envelope.
type BatchSummary struct {
	Requested int
	Succeeded int
	Failed    int
}

// Summarize counts outcomes in results.
func Summarize(results []BatchOperationResult) BatchSummary {
	s := BatchSummary{Requested: len(results)}
	for _, r := range results {
		if r.Outcome == OutcomeSucceeded {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// DateOnly truncates t to midnight UTC. Cutoff comparisons are whole-day.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Today returns the current date at midnight UTC.
func Today() time.Time {
	return DateOnly(time.Now().UTC())
}
