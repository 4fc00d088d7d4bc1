/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the clearance engines and everything
  they depend on: the criteria store, the per-affiliate state store,
  the external earnings ledger and the payment gateway.

GUARDED TRANSITIONS:
  Both stores expose compare-and-swap style writes:
  - CriteriaStore.Lock/Complete only succeed from the expected
    lifecycle status; a lost race returns ErrConcurrentModification.
  - AffiliateStateStore.TransitionBatchState only succeeds when the
    current batch state matches the expected one.
  This is what keeps two concurrent lock() calls, or two batch calls
  touching the same affiliate, from both succeeding.

IMPLEMENTATIONS:
  - store/sqlite: production store (guarded UPDATEs)
  - clearance/store: in-memory store for tests and dev

SEE ALSO:
  - criteria.go: Drives CriteriaStore
  - settlement.go: Drives TransitionBatchState
*/
package clearance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CRITERIA STORE
// =============================================================================

// CriteriaStore owns the clearance criteria records. At most one record is
// active (not superseded) at a time; completed records are kept as history.
type CriteriaStore interface {
	// Current returns the active criteria record, creating a default open
	// record if none exists. Never returns nil without error.
	Current(ctx context.Context) (*ClearanceCriteria, error)

	// Lock sets cutoff/threshold and moves the record to locked. Guarded:
	// returns ErrConcurrentModification unless the record is currently open.
	Lock(ctx context.Context, id CriteriaID, cutoff time.Time, minimum decimal.Decimal) (*ClearanceCriteria, error)

	// Complete moves the record to completed. Guarded: returns
	// ErrConcurrentModification unless the record is currently locked.
	Complete(ctx context.Context, id CriteriaID, forced bool) (*ClearanceCriteria, error)

	// StartNewPeriod supersedes the active record and creates a fresh open
	// one. Guarded: the active record must be completed.
	StartNewPeriod(ctx context.Context) (*ClearanceCriteria, error)

	// History returns all criteria records, newest first.
	History(ctx context.Context) ([]ClearanceCriteria, error)
}

// =============================================================================
// AFFILIATE STATE STORE
// =============================================================================

// AffiliateStateStore persists the only two snapshot fields with independent
// state: the individual clearance status and the payment batch state, scoped
// to one clearance period.
type AffiliateStateStore interface {
	// States returns all persisted states for the period, keyed by affiliate.
	// Affiliates without a row are implicitly pending/none.
	States(ctx context.Context, criteriaID CriteriaID) (map[AffiliateID]AffiliateState, error)

	// SetStatus upserts the individual clearance status for one affiliate
	// and returns the status the row held before the write. Read and write
	// happen atomically, so concurrent callers observe a consistent
	// previous-status chain. A missing row counts as ClearancePending.
	SetStatus(ctx context.Context, criteriaID CriteriaID, affiliateID AffiliateID, status ClearanceStatus) (ClearanceStatus, error)

	// TransitionBatchState moves one affiliate's batch state from `from` to
	// `to`. Guarded: returns ErrConcurrentModification when the current
	// state does not match `from`. A missing row counts as BatchNone.
	TransitionBatchState(ctx context.Context, criteriaID CriteriaID, affiliateID AffiliateID, from, to BatchState) error

	// AppendOverride records one manual status change in the audit history.
	AppendOverride(ctx context.Context, rec OverrideRecord) error

	// Overrides returns the audit history for one affiliate, oldest first.
	Overrides(ctx context.Context, criteriaID CriteriaID, affiliateID AffiliateID) ([]OverrideRecord, error)
}

// =============================================================================
// EXTERNAL COLLABORATORS - Consumed, never reimplemented
// =============================================================================

// EarningsProvider is the external ledger that owns unpaid earnings. The
// query engine reads from it on every computation and never mutates it.
type EarningsProvider interface {
	ListUnpaidEarnings(ctx context.Context, q EarningsQuery) ([]EarningsRow, error)
}

// PaymentGateway performs the actual funds transfer for one affiliate.
// Treated as at-most-once per call; the settlement engine's own idempotent
// state prevents double payment on retry.
type PaymentGateway interface {
	SettlePayment(ctx context.Context, affiliateID AffiliateID) error
}
