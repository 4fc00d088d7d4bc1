/*
criteria.go - Clearance lifecycle state machine

PURPOSE:
  Orchestrates the forward-only lifecycle of the active criteria record
  and gates what the other engines may do:

    open ──lock──▶ locked ──complete──▶ completed ──new period──▶ open
                                                     (fresh record)

  There is no edge backwards. A completed period is immutable; the only
  way to run another payout cycle is to supersede it with a new record.

RACE SAFETY:
  The service validates and the store enforces. Every transition is a
  guarded write (compare-and-swap on lifecycle status), so when two
  operators lock concurrently exactly one wins; the loser's
  ErrConcurrentModification is surfaced as InvalidTransition because by
  then the record genuinely is no longer open.

COMPLETION PRECONDITION:
  complete() refuses to close a period while any eligible affiliate
  still has batch state "none" - unsettled money must not be silently
  dropped. Operators can force past this; forced completions are logged
  and flagged on the record.

SEE ALSO:
  - store.go: CriteriaStore contract
  - query.go: Eligible set used by the completion precondition
*/
package clearance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// CriteriaService drives lifecycle transitions on the active criteria
// record.
type CriteriaService struct {
	Store CriteriaStore
	Query *QueryEngine

	// NowFn supplies the evaluation instant for cutoff validation.
	// Defaults to Today; tests pin it.
	NowFn func() time.Time
}

// NewCriteriaService creates the state machine over the given store and
// query engine.
func NewCriteriaService(store CriteriaStore, query *QueryEngine) *CriteriaService {
	return &CriteriaService{Store: store, Query: query, NowFn: Today}
}

func (s *CriteriaService) now() time.Time {
	if s.NowFn != nil {
		return DateOnly(s.NowFn())
	}
	return Today()
}

// Current returns the active criteria record, creating the default open
// record on first use. Never fails for lifecycle reasons.
func (s *CriteriaService) Current(ctx context.Context) (*ClearanceCriteria, error) {
	return s.Store.Current(ctx)
}

// History returns all criteria records, newest first.
func (s *CriteriaService) History(ctx context.Context) ([]ClearanceCriteria, error) {
	return s.Store.History(ctx)
}

// Lock freezes the cutoff date and minimum threshold, moving the active
// record from open to locked. Fails with InvalidInput for a future cutoff
// or negative threshold, InvalidTransition when the record is not open.
func (s *CriteriaService) Lock(ctx context.Context, cutoff time.Time, minimum decimal.Decimal) (*ClearanceCriteria, error) {
	if cutoff.IsZero() {
		return nil, &InputError{Field: "cutoff_date", Message: "required"}
	}
	cutoff = DateOnly(cutoff)
	if cutoff.After(s.now()) {
		return nil, &InputError{Field: "cutoff_date", Message: "must not be in the future"}
	}
	if minimum.IsNegative() {
		return nil, &InputError{Field: "minimum_amount", Message: "must not be negative"}
	}

	current, err := s.Store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusOpen {
		return nil, &TransitionError{Current: current.Status, Attempted: StatusLocked}
	}

	locked, err := s.Store.Lock(ctx, current.ID, cutoff, minimum)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// Someone else locked (or completed) first; the record is no
			// longer open, which is exactly an invalid transition.
			return nil, &TransitionError{Current: StatusLocked, Attempted: StatusLocked}
		}
		return nil, err
	}

	s.invalidate()
	log.Printf("[Clearance] Criteria %s locked: cutoff=%s minimum=%s",
		locked.ID, cutoff.Format("2006-01-02"), minimum.String())
	return locked, nil
}

// Complete closes the period. Fails with NotFound for an unknown id,
// InvalidTransition unless the record is locked, and PreconditionFailed
// while eligible affiliates remain unsettled - unless force is set, in
// which case the override is logged and flagged on the record.
func (s *CriteriaService) Complete(ctx context.Context, id CriteriaID, force bool) (*ClearanceCriteria, error) {
	current, err := s.Store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current.ID != id {
		return nil, fmt.Errorf("criteria %s is not the active record: %w", id, ErrNotFound)
	}
	if current.Status != StatusLocked {
		return nil, &TransitionError{Current: current.Status, Attempted: StatusCompleted}
	}

	unsettled, err := s.countUnsettled(ctx)
	if err != nil {
		return nil, err
	}
	if unsettled > 0 {
		if !force {
			return nil, &UnsettledError{Unsettled: unsettled}
		}
		log.Printf("[Clearance] FORCED completion of criteria %s with %d unsettled affiliates", id, unsettled)
	}

	completed, err := s.Store.Complete(ctx, id, force && unsettled > 0)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, &TransitionError{Current: current.Status, Attempted: StatusCompleted}
		}
		return nil, err
	}

	s.invalidate()
	log.Printf("[Clearance] Criteria %s completed", id)
	return completed, nil
}

// StartNewPeriod supersedes a completed record with a fresh open one.
func (s *CriteriaService) StartNewPeriod(ctx context.Context) (*ClearanceCriteria, error) {
	current, err := s.Store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusCompleted {
		return nil, &TransitionError{Current: current.Status, Attempted: StatusOpen}
	}

	fresh, err := s.Store.StartNewPeriod(ctx)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, &TransitionError{Current: current.Status, Attempted: StatusOpen}
		}
		return nil, err
	}

	s.invalidate()
	log.Printf("[Clearance] New period %s opened, superseding %s", fresh.ID, current.ID)
	return fresh, nil
}

// countUnsettled counts eligible affiliates whose payment was never
// scheduled nor settled. Excluded affiliates do not count: the operator
// has explicitly taken them out of the cycle.
func (s *CriteriaService) countUnsettled(ctx context.Context) (int, error) {
	snapshots, err := s.Query.Snapshots(ctx, SnapshotFilter{})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, snap := range snapshots {
		if snap.Status == ClearanceExcluded {
			continue
		}
		if snap.BatchState != BatchSettled {
			count++
		}
	}
	return count, nil
}

func (s *CriteriaService) invalidate() {
	if s.Query != nil {
		s.Query.Invalidate()
	}
}
