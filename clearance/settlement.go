/*
settlement.go - Two-phase batch settlement engine

PURPOSE:
  Executes batch payments over a selection of affiliate ids in two
  phases:

    schedule: mark intent      none ──▶ scheduled
    settle:   transfer funds   scheduled ──▶ settled (via gateway)

  Scheduling must precede settling. Both phases are idempotent per
  affiliate: re-scheduling a scheduled id and re-settling a settled id
  are no-op successes, so operators can safely retry after partial
  failures.

PARTIAL-FAILURE ISOLATION:
  A batch call never fails as a whole because one affiliate failed.
  Each id is processed independently and reported on its own
  BatchOperationResult; only structural problems (criteria not ready,
  store down) raise a top-level error.

CONCURRENCY:
  Ids fan out to a bounded pool of workers. Transitions on a single
  affiliate serialize through the store's guarded batch-state write:
  when two calls race on one id, one transition wins and the other
  re-reads to report the state it actually observed. Settling claims
  the id (scheduled -> settling) BEFORE touching the gateway, so two
  concurrent settles on one id produce exactly one payment; the claim
  reverts to scheduled when the gateway call fails.

TIMEOUTS:
  Each gateway call carries a bounded timeout. A timed-out payment is
  a FAILED result for that id - still scheduled, retryable - never a
  fatal error for the batch.

SEE ALSO:
  - store.go: TransitionBatchState contract
  - query.go: Eligible set consulted during scheduling
*/
package clearance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// DefaultSettleTimeout bounds one payment gateway call.
	DefaultSettleTimeout = 10 * time.Second

	// defaultWorkers bounds concurrent gateway calls per batch.
	defaultWorkers = 8
)

// SettlementEngine owns all batch-state transitions.
type SettlementEngine struct {
	Criteria CriteriaStore
	States   AffiliateStateStore
	Query    *QueryEngine
	Gateway  PaymentGateway

	// SettleTimeout bounds each gateway call; zero means DefaultSettleTimeout.
	SettleTimeout time.Duration

	// Workers bounds concurrent processing; zero means defaultWorkers.
	Workers int
}

// NewSettlementEngine creates the engine with default timeout and pool size.
func NewSettlementEngine(criteria CriteriaStore, states AffiliateStateStore, query *QueryEngine, gateway PaymentGateway) *SettlementEngine {
	return &SettlementEngine{
		Criteria: criteria,
		States:   states,
		Query:    query,
		Gateway:  gateway,
	}
}

// Schedule marks payment intent for each selected affiliate. Ids already
// scheduled or settled are no-op successes; ids outside the eligible set,
// or excluded by an operator override, fail with NotEligible. Returns one
// result per unique requested id, in first-occurrence order.
func (se *SettlementEngine) Schedule(ctx context.Context, selection []AffiliateID) ([]BatchOperationResult, error) {
	criteria, err := se.readyCriteria(ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := se.Query.Snapshots(ctx, SnapshotFilter{})
	if err != nil {
		return nil, err
	}
	eligible := make(map[AffiliateID]AffiliateEarningsSnapshot, len(snapshots))
	for _, snap := range snapshots {
		eligible[snap.AffiliateID] = snap
	}

	return se.forEach(ctx, selection, func(ctx context.Context, id AffiliateID) BatchOperationResult {
		return se.scheduleOne(ctx, criteria.ID, id, eligible)
	}), nil
}

func (se *SettlementEngine) scheduleOne(ctx context.Context, criteriaID CriteriaID, id AffiliateID, eligible map[AffiliateID]AffiliateEarningsSnapshot) BatchOperationResult {
	snap, ok := eligible[id]
	if !ok {
		return failed(id, ReasonNotEligible, "affiliate not in current eligible set")
	}
	if !snap.BatchEligible() {
		return failed(id, ReasonNotEligible, "affiliate excluded by operator override")
	}

	switch snap.BatchState {
	case BatchScheduled, BatchSettling, BatchSettled:
		// Idempotent no-op.
		return succeeded(id)
	}

	err := se.States.TransitionBatchState(ctx, criteriaID, id, BatchNone, BatchScheduled)
	if err == nil {
		return succeeded(id)
	}
	if errors.Is(err, ErrConcurrentModification) {
		// Lost a race; report the state that actually won.
		return se.reportObserved(ctx, criteriaID, id, BatchScheduled)
	}
	return failed(id, ReasonConflict, err.Error())
}

// Settle executes payment for each scheduled affiliate through the gateway.
// Already-settled ids are no-op successes (the gateway is not called
// again); ids never scheduled fail with InvalidTransition; a gateway
// failure or timeout leaves the id scheduled and retryable.
func (se *SettlementEngine) Settle(ctx context.Context, selection []AffiliateID) ([]BatchOperationResult, error) {
	criteria, err := se.readyCriteria(ctx)
	if err != nil {
		return nil, err
	}

	states, err := se.States.States(ctx, criteria.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate states: %w", err)
	}

	return se.forEach(ctx, selection, func(ctx context.Context, id AffiliateID) BatchOperationResult {
		return se.settleOne(ctx, criteria.ID, id, states)
	}), nil
}

func (se *SettlementEngine) settleOne(ctx context.Context, criteriaID CriteriaID, id AffiliateID, states map[AffiliateID]AffiliateState) BatchOperationResult {
	state := BatchNone
	if s, ok := states[id]; ok {
		state = s.BatchState
	}

	switch state {
	case BatchSettled:
		// Idempotent retry: no second gateway call.
		return succeeded(id)
	case BatchNone:
		return failed(id, ReasonInvalidTransition, "payment was never scheduled")
	}

	// Claim the id before calling the gateway. The guarded write is what
	// guarantees at most one payment per id: a concurrent settle loses the
	// claim here and never reaches the gateway.
	if err := se.States.TransitionBatchState(ctx, criteriaID, id, BatchScheduled, BatchSettling); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return se.reportObserved(ctx, criteriaID, id, BatchSettled)
		}
		return failed(id, ReasonConflict, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, se.settleTimeout())
	defer cancel()

	if err := se.Gateway.SettlePayment(callCtx, id); err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = "payment gateway timed out"
		}
		log.Printf("[Settlement] Payment for affiliate %d failed: %s", id, detail)
		se.releaseClaim(ctx, criteriaID, id)
		return failed(id, ReasonExternalFailure, detail)
	}

	if err := se.States.TransitionBatchState(ctx, criteriaID, id, BatchSettling, BatchSettled); err != nil {
		return failed(id, ReasonConflict, err.Error())
	}
	return succeeded(id)
}

// releaseClaim reverts a failed payment's in-flight claim so the id stays
// scheduled and retryable.
func (se *SettlementEngine) releaseClaim(ctx context.Context, criteriaID CriteriaID, id AffiliateID) {
	if err := se.States.TransitionBatchState(ctx, criteriaID, id, BatchSettling, BatchScheduled); err != nil {
		log.Printf("[Settlement] Failed to release claim for affiliate %d: %v", id, err)
	}
}

// reportObserved re-reads one affiliate's state after a lost transition
// race. If the state already reached `want`, the other call did our work
// and this one is an idempotent success. An id observed mid-settlement is
// NOT reported settled: the other call's payment may still fail, so the
// loser gets a retryable conflict instead of a premature success.
func (se *SettlementEngine) reportObserved(ctx context.Context, criteriaID CriteriaID, id AffiliateID, want BatchState) BatchOperationResult {
	states, err := se.States.States(ctx, criteriaID)
	if err != nil {
		return failed(id, ReasonConflict, err.Error())
	}
	s, ok := states[id]
	if !ok {
		return failed(id, ReasonConflict, "concurrent batch call changed affiliate state")
	}
	switch {
	case s.BatchState == want || s.BatchState == BatchSettled:
		return succeeded(id)
	case want == BatchScheduled && s.BatchState == BatchSettling:
		// Scheduling an id whose payment is already in flight is a no-op.
		return succeeded(id)
	case want == BatchSettled && s.BatchState == BatchSettling:
		return failed(id, ReasonConflict, "payment in flight in a concurrent batch")
	}
	return failed(id, ReasonConflict, "concurrent batch call changed affiliate state")
}

// =============================================================================
// FAN-OUT
// =============================================================================

// forEach runs fn for every unique id in selection through a bounded worker
// pool and returns results in first-occurrence order.
func (se *SettlementEngine) forEach(ctx context.Context, selection []AffiliateID, fn func(context.Context, AffiliateID) BatchOperationResult) []BatchOperationResult {
	ids := dedupe(selection)
	results := make([]BatchOperationResult, len(ids))

	workers := se.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id AffiliateID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = fn(ctx, id)
		}(i, id)
	}
	wg.Wait()

	return results
}

func (se *SettlementEngine) readyCriteria(ctx context.Context) (*ClearanceCriteria, error) {
	criteria, err := se.Criteria.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !criteria.Ready() {
		return nil, fmt.Errorf("criteria %s is %s: %w", criteria.ID, criteria.Status, ErrNotReady)
	}
	return criteria, nil
}

func (se *SettlementEngine) settleTimeout() time.Duration {
	if se.SettleTimeout > 0 {
		return se.SettleTimeout
	}
	return DefaultSettleTimeout
}

func dedupe(ids []AffiliateID) []AffiliateID {
	seen := make(map[AffiliateID]bool, len(ids))
	out := make([]AffiliateID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func succeeded(id AffiliateID) BatchOperationResult {
	return BatchOperationResult{AffiliateID: id, Outcome: OutcomeSucceeded}
}

func failed(id AffiliateID, reason, detail string) BatchOperationResult {
	return BatchOperationResult{AffiliateID: id, Outcome: OutcomeFailed, Reason: reason, ErrorDetail: detail}
}
