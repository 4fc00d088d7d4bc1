/*
override.go - Per-affiliate status overrides

PURPOSE:
  A narrow escape hatch for manual correction: an operator can set one
  affiliate's clearance status (pending/cleared/excluded) without
  touching the global criteria. Excluding an affiliate removes it from
  batch-selection eligibility; setting it back restores it.

AUDIT TRAIL:
  Every override appends an immutable record (who, when, old -> new)
  next to the state write, so manual corrections stay traceable without
  the state machine knowing about auditing.

SEE ALSO:
  - settlement.go: Respects excluded status when scheduling
  - criteria.go: Excluded affiliates are skipped by the completion
    precondition via their effect on eligibility
*/
package clearance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// OverrideService owns individual clearance status writes.
type OverrideService struct {
	Criteria CriteriaStore
	States   AffiliateStateStore
	Query    *QueryEngine
	Earnings EarningsProvider

	NowFn func() time.Time
}

// NewOverrideService creates the override service.
func NewOverrideService(criteria CriteriaStore, states AffiliateStateStore, query *QueryEngine, earnings EarningsProvider) *OverrideService {
	return &OverrideService{Criteria: criteria, States: states, Query: query, Earnings: earnings, NowFn: time.Now}
}

// SetIndividualStatus sets one affiliate's clearance status. Allowed in any
// criteria lifecycle state; fails with NotFound when the affiliate is not
// part of the current eligible set, InvalidInput for an unknown status.
// Returns the refreshed snapshot.
func (s *OverrideService) SetIndividualStatus(ctx context.Context, affiliateID AffiliateID, status ClearanceStatus, actor string) (*AffiliateEarningsSnapshot, error) {
	if !ValidClearanceStatus(status) {
		return nil, &InputError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	criteria, err := s.Criteria.Current(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.findSnapshot(ctx, criteria, affiliateID)
	if err != nil {
		return nil, err
	}

	// The store reports the status it replaced; reading it from the earlier
	// snapshot would let two racing overrides record the same predecessor.
	previous, err := s.States.SetStatus(ctx, criteria.ID, affiliateID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to set status: %w", err)
	}

	rec := OverrideRecord{
		ID:             uuid.NewString(),
		CriteriaID:     criteria.ID,
		AffiliateID:    affiliateID,
		PreviousStatus: previous,
		NewStatus:      status,
		Actor:          actor,
		CreatedAt:      s.NowFn().UTC(),
	}
	if err := s.States.AppendOverride(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record override: %w", err)
	}

	log.Printf("[Override] Affiliate %d: %s -> %s (by %s)", affiliateID, previous, status, actor)

	snapshot.Status = status
	return snapshot, nil
}

// Overrides returns the audit history for one affiliate in the active
// period, oldest first.
func (s *OverrideService) Overrides(ctx context.Context, affiliateID AffiliateID) ([]OverrideRecord, error) {
	criteria, err := s.Criteria.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.States.Overrides(ctx, criteria.ID, affiliateID)
}

// findSnapshot locates the affiliate in the current eligible set. While the
// criteria are still open the eligible set is undefined, so membership
// falls back to "has unpaid earnings as of today" - overrides stay usable
// in every lifecycle state.
func (s *OverrideService) findSnapshot(ctx context.Context, criteria *ClearanceCriteria, affiliateID AffiliateID) (*AffiliateEarningsSnapshot, error) {
	if criteria.Ready() {
		snapshots, err := s.Query.Snapshots(ctx, SnapshotFilter{})
		if err != nil && !errors.Is(err, ErrNotReady) {
			return nil, err
		}
		for _, snap := range snapshots {
			if snap.AffiliateID == affiliateID {
				found := snap
				return &found, nil
			}
		}
		return nil, fmt.Errorf("affiliate %d not in eligible set: %w", affiliateID, ErrNotFound)
	}

	rows, err := s.Earnings.ListUnpaidEarnings(ctx, EarningsQuery{
		CutoffDate:      Today(),
		BookingCategory: DefaultBookingCategory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid earnings: %w", err)
	}

	states, err := s.States.States(ctx, criteria.ID)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.AffiliateID != affiliateID {
			continue
		}
		snapshot := &AffiliateEarningsSnapshot{
			AffiliateID:      row.AffiliateID,
			DisplayName:      row.DisplayName,
			ContractType:     row.ContractType,
			UnpaidCount:      row.UnpaidCount,
			UnpaidAmount:     row.UnpaidAmount,
			IDExpirationDate: row.IDExpirationDate,
			Status:           ClearancePending,
			BatchState:       BatchNone,
		}
		if state, ok := states[affiliateID]; ok {
			snapshot.Status = state.Status
			snapshot.BatchState = state.BatchState
		}
		return snapshot, nil
	}
	return nil, fmt.Errorf("affiliate %d has no unpaid earnings: %w", affiliateID, ErrNotFound)
}
