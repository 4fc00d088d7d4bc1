/*
query.go - Eligibility query engine

PURPOSE:
  Computes the filtered, paginated, deterministically sorted set of
  affiliate earnings snapshots for the "unpaid per affiliate" grid.
  Snapshots are derived on every query from the earnings ledger plus
  the persisted per-affiliate state; nothing here is stored.

READINESS GATE:
  Computation only runs once criteria are locked (or completed) with a
  cutoff and threshold present. Before that the engine returns
  ErrNotReady - never an empty page - so callers can tell "no results"
  from "not configured". Lifecycle status is re-read from the store on
  every call, so a concurrent lock() takes effect immediately.

FILTER SEMANTICS:
  - exclude-fake and exclude-expired AND-combine with the threshold
  - an unset booking category normalizes to DefaultBookingCategory
  - min-amount and clearance-date overrides replace the criteria
    values for this query only

DETERMINISM:
  Identical inputs produce identical row order. Every sort breaks ties
  by ascending affiliate id, which keeps pagination stable while an
  operator pages through the grid.

SEE ALSO:
  - criteria.go: Invalidates the fetch cache on lifecycle changes
  - settlement.go: Uses Snapshots for batch-eligibility checks
*/
package clearance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERY INPUT
// =============================================================================

// SnapshotFilter is the operator-adjustable filter set on top of the locked
// criteria.
type SnapshotFilter struct {
	ExcludeFakeAffiliates bool
	ExcludeExpiredIDs     bool

	// 0 means unset and normalizes to DefaultBookingCategory.
	BookingCategory int

	// When set, replace the criteria threshold/cutoff for this query only.
	MinAmountOverride     *decimal.Decimal
	ClearanceDateOverride *time.Time
}

type SortColumn string

const (
	SortByAffiliateID  SortColumn = "affiliate_id"
	SortByDisplayName  SortColumn = "display_name"
	SortByUnpaidAmount SortColumn = "unpaid_amount"
	SortByUnpaidCount  SortColumn = "unpaid_count"
	SortByExpiration   SortColumn = "id_expiration_date"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type SortRequest struct {
	Column    SortColumn
	Direction SortDirection
}

type PageRequest struct {
	Page     int // 1-based
	PageSize int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// =============================================================================
// QUERY ENGINE
// =============================================================================

// QueryEngine computes eligibility snapshots. The ledger fetch is cached per
// (criteria, cutoff, category) until Invalidate is called; the per-affiliate
// state merge always reads fresh.
type QueryEngine struct {
	Criteria CriteriaStore
	States   AffiliateStateStore
	Earnings EarningsProvider

	mu    sync.Mutex
	cache map[fetchKey][]EarningsRow
}

type fetchKey struct {
	criteriaID CriteriaID
	cutoff     string
	category   int
}

// NewQueryEngine creates a query engine over the given stores and provider.
func NewQueryEngine(criteria CriteriaStore, states AffiliateStateStore, earnings EarningsProvider) *QueryEngine {
	return &QueryEngine{
		Criteria: criteria,
		States:   states,
		Earnings: earnings,
		cache:    make(map[fetchKey][]EarningsRow),
	}
}

// Invalidate drops all cached ledger fetches. Called by the state machine
// whenever the criteria lifecycle changes.
func (e *QueryEngine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[fetchKey][]EarningsRow)
}

// EligibleAffiliates returns one page of the eligible set plus the total
// row count. Returns ErrNotReady until criteria are locked with a cutoff
// and threshold.
func (e *QueryEngine) EligibleAffiliates(ctx context.Context, filter SnapshotFilter, page PageRequest, sortReq SortRequest) (*SnapshotPage, error) {
	criteria, err := e.Criteria.Current(ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := e.snapshots(ctx, criteria, filter)
	if err != nil {
		return nil, err
	}

	sortSnapshots(snapshots, sortReq)

	total := len(snapshots)
	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	pageNum := page.Page
	if pageNum <= 0 {
		pageNum = 1
	}

	start := (pageNum - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &SnapshotPage{
		Rows:       snapshots[start:end],
		TotalCount: total,
		Page:       pageNum,
		PageSize:   pageSize,
	}, nil
}

// Snapshots returns the full (unpaginated) eligible set for the active
// criteria under the given filter. Used by the state machine's completion
// precondition and by the settlement engine.
func (e *QueryEngine) Snapshots(ctx context.Context, filter SnapshotFilter) ([]AffiliateEarningsSnapshot, error) {
	criteria, err := e.Criteria.Current(ctx)
	if err != nil {
		return nil, err
	}
	return e.snapshots(ctx, criteria, filter)
}

func (e *QueryEngine) snapshots(ctx context.Context, criteria *ClearanceCriteria, filter SnapshotFilter) ([]AffiliateEarningsSnapshot, error) {
	if !criteria.Ready() {
		return nil, fmt.Errorf("criteria %s is %s: %w", criteria.ID, criteria.Status, ErrNotReady)
	}

	cutoff := *criteria.CutoffDate
	if filter.ClearanceDateOverride != nil {
		cutoff = *filter.ClearanceDateOverride
	}
	cutoff = DateOnly(cutoff)

	threshold := *criteria.MinimumAmount
	if filter.MinAmountOverride != nil {
		threshold = *filter.MinAmountOverride
	}

	category := filter.BookingCategory
	if category == 0 {
		category = DefaultBookingCategory
	}

	rows, err := e.fetch(ctx, criteria.ID, cutoff, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid earnings: %w", err)
	}

	states, err := e.States.States(ctx, criteria.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate states: %w", err)
	}

	var snapshots []AffiliateEarningsSnapshot
	for _, row := range rows {
		if row.UnpaidAmount.LessThan(threshold) {
			continue
		}
		if filter.ExcludeFakeAffiliates && row.Fake {
			continue
		}
		if filter.ExcludeExpiredIDs && row.IDExpirationDate != nil && row.IDExpirationDate.Before(cutoff) {
			continue
		}

		snapshot := AffiliateEarningsSnapshot{
			AffiliateID:      row.AffiliateID,
			DisplayName:      row.DisplayName,
			ContractType:     row.ContractType,
			UnpaidCount:      row.UnpaidCount,
			UnpaidAmount:     row.UnpaidAmount,
			IDExpirationDate: row.IDExpirationDate,
			Status:           ClearancePending,
			BatchState:       BatchNone,
		}
		if state, ok := states[row.AffiliateID]; ok {
			snapshot.Status = state.Status
			snapshot.BatchState = state.BatchState
		}
		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

func (e *QueryEngine) fetch(ctx context.Context, criteriaID CriteriaID, cutoff time.Time, category int) ([]EarningsRow, error) {
	key := fetchKey{criteriaID: criteriaID, cutoff: cutoff.Format("2006-01-02"), category: category}

	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := e.Earnings.ListUnpaidEarnings(ctx, EarningsQuery{CutoffDate: cutoff, BookingCategory: category})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = rows
	e.mu.Unlock()
	return rows, nil
}

// =============================================================================
// SORTING - Deterministic, affiliate-id tie-break
// =============================================================================

func sortSnapshots(snapshots []AffiliateEarningsSnapshot, req SortRequest) {
	desc := req.Direction == SortDesc

	less := func(a, b AffiliateEarningsSnapshot) int {
		switch req.Column {
		case SortByDisplayName:
			return strings.Compare(a.DisplayName, b.DisplayName)
		case SortByUnpaidAmount:
			return a.UnpaidAmount.Cmp(b.UnpaidAmount)
		case SortByUnpaidCount:
			return a.UnpaidCount - b.UnpaidCount
		case SortByExpiration:
			return compareExpiry(a.IDExpirationDate, b.IDExpirationDate)
		default: // SortByAffiliateID and unknown columns
			switch {
			case a.AffiliateID < b.AffiliateID:
				return -1
			case a.AffiliateID > b.AffiliateID:
				return 1
			}
			return 0
		}
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		cmp := less(snapshots[i], snapshots[j])
		if desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
		// Tie-break by affiliate id ascending regardless of direction, so
		// pagination stays stable across identical queries.
		return snapshots[i].AffiliateID < snapshots[j].AffiliateID
	})
}

// compareExpiry orders nil expirations last.
func compareExpiry(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	}
	return 0
}

// ParseSortColumn maps a query-string value to a sort column, defaulting to
// affiliate id for unknown values.
func ParseSortColumn(s string) SortColumn {
	switch SortColumn(s) {
	case SortByDisplayName, SortByUnpaidAmount, SortByUnpaidCount, SortByExpiration, SortByAffiliateID:
		return SortColumn(s)
	}
	return SortByAffiliateID
}

// ParseSortDirection maps a query-string value to a direction, defaulting
// to ascending.
func ParseSortDirection(s string) SortDirection {
	if SortDirection(s) == SortDesc {
		return SortDesc
	}
	return SortAsc
}
