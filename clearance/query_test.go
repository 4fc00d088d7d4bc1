package clearance_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferryline/clearance-engine/clearance"
	"github.com/ferryline/clearance-engine/clearance/store"
)

func TestQueryNotReadyWhileOpen(t *testing.T) {
	// GIVEN criteria still open (cutoff and threshold unset)
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")

	// WHEN the grid is queried
	_, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{}, clearance.PageRequest{}, clearance.SortRequest{})

	// THEN the engine reports not-ready, never an empty page
	require.Error(t, err)
	assert.ErrorIs(t, err, clearance.ErrNotReady)
}

func TestQueryBecomesReadyAfterLock(t *testing.T) {
	// A concurrent lock takes effect on the very next query.
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")

	_, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.ErrorIs(t, err, clearance.ErrNotReady)

	r.lock(t, "100.00")

	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

func TestThresholdFiltersBelowMinimum(t *testing.T) {
	// GIVEN one affiliate above, one exactly at, one below the threshold
	r := newRig(t)
	r.addAffiliate(1, "Above", "250.00")
	r.addAffiliate(2, "Exact", "100.00")
	r.addAffiliate(3, "Below", "99.99")
	r.lock(t, "100.00")

	// WHEN the eligible set is computed
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)

	// THEN the threshold is inclusive: at-or-above stays, below drops
	ids := snapshotIDs(snapshots)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestCutoffExcludesLaterEarnings(t *testing.T) {
	// GIVEN earnings on both sides of the cutoff
	r := newRig(t)
	r.earnings.AddAffiliate(store.Affiliate{ID: 1, DisplayName: "Harbor Travel", ContractType: "agency"})
	r.earnings.AddEarning(store.Earning{
		AffiliateID: 1,
		Amount:      decimal.RequireFromString("80.00"),
		EarnedDate:  time.Now().UTC().AddDate(0, 0, -10),
	})
	r.earnings.AddEarning(store.Earning{
		AffiliateID: 1,
		Amount:      decimal.RequireFromString("70.00"),
		EarnedDate:  time.Now().UTC().AddDate(0, 0, -1),
	})

	cutoff := clearance.Today().AddDate(0, 0, -5)
	_, err := r.svc.Lock(context.Background(), cutoff, decimal.RequireFromString("50.00"))
	require.NoError(t, err)

	// WHEN the eligible set is computed
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)

	// THEN only the earning accrued before the cutoff counts
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].UnpaidAmount.Equal(decimal.RequireFromString("80.00")))
	assert.Equal(t, 1, snapshots[0].UnpaidCount)
}

func TestExcludeFakeAndExpiredFilters(t *testing.T) {
	// GIVEN a real affiliate, a fake one, and one with an expired ID
	r := newRig(t)
	expired := clearance.Today().AddDate(-1, 0, 0)
	r.addAffiliate(1, "Real", "250.00")
	r.addAffiliateFull(2, "Fake", "250.00", nil, true)
	r.addAffiliateFull(3, "Expired", "250.00", &expired, false)
	r.lock(t, "100.00")

	// WHEN both exclusion filters are on
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{
		ExcludeFakeAffiliates: true,
		ExcludeExpiredIDs:     true,
	})
	require.NoError(t, err)

	// THEN only the real affiliate remains
	assert.Equal(t, []int64{1}, snapshotIDs(snapshots))

	// AND with filters off, all three are eligible
	snapshots, err = r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)
}

func TestUnsetBookingCategoryUsesDefault(t *testing.T) {
	// GIVEN earnings in the default category and in category 2
	r := newRig(t)
	r.earnings.AddAffiliate(store.Affiliate{ID: 1, DisplayName: "Default Cat", ContractType: "agency"})
	r.earnings.AddEarning(store.Earning{
		AffiliateID: 1,
		Amount:      decimal.RequireFromString("200.00"),
		EarnedDate:  time.Now().UTC().AddDate(0, 0, -1),
	})
	r.earnings.AddAffiliate(store.Affiliate{ID: 2, DisplayName: "Cat Two", ContractType: "agency"})
	r.earnings.AddEarning(store.Earning{
		AffiliateID:     2,
		BookingCategory: 2,
		Amount:          decimal.RequireFromString("200.00"),
		EarnedDate:      time.Now().UTC().AddDate(0, 0, -1),
	})
	r.lock(t, "100.00")

	// WHEN querying without a category
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)

	// THEN only default-category earnings are reported
	assert.Equal(t, []int64{1}, snapshotIDs(snapshots))

	// AND an explicit category reaches the other ledger slice
	snapshots, err = r.query.Snapshots(context.Background(), clearance.SnapshotFilter{BookingCategory: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, snapshotIDs(snapshots))
}

func TestPerQueryOverridesDoNotTouchCriteria(t *testing.T) {
	// GIVEN a locked threshold of 100
	r := newRig(t)
	r.addAffiliate(1, "Small", "60.00")
	r.addAffiliate(2, "Large", "250.00")
	criteria := r.lock(t, "100.00")

	// WHEN one query lowers the threshold
	lower := decimal.RequireFromString("50.00")
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{MinAmountOverride: &lower})
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)

	// THEN the criteria record is unchanged and the next query uses it
	current, err := r.svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, criteria.ID, current.ID)
	assert.True(t, current.MinimumAmount.Equal(decimal.RequireFromString("100.00")))

	snapshots, err = r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, snapshotIDs(snapshots))
}

func TestSortWithTieBreakIsDeterministic(t *testing.T) {
	// GIVEN three affiliates with identical unpaid amounts
	r := newRig(t)
	r.addAffiliate(3, "Charlie", "200.00")
	r.addAffiliate(1, "Alpha", "200.00")
	r.addAffiliate(2, "Bravo", "200.00")
	r.lock(t, "100.00")

	sortReq := clearance.SortRequest{Column: clearance.SortByUnpaidAmount, Direction: clearance.SortDesc}

	// WHEN the same query runs twice
	first, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{}, clearance.PageRequest{}, sortReq)
	require.NoError(t, err)
	second, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{}, clearance.PageRequest{}, sortReq)
	require.NoError(t, err)

	// THEN tied rows order by ascending affiliate id both times
	assert.Equal(t, []int64{1, 2, 3}, snapshotIDs(first.Rows))
	assert.Equal(t, []int64{1, 2, 3}, snapshotIDs(second.Rows))
}

func TestPaginationPartitionsResults(t *testing.T) {
	// GIVEN seven eligible affiliates and page size three
	r := newRig(t)
	for i := int64(1); i <= 7; i++ {
		r.addAffiliate(i, "Affiliate", "200.00")
	}
	r.lock(t, "100.00")

	var seen []int64
	for page := 1; page <= 3; page++ {
		result, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{},
			clearance.PageRequest{Page: page, PageSize: 3}, clearance.SortRequest{})
		require.NoError(t, err)
		assert.Equal(t, 7, result.TotalCount)
		seen = append(seen, snapshotIDs(result.Rows)...)
	}

	// THEN pages partition the set with no overlap or gaps
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, seen)

	// AND a page past the end is empty, not an error
	result, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{},
		clearance.PageRequest{Page: 10, PageSize: 3}, clearance.SortRequest{})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Equal(t, 7, result.TotalCount)
}

func TestPageSizeClampedToMaximum(t *testing.T) {
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	result, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{},
		clearance.PageRequest{Page: 1, PageSize: 100000}, clearance.SortRequest{})
	require.NoError(t, err)

	assert.Equal(t, 200, result.PageSize)
}

func TestSortByExpirationOrdersNilLast(t *testing.T) {
	r := newRig(t)
	soon := clearance.Today().AddDate(0, 1, 0)
	later := clearance.Today().AddDate(1, 0, 0)
	r.addAffiliateFull(1, "NoExpiry", "200.00", nil, false)
	r.addAffiliateFull(2, "Later", "200.00", &later, false)
	r.addAffiliateFull(3, "Soon", "200.00", &soon, false)
	r.lock(t, "100.00")

	result, err := r.query.EligibleAffiliates(context.Background(), clearance.SnapshotFilter{},
		clearance.PageRequest{}, clearance.SortRequest{Column: clearance.SortByExpiration, Direction: clearance.SortAsc})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 2, 1}, snapshotIDs(result.Rows))
}

func snapshotIDs(snapshots []clearance.AffiliateEarningsSnapshot) []int64 {
	ids := make([]int64, len(snapshots))
	for i, s := range snapshots {
		ids[i] = int64(s.AffiliateID)
	}
	return ids
}
