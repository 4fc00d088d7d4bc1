package clearance_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferryline/clearance-engine/clearance"
)

func TestSetIndividualStatusExcludes(t *testing.T) {
	// GIVEN a locked period with one eligible affiliate
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	// WHEN the operator excludes it
	snapshot, err := r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceExcluded, "ops")
	require.NoError(t, err)

	// THEN the returned snapshot and the grid both carry the new status
	assert.Equal(t, clearance.ClearanceExcluded, snapshot.Status)

	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, clearance.ClearanceExcluded, snapshots[0].Status)
	assert.False(t, snapshots[0].BatchEligible())
}

func TestSetIndividualStatusRoundTrip(t *testing.T) {
	// Excluding and re-clearing restores batch eligibility.
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	_, err := r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceExcluded, "ops")
	require.NoError(t, err)
	_, err = r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceCleared, "ops")
	require.NoError(t, err)

	r.scheduleAll(t, 1)
}

func TestSetIndividualStatusUnknownStatus(t *testing.T) {
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	_, err := r.overrides.SetIndividualStatus(context.Background(), 1, "paid", "ops")

	require.Error(t, err)
	assert.ErrorIs(t, err, clearance.ErrInvalidInput)
}

func TestSetIndividualStatusOutsideEligibleSet(t *testing.T) {
	// GIVEN a locked period where the affiliate falls below the threshold
	r := newRig(t)
	r.addAffiliate(1, "Below Threshold", "50.00")
	r.lock(t, "100.00")

	// WHEN an override is attempted
	_, err := r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceExcluded, "ops")

	// THEN the affiliate is reported as not found
	require.Error(t, err)
	assert.ErrorIs(t, err, clearance.ErrNotFound)
}

func TestSetIndividualStatusWhileOpen(t *testing.T) {
	// While the criteria are open the eligible set is undefined;
	// membership falls back to current unpaid earnings so overrides
	// stay usable before locking.
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")

	snapshot, err := r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceExcluded, "ops")
	require.NoError(t, err)
	assert.Equal(t, clearance.ClearanceExcluded, snapshot.Status)

	// The override carries into the locked period.
	r.lock(t, "100.00")
	snapshots, err := r.query.Snapshots(context.Background(), clearance.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, clearance.ClearanceExcluded, snapshots[0].Status)
}

func TestOverrideAuditTrail(t *testing.T) {
	// GIVEN two successive overrides on one affiliate
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	_, err := r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceExcluded, "alice")
	require.NoError(t, err)
	_, err = r.overrides.SetIndividualStatus(context.Background(), 1, clearance.ClearanceCleared, "bob")
	require.NoError(t, err)

	// WHEN the audit history is read
	records, err := r.overrides.Overrides(context.Background(), 1)
	require.NoError(t, err)

	// THEN both changes are recorded oldest first with old -> new chains
	require.Len(t, records, 2)
	assert.Equal(t, clearance.ClearancePending, records[0].PreviousStatus)
	assert.Equal(t, clearance.ClearanceExcluded, records[0].NewStatus)
	assert.Equal(t, "alice", records[0].Actor)
	assert.Equal(t, clearance.ClearanceExcluded, records[1].PreviousStatus)
	assert.Equal(t, clearance.ClearanceCleared, records[1].NewStatus)
	assert.Equal(t, "bob", records[1].Actor)
	assert.NotEmpty(t, records[0].ID)
}

func TestConcurrentOverridesKeepAuditChainConsistent(t *testing.T) {
	// Two racing overrides on one affiliate: each audit record must carry
	// the status it actually replaced. The store reports the previous
	// status from inside the atomic upsert, so the old -> new chain holds
	// regardless of which write lands first.
	r := newRig(t)
	r.addAffiliate(1, "Harbor Travel", "250.00")
	r.lock(t, "100.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	statuses := []clearance.ClearanceStatus{clearance.ClearanceExcluded, clearance.ClearanceCleared}
	for i, status := range statuses {
		wg.Add(1)
		go func(i int, status clearance.ClearanceStatus) {
			defer wg.Done()
			_, errs[i] = r.overrides.SetIndividualStatus(context.Background(), 1, status, "ops")
		}(i, status)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	records, err := r.overrides.Overrides(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Exactly one record replaced the implicit pending; the other replaced
	// whatever the first one wrote.
	byPrevious := map[clearance.ClearanceStatus]clearance.OverrideRecord{}
	for _, rec := range records {
		byPrevious[rec.PreviousStatus] = rec
	}
	first, ok := byPrevious[clearance.ClearancePending]
	require.True(t, ok, "one override must replace the implicit pending status")
	second, ok := byPrevious[first.NewStatus]
	require.True(t, ok, "the other override must replace the first one's status")
	assert.NotEqual(t, first.ID, second.ID)
}
