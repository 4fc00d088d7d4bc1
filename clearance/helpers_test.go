package clearance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ferryline/clearance-engine/clearance"
	"github.com/ferryline/clearance-engine/clearance/store"
)

// rig wires the engines over in-memory stores for one test.
type rig struct {
	criteria *store.MemoryCriteria
	states   *store.MemoryStates
	earnings *store.MemoryEarnings
	gateway  *fakeGateway

	query      *clearance.QueryEngine
	svc        *clearance.CriteriaService
	overrides  *clearance.OverrideService
	settlement *clearance.SettlementEngine
}

func newRig(t *testing.T) *rig {
	t.Helper()

	criteria := store.NewMemoryCriteria()
	states := store.NewMemoryStates()
	earnings := store.NewMemoryEarnings()
	gw := newFakeGateway()
	query := clearance.NewQueryEngine(criteria, states, earnings)

	return &rig{
		criteria:   criteria,
		states:     states,
		earnings:   earnings,
		gateway:    gw,
		query:      query,
		svc:        clearance.NewCriteriaService(criteria, query),
		overrides:  clearance.NewOverrideService(criteria, states, query, earnings),
		settlement: clearance.NewSettlementEngine(criteria, states, query, gw),
	}
}

// addAffiliate registers one affiliate with a single earning line dated
// yesterday, so it falls inside any cutoff at or after today.
func (r *rig) addAffiliate(id int64, name, amount string) {
	r.addAffiliateFull(id, name, amount, nil, false)
}

func (r *rig) addAffiliateFull(id int64, name, amount string, idExpiration *time.Time, fake bool) {
	r.earnings.AddAffiliate(store.Affiliate{
		ID:               clearance.AffiliateID(id),
		DisplayName:      name,
		ContractType:     "agency",
		IDExpirationDate: idExpiration,
		Fake:             fake,
	})
	r.earnings.AddEarning(store.Earning{
		AffiliateID: clearance.AffiliateID(id),
		Amount:      decimal.RequireFromString(amount),
		EarnedDate:  time.Now().UTC().AddDate(0, 0, -1),
	})
}

// lock moves the active criteria to locked with cutoff today and the given
// minimum-amount threshold.
func (r *rig) lock(t *testing.T, minimum string) *clearance.ClearanceCriteria {
	t.Helper()
	criteria, err := r.svc.Lock(context.Background(), clearance.Today(), decimal.RequireFromString(minimum))
	require.NoError(t, err)
	return criteria
}

// scheduleAll schedules the given ids and requires every result to succeed.
func (r *rig) scheduleAll(t *testing.T, ids ...int64) {
	t.Helper()
	results, err := r.settlement.Schedule(context.Background(), toIDs(ids))
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, clearance.OutcomeSucceeded, res.Outcome, "affiliate %d", res.AffiliateID)
	}
}

// settleAll settles the given ids and requires every result to succeed.
func (r *rig) settleAll(t *testing.T, ids ...int64) {
	t.Helper()
	results, err := r.settlement.Settle(context.Background(), toIDs(ids))
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, clearance.OutcomeSucceeded, res.Outcome, "affiliate %d", res.AffiliateID)
	}
}

func toIDs(ids []int64) []clearance.AffiliateID {
	out := make([]clearance.AffiliateID, len(ids))
	for i, id := range ids {
		out[i] = clearance.AffiliateID(id)
	}
	return out
}

func resultFor(t *testing.T, results []clearance.BatchOperationResult, id int64) clearance.BatchOperationResult {
	t.Helper()
	for _, res := range results {
		if res.AffiliateID == clearance.AffiliateID(id) {
			return res
		}
	}
	t.Fatalf("no result for affiliate %d", id)
	return clearance.BatchOperationResult{}
}

// =============================================================================
// FAKE PAYMENT GATEWAY
// =============================================================================

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu       sync.Mutex
	calls    map[clearance.AffiliateID]int
	failures map[clearance.AffiliateID]error

	// delay is applied before returning, honoring ctx cancellation.
	delay time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:    make(map[clearance.AffiliateID]int),
		failures: make(map[clearance.AffiliateID]error),
	}
}

func (g *fakeGateway) failWith(id int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[clearance.AffiliateID(id)] = err
}

func (g *fakeGateway) callCount(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[clearance.AffiliateID(id)]
}

func (g *fakeGateway) SettlePayment(ctx context.Context, id clearance.AffiliateID) error {
	g.mu.Lock()
	g.calls[id]++
	failure := g.failures[id]
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}
