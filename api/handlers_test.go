package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferryline/clearance-engine/gateway"
	"github.com/ferryline/clearance-engine/store/sqlite"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler := NewHandler(store, &gateway.LogGateway{})
	return NewRouter(handler)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

// seed loads the built-in demo dataset:
//
//	1001 Harbor Travel Oy   600.50  (eligible at threshold 100)
//	1002 Nordic Routes AB    95.00  (below threshold 100)
//	1003 Internal QA Partner 300.00 (fake)
//	1004 Baltic Ferries Ltd  510.25 (expired ID)
func seed(t *testing.T, router http.Handler) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/admin/seed", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func lock(t *testing.T, router http.Handler, minimum string) CriteriaDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/clearance/criteria/lock", LockCriteriaRequest{
		CutoffDate:    time.Now().UTC().Format("2006-01-02"),
		MinimumAmount: minimum,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[CriteriaDTO](t, rec)
}

func TestGetCriteriaStartsOpen(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/clearance/criteria", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	criteria := decode[CriteriaDTO](t, rec)
	assert.Equal(t, "open", criteria.Status)
	assert.Nil(t, criteria.CutoffDate)
	assert.NotEmpty(t, criteria.ID)
}

func TestLockValidationMapsTo400(t *testing.T) {
	router := newTestServer(t)

	// Future cutoff is a domain input error.
	rec := doJSON(t, router, http.MethodPost, "/api/clearance/criteria/lock", LockCriteriaRequest{
		CutoffDate:    "2999-01-01",
		MinimumAmount: "100.00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed amount is rejected before the domain sees it.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/criteria/lock", LockCriteriaRequest{
		CutoffDate:    "2026-01-01",
		MinimumAmount: "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDoubleLockMapsTo409(t *testing.T) {
	router := newTestServer(t)
	lock(t, router, "100.00")

	rec := doJSON(t, router, http.MethodPost, "/api/clearance/criteria/lock", LockCriteriaRequest{
		CutoffDate:    "2026-01-01",
		MinimumAmount: "200.00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGridBeforeLockMapsTo409(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/clearance/affiliates", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGridFiltersAndPaginates(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)
	lock(t, router, "100.00")

	// Unfiltered: threshold 100 drops 1002 only.
	rec := doJSON(t, router, http.MethodGet, "/api/clearance/affiliates", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[SnapshotPageDTO](t, rec)
	assert.Equal(t, 3, page.TotalCount)

	// Exclusion filters leave only the clean affiliate.
	rec = doJSON(t, router, http.MethodGet, "/api/clearance/affiliates?exclude_fake=true&exclude_expired=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[SnapshotPageDTO](t, rec)
	require.Equal(t, 1, page.TotalCount)
	assert.Equal(t, int64(1001), page.Rows[0].AffiliateID)
	assert.Equal(t, "600.5", page.Rows[0].UnpaidAmount)

	// Pagination caps the page and reports the full count.
	rec = doJSON(t, router, http.MethodGet, "/api/clearance/affiliates?page=2&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[SnapshotPageDTO](t, rec)
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Rows, 1)
	assert.Equal(t, 2, page.Page)
}

func TestOverrideEndpointAndAudit(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)
	lock(t, router, "100.00")

	// Unknown status is a 400.
	rec := doJSON(t, router, http.MethodPost, "/api/clearance/affiliates/1001/status",
		OverrideStatusRequest{Status: "paid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Affiliate outside the eligible set is a 404.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/affiliates/1002/status",
		OverrideStatusRequest{Status: "excluded", Actor: "ops"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Valid exclusion returns the refreshed snapshot.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/affiliates/1001/status",
		OverrideStatusRequest{Status: "excluded", Actor: "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snapshot := decode[SnapshotDTO](t, rec)
	assert.Equal(t, "excluded", snapshot.Status)

	// The audit trail records the change.
	rec = doJSON(t, router, http.MethodGet, "/api/clearance/affiliates/1001/overrides", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]OverrideRecordDTO](t, rec)
	require.Len(t, body["overrides"], 1)
	assert.Equal(t, "pending", body["overrides"][0].PreviousStatus)
	assert.Equal(t, "excluded", body["overrides"][0].NewStatus)
	assert.Equal(t, "ops", body["overrides"][0].Actor)
}

func TestBatchEndpointsReportPerItemOutcomes(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)
	lock(t, router, "100.00")

	// Empty selection is a 400.
	rec := doJSON(t, router, http.MethodPost, "/api/clearance/batch/schedule", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Mixed selection: 1001 eligible, 1002 below threshold. Still 200.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/batch/schedule",
		BatchRequest{AffiliateIDs: []int64{1001, 1002}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponseDTO](t, rec)
	assert.Equal(t, 2, resp.Summary.Requested)
	assert.Equal(t, 1, resp.Summary.Succeeded)
	assert.Equal(t, 1, resp.Summary.Failed)

	// Settle the scheduled one.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/batch/settle",
		BatchRequest{AffiliateIDs: []int64{1001}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[BatchResponseDTO](t, rec)
	assert.Equal(t, 1, resp.Summary.Succeeded)
}

func TestBatchBeforeLockMapsTo409(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/clearance/batch/schedule",
		BatchRequest{AffiliateIDs: []int64{1001}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFullCycleOverHTTP(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)
	criteria := lock(t, router, "100.00")

	// Completing with unsettled money is refused.
	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/clearance/criteria/%s/complete", criteria.ID), CompleteCriteriaRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Exclude the fake and expired affiliates, pay the clean one.
	for _, id := range []int64{1003, 1004} {
		rec = doJSON(t, router, http.MethodPost,
			fmt.Sprintf("/api/clearance/affiliates/%d/status", id),
			OverrideStatusRequest{Status: "excluded", Actor: "ops"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/batch/schedule",
		BatchRequest{AffiliateIDs: []int64{1001}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/batch/settle",
		BatchRequest{AffiliateIDs: []int64{1001}})
	require.Equal(t, http.StatusOK, rec.Code)

	// Now the period closes.
	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/clearance/criteria/%s/complete", criteria.ID), CompleteCriteriaRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	completed := decode[CriteriaDTO](t, rec)
	assert.Equal(t, "completed", completed.Status)
	assert.False(t, completed.ForcedComplete)

	// A new period opens fresh, and history keeps both records.
	rec = doJSON(t, router, http.MethodPost, "/api/clearance/criteria/new-period", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	fresh := decode[CriteriaDTO](t, rec)
	assert.Equal(t, "open", fresh.Status)
	assert.NotEqual(t, criteria.ID, fresh.ID)

	rec = doJSON(t, router, http.MethodGet, "/api/clearance/criteria/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string][]CriteriaDTO](t, rec)
	assert.Len(t, history["criteria"], 2)
}

func TestForcedCompleteOverHTTP(t *testing.T) {
	router := newTestServer(t)
	seed(t, router)
	criteria := lock(t, router, "100.00")

	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/clearance/criteria/%s/complete", criteria.ID),
		CompleteCriteriaRequest{Force: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	completed := decode[CriteriaDTO](t, rec)
	assert.Equal(t, "completed", completed.Status)
	assert.True(t, completed.ForcedComplete)
}
