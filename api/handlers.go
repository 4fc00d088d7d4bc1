/*
handlers.go - HTTP API handlers for the clearance workflow

PURPOSE:
  Exposes the clearance engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Criteria:
    GET    /api/clearance/criteria               Active criteria record
    GET    /api/clearance/criteria/history       All periods, newest first
    POST   /api/clearance/criteria/lock          Fix cutoff + threshold
    POST   /api/clearance/criteria/{id}/complete Close the period
    POST   /api/clearance/criteria/new-period    Open the next period

  Eligibility:
    GET    /api/clearance/affiliates             Paginated eligible grid

  Overrides:
    POST   /api/clearance/affiliates/{id}/status    Manual status change
    GET    /api/clearance/affiliates/{id}/overrides Audit history

  Batch payment:
    POST   /api/clearance/batch/schedule         Phase one
    POST   /api/clearance/batch/settle           Phase two

  Admin (dev only):
    POST   /api/admin/seed                       Load demo data
    POST   /api/admin/reset                      Clear all data

ERROR HANDLING:
  Domain errors are classified with errors.Is against the clearance
  sentinels and mapped to HTTP statuses:
  - 400: invalid input
  - 404: affiliate/criteria not found
  - 409: invalid lifecycle transition, precondition failed, not ready
  - 422: affiliate not eligible
  - 502: payment gateway failure
  Per-affiliate batch failures are NOT errors: batch endpoints return
  200 with per-item outcomes.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - seed.go: Demo data loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ferryline/clearance-engine/clearance"
	"github.com/ferryline/clearance-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Criteria   *clearance.CriteriaService
	Query      *clearance.QueryEngine
	Overrides  *clearance.OverrideService
	Settlement *clearance.SettlementEngine
}

// NewHandler wires the engines over the given store and payment gateway.
func NewHandler(store *sqlite.Store, gateway clearance.PaymentGateway) *Handler {
	query := clearance.NewQueryEngine(store, store, store)
	return &Handler{
		Store:      store,
		Criteria:   clearance.NewCriteriaService(store, query),
		Query:      query,
		Overrides:  clearance.NewOverrideService(store, store, query, store),
		Settlement: clearance.NewSettlementEngine(store, store, query, gateway),
	}
}

// =============================================================================
// CRITERIA HANDLERS
// =============================================================================

// GetCriteria returns the active criteria record.
func (h *Handler) GetCriteria(w http.ResponseWriter, r *http.Request) {
	criteria, err := h.Criteria.Current(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to get criteria", err)
		return
	}
	writeJSON(w, http.StatusOK, toCriteriaDTO(criteria))
}

// GetCriteriaHistory returns all criteria records, newest first.
func (h *Handler) GetCriteriaHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.Criteria.History(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to get criteria history", err)
		return
	}

	dtos := make([]CriteriaDTO, len(records))
	for i := range records {
		dtos[i] = toCriteriaDTO(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"criteria": dtos})
}

// LockCriteria fixes cutoff and threshold, moving the record to locked.
func (h *Handler) LockCriteria(w http.ResponseWriter, r *http.Request) {
	var req LockCriteriaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cutoff, err := time.Parse("2006-01-02", req.CutoffDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cutoff_date format (use YYYY-MM-DD)", err)
		return
	}

	minimum, err := decimal.NewFromString(req.MinimumAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid minimum_amount (use a decimal string)", err)
		return
	}

	criteria, err := h.Criteria.Lock(r.Context(), cutoff, minimum)
	if err != nil {
		writeDomainError(w, "Failed to lock criteria", err)
		return
	}

	writeJSON(w, http.StatusOK, toCriteriaDTO(criteria))
}

// CompleteCriteria closes the active period.
func (h *Handler) CompleteCriteria(w http.ResponseWriter, r *http.Request) {
	id := clearance.CriteriaID(chi.URLParam(r, "id"))

	var req CompleteCriteriaRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	criteria, err := h.Criteria.Complete(r.Context(), id, req.Force)
	if err != nil {
		writeDomainError(w, "Failed to complete criteria", err)
		return
	}

	writeJSON(w, http.StatusOK, toCriteriaDTO(criteria))
}

// StartNewPeriod supersedes the completed record and opens a fresh one.
func (h *Handler) StartNewPeriod(w http.ResponseWriter, r *http.Request) {
	criteria, err := h.Criteria.StartNewPeriod(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to start new period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCriteriaDTO(criteria))
}

// =============================================================================
// ELIGIBILITY HANDLERS
// =============================================================================

// ListEligibleAffiliates returns one grid page of the eligible set.
//
// Query parameters:
//
//	page, page_size       pagination (1-based page)
//	sort, dir             sort column and direction
//	exclude_fake          drop internal test affiliates
//	exclude_expired       drop affiliates with expired IDs
//	booking_category      earnings category (defaults when omitted)
//	min_amount            threshold override for this query only
//	clearance_date        cutoff override for this query only
func (h *Handler) ListEligibleAffiliates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := clearance.SnapshotFilter{
		ExcludeFakeAffiliates: q.Get("exclude_fake") == "true",
		ExcludeExpiredIDs:     q.Get("exclude_expired") == "true",
	}
	if v := q.Get("booking_category"); v != "" {
		category, err := strconv.Atoi(v)
		if err != nil || category < 0 {
			writeError(w, http.StatusBadRequest, "Invalid booking_category", err)
			return
		}
		filter.BookingCategory = category
	}
	if v := q.Get("min_amount"); v != "" {
		minimum, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid min_amount", err)
			return
		}
		filter.MinAmountOverride = &minimum
	}
	if v := q.Get("clearance_date"); v != "" {
		date, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid clearance_date (use YYYY-MM-DD)", err)
			return
		}
		filter.ClearanceDateOverride = &date
	}

	page := clearance.PageRequest{}
	if v := q.Get("page"); v != "" {
		page.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("page_size"); v != "" {
		page.PageSize, _ = strconv.Atoi(v)
	}

	sortReq := clearance.SortRequest{
		Column:    clearance.ParseSortColumn(q.Get("sort")),
		Direction: clearance.ParseSortDirection(q.Get("dir")),
	}

	result, err := h.Query.EligibleAffiliates(r.Context(), filter, page, sortReq)
	if err != nil {
		writeDomainError(w, "Failed to query eligible affiliates", err)
		return
	}

	rows := make([]SnapshotDTO, len(result.Rows))
	for i, s := range result.Rows {
		rows[i] = toSnapshotDTO(s)
	}

	writeJSON(w, http.StatusOK, SnapshotPageDTO{
		Rows:       rows,
		TotalCount: result.TotalCount,
		Page:       result.Page,
		PageSize:   result.PageSize,
	})
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

// SetAffiliateStatus manually overrides one affiliate's clearance status.
func (h *Handler) SetAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	affiliateID, err := parseAffiliateID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid affiliate id", err)
		return
	}

	var req OverrideStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	snapshot, err := h.Overrides.SetIndividualStatus(r.Context(), affiliateID, clearance.ClearanceStatus(req.Status), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to set affiliate status", err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotDTO(*snapshot))
}

// GetAffiliateOverrides returns the audit history of manual status changes.
func (h *Handler) GetAffiliateOverrides(w http.ResponseWriter, r *http.Request) {
	affiliateID, err := parseAffiliateID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid affiliate id", err)
		return
	}

	records, err := h.Overrides.Overrides(r.Context(), affiliateID)
	if err != nil {
		writeDomainError(w, "Failed to get override history", err)
		return
	}

	dtos := make([]OverrideRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toOverrideDTO(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": dtos})
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ScheduleBatch runs phase one over the selected affiliates.
func (h *Handler) ScheduleBatch(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, h.Settlement.Schedule)
}

// SettleBatch runs phase two over the selected affiliates.
func (h *Handler) SettleBatch(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, h.Settlement.Settle)
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, selection []clearance.AffiliateID) ([]clearance.BatchOperationResult, error)) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.AffiliateIDs) == 0 {
		writeError(w, http.StatusBadRequest, "At least one affiliate_id is required", nil)
		return
	}

	selection := make([]clearance.AffiliateID, len(req.AffiliateIDs))
	for i, id := range req.AffiliateIDs {
		selection[i] = clearance.AffiliateID(id)
	}

	results, err := fn(r.Context(), selection)
	if err != nil {
		writeDomainError(w, "Batch operation refused", err)
		return
	}

	writeJSON(w, http.StatusOK, toBatchResponse(results))
}

// =============================================================================
// HELPERS
// =============================================================================

func parseAffiliateID(s string) (clearance.AffiliateID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return clearance.AffiliateID(id), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError classifies a domain error against the clearance sentinels
// and maps it to an HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, clearance.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, clearance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, clearance.ErrNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, clearance.ErrInvalidTransition),
		errors.Is(err, clearance.ErrPreconditionFailed),
		errors.Is(err, clearance.ErrNotReady),
		errors.Is(err, clearance.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, clearance.ErrExternalFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
