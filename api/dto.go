/*
dto.go - JSON request/response data structures

PURPOSE:
  All request and response shapes for the clearance API in one place.
  DTOs decouple the JSON contract from the domain types: money is
  serialized as strings (never floats), dates as YYYY-MM-DD, and
  timestamps as RFC3339.

CONVENTIONS:
  - snake_case field names
  - omitempty on optional fields
  - amounts are decimal strings ("1250.00")

SEE ALSO:
  - handlers.go: Where these DTOs are populated
*/
package api

import (
	"time"

	"github.com/ferryline/clearance-engine/clearance"
)

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse is the JSON body sent with any non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CRITERIA
// =============================================================================

type CriteriaDTO struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	CutoffDate     *string `json:"cutoff_date,omitempty"`
	MinimumAmount  *string `json:"minimum_amount,omitempty"`
	ForcedComplete bool    `json:"forced_complete"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func toCriteriaDTO(c *clearance.ClearanceCriteria) CriteriaDTO {
	dto := CriteriaDTO{
		ID:             string(c.ID),
		Status:         string(c.Status),
		ForcedComplete: c.ForcedComplete,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
	if c.CutoffDate != nil {
		s := c.CutoffDate.Format("2006-01-02")
		dto.CutoffDate = &s
	}
	if c.MinimumAmount != nil {
		s := c.MinimumAmount.String()
		dto.MinimumAmount = &s
	}
	if c.CompletedAt != nil {
		s := c.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

// LockCriteriaRequest fixes the cutoff date and minimum-amount threshold.
type LockCriteriaRequest struct {
	CutoffDate    string `json:"cutoff_date"`    // YYYY-MM-DD, today or earlier
	MinimumAmount string `json:"minimum_amount"` // decimal string, >= 0
}

// CompleteCriteriaRequest closes the active period.
type CompleteCriteriaRequest struct {
	Force bool `json:"force,omitempty"`
}

// =============================================================================
// ELIGIBILITY QUERY
// =============================================================================

type SnapshotDTO struct {
	AffiliateID      int64   `json:"affiliate_id"`
	DisplayName      string  `json:"display_name"`
	ContractType     string  `json:"contract_type"`
	UnpaidCount      int     `json:"unpaid_count"`
	UnpaidAmount     string  `json:"unpaid_amount"`
	IDExpirationDate *string `json:"id_expiration_date,omitempty"`
	Status           string  `json:"status"`
	BatchState       string  `json:"batch_state"`
}

func toSnapshotDTO(s clearance.AffiliateEarningsSnapshot) SnapshotDTO {
	dto := SnapshotDTO{
		AffiliateID:  int64(s.AffiliateID),
		DisplayName:  s.DisplayName,
		ContractType: s.ContractType,
		UnpaidCount:  s.UnpaidCount,
		UnpaidAmount: s.UnpaidAmount.String(),
		Status:       string(s.Status),
		BatchState:   string(s.BatchState),
	}
	if s.IDExpirationDate != nil {
		d := s.IDExpirationDate.Format("2006-01-02")
		dto.IDExpirationDate = &d
	}
	return dto
}

// SnapshotPageDTO is one grid page plus the total count across all pages.
type SnapshotPageDTO struct {
	Rows       []SnapshotDTO `json:"rows"`
	TotalCount int           `json:"total_count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
}

// =============================================================================
// STATUS OVERRIDES
// =============================================================================

type OverrideStatusRequest struct {
	Status string `json:"status"` // pending | cleared | excluded
	Actor  string `json:"actor,omitempty"`
}

type OverrideRecordDTO struct {
	ID             string `json:"id"`
	AffiliateID    int64  `json:"affiliate_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Actor          string `json:"actor,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toOverrideDTO(rec clearance.OverrideRecord) OverrideRecordDTO {
	return OverrideRecordDTO{
		ID:             rec.ID,
		AffiliateID:    int64(rec.AffiliateID),
		PreviousStatus: string(rec.PreviousStatus),
		NewStatus:      string(rec.NewStatus),
		Actor:          rec.Actor,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// BATCH PAYMENT
// =============================================================================

// BatchRequest selects the affiliates for a schedule or settle call.
type BatchRequest struct {
	AffiliateIDs []int64 `json:"affiliate_ids"`
}

type BatchResultDTO struct {
	AffiliateID int64  `json:"affiliate_id"`
	Outcome     string `json:"outcome"` // succeeded | failed
	Reason      string `json:"reason,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

type BatchSummaryDTO struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchResponseDTO is the envelope for both batch endpoints. A failed item
// is still HTTP 200; only whole-batch refusals map to error statuses.
type BatchResponseDTO struct {
	Results []BatchResultDTO `json:"results"`
	Summary BatchSummaryDTO  `json:"summary"`
}

func toBatchResponse(results []clearance.BatchOperationResult) BatchResponseDTO {
	dtos := make([]BatchResultDTO, len(results))
	for i, r := range results {
		dtos[i] = BatchResultDTO{
			AffiliateID: int64(r.AffiliateID),
			Outcome:     string(r.Outcome),
			Reason:      r.Reason,
			ErrorDetail: r.ErrorDetail,
		}
	}
	summary := clearance.Summarize(results)
	return BatchResponseDTO{
		Results: dtos,
		Summary: BatchSummaryDTO{
			Requested: summary.Requested,
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
		},
	}
}

// =============================================================================
// SEED (dev/demo)
// =============================================================================

type SeedAffiliate struct {
	ID               int64         `json:"id"`
	DisplayName      string        `json:"display_name"`
	ContractType     string        `json:"contract_type"`
	IDExpirationDate *string       `json:"id_expiration_date,omitempty"` // YYYY-MM-DD
	Fake             bool          `json:"fake,omitempty"`
	Earnings         []SeedEarning `json:"earnings,omitempty"`
}

type SeedEarning struct {
	BookingCategory int    `json:"booking_category,omitempty"` // 0 -> default category
	Amount          string `json:"amount"`
	EarnedDate      string `json:"earned_date"` // YYYY-MM-DD
}

type SeedRequest struct {
	Reset      bool            `json:"reset,omitempty"`
	Affiliates []SeedAffiliate `json:"affiliates"`
}
