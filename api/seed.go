/*
seed.go - Demo data loading for development

PURPOSE:
  Lets a developer or demo environment populate the local earnings
  tables without the production ledger. Accepts either an explicit
  affiliate list or, with an empty body, loads a small built-in
  dataset that exercises the interesting cases (below-threshold
  affiliate, fake affiliate, expired ID).

NOT FOR PRODUCTION:
  These endpoints write directly to the dev earnings provider. A real
  deployment points the engines at the ledger service instead and
  never mounts /api/admin.

SEE ALSO:
  - store/sqlite/sqlite.go: SaveAffiliate / AddEarning / Reset
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferryline/clearance-engine/clearance"
)

// SeedData loads demo affiliates and earnings into the dev provider.
func (h *Handler) SeedData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SeedRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	if len(req.Affiliates) == 0 {
		req = defaultSeed()
	}

	if req.Reset {
		if err := h.Store.Reset(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
			return
		}
		h.Query.Invalidate()
	}

	affiliates := 0
	earnings := 0
	for _, a := range req.Affiliates {
		var expiration *time.Time
		if a.IDExpirationDate != nil {
			t, err := time.Parse("2006-01-02", *a.IDExpirationDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid id_expiration_date (use YYYY-MM-DD)", err)
				return
			}
			expiration = &t
		}

		if err := h.Store.SaveAffiliate(ctx, clearance.AffiliateID(a.ID), a.DisplayName, a.ContractType, expiration, a.Fake); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save affiliate", err)
			return
		}
		affiliates++

		for _, e := range a.Earnings {
			amount, err := decimal.NewFromString(e.Amount)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid earning amount", err)
				return
			}
			earnedDate, err := time.Parse("2006-01-02", e.EarnedDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid earned_date (use YYYY-MM-DD)", err)
				return
			}
			if err := h.Store.AddEarning(ctx, clearance.AffiliateID(a.ID), e.BookingCategory, amount, earnedDate); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to add earning", err)
				return
			}
			earnings++
		}
	}

	h.Query.Invalidate()

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "seeded",
		"affiliates": affiliates,
		"earnings":   earnings,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.Query.Invalidate()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// defaultSeed is a small dataset covering the cases the grid filters on.
func defaultSeed() SeedRequest {
	lastMonth := time.Now().UTC().AddDate(0, -1, 0).Format("2006-01-02")
	expired := time.Now().UTC().AddDate(-1, 0, 0).Format("2006-01-02")

	return SeedRequest{
		Affiliates: []SeedAffiliate{
			{
				ID: 1001, DisplayName: "Harbor Travel Oy", ContractType: "agency",
				Earnings: []SeedEarning{
					{Amount: "420.00", EarnedDate: lastMonth},
					{Amount: "180.50", EarnedDate: lastMonth},
				},
			},
			{
				ID: 1002, DisplayName: "Nordic Routes AB", ContractType: "reseller",
				Earnings: []SeedEarning{
					{Amount: "95.00", EarnedDate: lastMonth},
				},
			},
			{
				ID: 1003, DisplayName: "Internal QA Partner", ContractType: "agency", Fake: true,
				Earnings: []SeedEarning{
					{Amount: "300.00", EarnedDate: lastMonth},
				},
			},
			{
				ID: 1004, DisplayName: "Baltic Ferries Ltd", ContractType: "agency",
				IDExpirationDate: &expired,
				Earnings: []SeedEarning{
					{Amount: "510.25", EarnedDate: lastMonth},
				},
			},
		},
	}
}
