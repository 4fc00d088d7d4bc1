/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin console frontend

ROUTE GROUPS:
  /api/clearance/criteria/*    Criteria lifecycle
  /api/clearance/affiliates/*  Eligibility grid + overrides
  /api/clearance/batch/*       Two-phase payment batches
  /api/admin/*                 Seed/reset (dev only)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/clearance", func(r chi.Router) {
			// Criteria lifecycle
			r.Route("/criteria", func(r chi.Router) {
				r.Get("/", h.GetCriteria)
				r.Get("/history", h.GetCriteriaHistory)
				r.Post("/lock", h.LockCriteria)
				r.Post("/{id}/complete", h.CompleteCriteria)
				r.Post("/new-period", h.StartNewPeriod)
			})

			// Eligibility grid + overrides
			r.Route("/affiliates", func(r chi.Router) {
				r.Get("/", h.ListEligibleAffiliates)
				r.Post("/{id}/status", h.SetAffiliateStatus)
				r.Get("/{id}/overrides", h.GetAffiliateOverrides)
			})

			// Two-phase payment batches
			r.Route("/batch", func(r chi.Router) {
				r.Post("/schedule", h.ScheduleBatch)
				r.Post("/settle", h.SettleBatch)
			})
		})

		// Admin routes (dev only)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/seed", h.SeedData)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
