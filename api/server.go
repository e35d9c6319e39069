/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/accounts/*       Ledger operations and per-account achievements
  /api/achievements/*   Catalog and rarity
  /api/scenarios/*      Demo data (development only)
  /metrics              Prometheus exposition
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list disables CORS.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/reconcile", h.Reconcile)

				r.Post("/earn/ad", h.EarnFromAd)
				r.Post("/earn/daily", h.EarnDailyBonus)
				r.Post("/referral-code", h.ApplyReferralCode)
				r.Post("/referrals", h.PayReferral)

				r.Post("/spend/question", h.SpendOnQuestion)
				r.Post("/spend/request", h.SpendOnRequest)

				r.Post("/triggers", h.FireTrigger)
				r.Get("/achievements", h.ListUnlocks)
				r.Put("/profile", h.SetProfile)
				r.Post("/reviews", h.AddReview)
			})
		})

		r.Route("/achievements", func(r chi.Router) {
			r.Get("/", h.ListAchievements)
			r.Get("/{id}/rarity", h.GetRarity)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
