/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chosen for the same reasons as the teacher: lightweight, context-based,
  RESTful route patterns.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator tooling
  5. metrics.Middleware: Prometheus request counters/histograms

ROUTE GROUPS:
  /api/groups/*        Transaction group lifecycle (C2)
  /api/transfers       Transfer convenience composition
  /api/refunds         Post-settlement refund primitive (C3)
  /api/wallets/*       Balance reads (C4)
  /api/admin/wallets/* Pipeline admin: manual snapshot/archive runs (C5)
  /api/reconciliation  Cross-wallet sum (C1)
  /metrics             Prometheus scrape endpoint

No static file serving: this engine has no UI surface.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/ledger-engine/internal/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(metrics.Middleware)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.OpenGroup)
			r.Get("/{id}", h.GroupStatus)
			r.Post("/{id}/holds/debit", h.HoldDebit)
			r.Post("/{id}/holds/credit", h.HoldCredit)
			r.Post("/{id}/settle", h.SettleGroup)
			r.Post("/{id}/release", h.ReleaseGroup)
			r.Post("/{id}/cancel", h.CancelGroup)
		})

		r.Post("/transfers", h.Transfer)
		r.Post("/refunds", h.Refund)

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/{id}/balance", h.AvailableBalance)
		})

		r.Route("/admin/wallets", func(r chi.Router) {
			r.Post("/{id}/snapshot", h.SnapshotWallet)
			r.Post("/{id}/archive", h.ArchiveWallet)
		})

		r.Get("/reconciliation", h.Reconciliation)
	})

	return r
}
