/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the load balancer
  3. Logger:     One slog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency by route
  6. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /healthz              Liveness and storage readiness
  /metrics              Prometheus scrape endpoint
  /webhook/settlement   Payment rail notifications (HMAC, no JWT)
  /api/*                JSON API (JWT bearer)
  /api/admin/*          Operator endpoints (JWT, role=admin)

SEE ALSO:
  - handlers.go, webhook.go: Handler implementations
  - auth.go: RequireAuth, RequireRole
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/settlement", h.SettlementWebhook)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAuth(h.Tokens))

		// Group routes
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroups)
			r.Post("/", h.CreateGroup)
			r.Get("/{id}", h.GetGroup)

			r.Get("/{id}/members", h.ListMembers)
			r.Post("/{id}/members", h.JoinGroup)
			r.Delete("/{id}/members/{userID}", h.RemoveMember)
			r.Put("/{id}/members/{userID}/payout-target", h.SetPayoutTarget)

			r.Get("/{id}/contributions", h.ListContributions)
			r.Post("/{id}/contributions", h.RequestContribution)

			r.Get("/{id}/payouts", h.ListPayouts)
		})

		// Payout routes
		r.Get("/payouts/{id}", h.GetPayout)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Post("/payouts/{id}/retry", h.RetryPayout)
			r.Post("/groups/{id}/resume", h.ResumeCycle)
			r.Post("/sweep", h.Sweep)
			r.Get("/audit", h.QueryAudit)
		})
	})

	return r
}
