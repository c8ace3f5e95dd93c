/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the household frontend

ROUTE GROUPS:
  /health                   Storage liveness
  /metrics                  Prometheus (when enabled)
  /api/accounts/*           Ledger operations
  /api/children/*           Catalog per child
  /api/tasks, /api/rewards  Catalog creation
  /api/reconciliation/*     Scheduler runs
  /api/scenarios/*          Demo households

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the parts of the router that differ per deployment.
type RouterOptions struct {
	CORSOrigins []string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.GetHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/events", h.GetEvents)
			r.Post("/{id}/award", h.Award)
			r.Post("/{id}/redeem", h.Redeem)
			r.Get("/{id}/reconcile", h.Reconcile)
			r.Post("/{id}/repair", h.Repair)
		})

		// Child routes
		r.Route("/children", func(r chi.Router) {
			r.Get("/", h.ListChildren)
			r.Post("/", h.CreateChild)
			r.Get("/{id}/tasks", h.ListTasks)
			r.Get("/{id}/rewards", h.ListRewards)
			r.Post("/{id}/tasks/{taskID}/complete", h.CompleteTask)
			r.Post("/{id}/rewards/{rewardID}/redeem", h.RedeemReward)
		})

		r.Post("/tasks", h.CreateTask)
		r.Post("/rewards", h.CreateReward)

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/run", h.TriggerReconciliation)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
