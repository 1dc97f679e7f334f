/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. RealIP:     Client address behind a proxy
  3. Access log: zap, one line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counter and latency by route
  6. CORS:       Cross-origin requests from the back-office frontend

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus exposition
  /api/plans/*          Payment plans and admin transitions
  /api/installments/*   Manual payments
  /api/gateway/*        Card payment intents
  /api/webhooks/*       Gateway callbacks
  /api/admin/*          Default scan and scheduler status
  /api/scenarios/*      Demo scenarios (server.demo only)

SEE ALSO:
  - handlers.go: Handler implementations
  - metrics.go: HTTP metrics middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. Zero values disable the optional parts.
type RouterOptions struct {
	AllowedOrigins []string
	Demo           bool

	// Registry receives the HTTP metrics and backs /metrics.
	Registry *prometheus.Registry

	Scheduler *DefaultScheduler
	Logger    *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	if opts.Registry != nil {
		r.Use(NewHTTPMetrics(opts.Registry).Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Post("/{id}/suspend", h.SuspendPlan)
			r.Post("/{id}/resume", h.ResumePlan)
			r.Post("/{id}/cancel", h.CancelPlan)
		})

		r.Post("/installments/{id}/pay", h.PayInstallment)
		r.Post("/gateway/payments", h.CreateGatewayPayment)
		r.Post("/webhooks/stripe", h.StripeWebhook)
		r.Get("/receipts/{id}", h.GetReceipt)
		r.Get("/transactions", h.ListTransactions)

		// Reporting routes
		r.Get("/outstanding", h.GetOutstanding)
		r.Get("/defaulters", h.GetDefaulters)
		r.Get("/financial-summary", h.GetFinancialSummary)
		r.Get("/alerts", h.GetAlerts)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/defaults/apply", h.ApplyDefaults)
			if opts.Scheduler != nil {
				r.Method(http.MethodGet, "/scheduler", opts.Scheduler)
			}
		})

		// Scenario routes
		if opts.Demo {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// accessLog logs one line per request with the chi request id.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}
