package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options toggles optional parts of the API.
type Options struct {
	DevAuth     bool
	CORSOrigins []string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(ledger *service.LedgerService, identity *service.IdentityService, store Pinger, metrics *observability.Metrics, logger *zap.Logger, opts Options) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(store, logger))
	r.Get("/readyz", readyzHandler(store))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if opts.DevAuth {
			r.Post("/auth/login", loginHandler(identity, logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(identity, logger))

			// Accounts
			r.Get("/accounts", listAccountsHandler(ledger, logger))
			r.Post("/accounts", openAccountHandler(ledger, logger))
			r.Get("/accounts/{accountId}", getAccountHandler(ledger, logger))
			r.Put("/accounts/{accountId}/status", setAccountStatusHandler(ledger, logger))
			r.Get("/accounts/{accountId}/transactions", accountTransactionsHandler(ledger, logger))

			// Customers
			r.Get("/customers", listCustomersHandler(ledger, logger))
			r.Post("/customers", createCustomerHandler(ledger, logger))
			r.Get("/customers/{customerId}", getCustomerHandler(ledger, logger))
			r.Get("/customers/{customerId}/overview", customerOverviewHandler(ledger, logger))

			// Transactions
			r.Post("/transactions", proposeTransactionHandler(ledger, logger))
			r.Get("/transactions", listTransactionsHandler(ledger, logger))
			r.Get("/transactions/{transactionId}", getTransactionHandler(ledger, logger))
			r.Post("/transactions/{transactionId}/approve", decideTransactionHandler(ledger, domain.OutcomeApprove, logger))
			r.Post("/transactions/{transactionId}/reject", decideTransactionHandler(ledger, domain.OutcomeReject, logger))
			r.Post("/transactions/{transactionId}/reverse", reverseTransactionHandler(ledger, logger))

			// Metrics
			r.Get("/metrics/ledger", ledgerMetricsHandler(metrics))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "ledger-api", Status: "healthy", LatencyMs: 0, LastChecked: now},
		}

		if store != nil {
			start := time.Now()
			err := store.Ping(r.Context())
			status := "healthy"
			if err != nil {
				status = "degraded"
				logger.Warn("store health check failed", zap.Error(err))
			}
			services = append(services, domain.ServiceHealth{
				Name: "store", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.LedgerSnapshot())
	}
}

// ============================================================
// Auth
// ============================================================

func loginHandler(identity *service.IdentityService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login")
		defer span.End()

		var req domain.LoginRequest
		if err := decodeJSON(r, &req, false); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		resp, err := identity.Login(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
