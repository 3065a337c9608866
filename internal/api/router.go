package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peyvandtel/broker/internal/auth"
	"github.com/peyvandtel/broker/internal/metrics"
	"github.com/peyvandtel/broker/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Pipeline       Executor
	Records        RecordReader
	Services       ServiceLookup
	Catalog        CatalogAdmin
	Users          UserStore
	Credit         CreditAdjuster
	Ledger         LedgerReader
	Reconciler     ReconcileRunner
	RemoteCalls    CallSummarizer
	Auth           *auth.Service
	Limiter        *ratelimit.Limiter
	ServiceLimiter *ratelimit.ServiceLimiter
	Metrics        *metrics.Metrics
	DBPool         Pinger
	AllowedOrigins []string
	MaxUploadBytes int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	r.Use(metricsMiddleware(deps.Metrics))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Handlers.
	requests := &requestsHandler{
		pipeline:  deps.Pipeline,
		records:   deps.Records,
		services:  deps.Services,
		limiter:   deps.ServiceLimiter,
		maxUpload: deps.MaxUploadBytes,
		onLimited: func(scope string) { deps.Metrics.IncRateLimitRejection(scope) },
	}
	account := &accountHandler{users: deps.Users, ledger: deps.Ledger}
	users := &usersHandler{store: deps.Users, credit: deps.Credit, ledger: deps.Ledger}
	services := &servicesHandler{catalog: deps.Catalog}
	ops := &opsHandler{db: deps.DBPool, reconciler: deps.Reconciler, calls: deps.RemoteCalls}

	// Health and metrics.
	r.Get("/health", ops.Health)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminKeyMiddleware(deps.Auth))

		ar.Post("/users", users.CreateUser)
		ar.Get("/users", users.ListUsers)
		ar.Get("/users/{id}", users.GetUser)
		ar.Put("/users/{id}", users.UpdateUser)
		ar.Put("/users/{id}/threshold", users.SetThreshold)
		ar.Post("/users/{id}/credit", users.AdjustCredit)
		ar.Post("/users/{id}/rotate-key", users.RotateKey)
		ar.Get("/users/{id}/ledger/verify", users.VerifyLedger)

		ar.Get("/services", services.ListServices)
		ar.Put("/services/{id}/credential", services.SetCredential)
		ar.Post("/services/{id}/toggle", services.ToggleActive)
		ar.Get("/services/{id}/price", services.GetPrice)
		ar.Put("/services/{id}/price", services.SetPrice)
		ar.Delete("/services/{id}/price", services.DeletePrice)

		ar.Post("/reconcile", ops.Reconcile)
		ar.Get("/remote-calls/summary", ops.RemoteCalls)
		if deps.Metrics != nil {
			ar.Get("/metrics/summary", deps.Metrics.Handler())
		}
	})

	// User routes (require a user API key + rate limiting).
	r.Route("/api/v1", func(ur chi.Router) {
		ur.Use(auth.UserAuthMiddleware(deps.Auth))
		ur.Use(ratelimit.Middleware(deps.Limiter, func() { deps.Metrics.IncRateLimitRejection("user") }))

		ur.Get("/me", account.Me)
		ur.Get("/credit-history", account.CreditHistory)
		ur.Post("/requests", requests.Create)
		ur.Get("/services/{serviceID}/requests", requests.List)
		ur.Get("/services/{serviceID}/requests/{id}", requests.Get)
	})

	return r
}
