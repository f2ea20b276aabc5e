// Package restapi exposes the admin trigger surface for the batch
// pipeline: run endpoints for the two engines, the run ledger, health
// and Prometheus metrics.
package restapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"ontime.transitscore.org/internal/app"
)

// RestAPI wires HTTP handlers to the shared application dependencies.
type RestAPI struct {
	*app.Application

	rateLimiter *RateLimitMiddleware

	// matchingMu and aggregationMu serialize runs per engine; a second
	// trigger while one is in flight gets 409 Conflict.
	matchingMu    sync.Mutex
	aggregationMu sync.Mutex
}

// New creates the admin API bound to the given application.
func New(application *app.Application) *RestAPI {
	return &RestAPI{
		Application: application,
		rateLimiter: NewRateLimitMiddleware(
			application.Config.RateLimit,
			time.Second,
			application.Config.ApiKeys,
			application.Clock,
		),
	}
}

// Routes builds the handler tree with the full middleware chain.
func (api *RestAPI) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/matching/run", api.requireAPIKey(api.matchingRunHandler))
	mux.HandleFunc("POST /admin/aggregation/run", api.requireAPIKey(api.aggregationRunHandler))
	mux.HandleFunc("GET /admin/runs/last", api.requireAPIKey(api.lastRunsHandler))
	mux.HandleFunc("GET /health", api.healthHandler)

	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = api.rateLimiter.Handler()(handler)
	handler = MetricsHandler(api.Metrics)(handler)
	handler = NewRequestLoggingMiddleware(api.Logger)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// Shutdown stops background middleware goroutines.
func (api *RestAPI) Shutdown() {
	api.rateLimiter.Stop()
}

func (api *RestAPI) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAPIKey(r) {
			api.sendError(w, http.StatusUnauthorized, "permission denied")
			return
		}
		next(w, r)
	}
}
