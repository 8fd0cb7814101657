package api

import (
	"net/http"

	"regenopt/internal/health"
	"regenopt/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth and caller identity required
	auth := AuthMiddleware(cfg.APIKey)
	identity := IdentityMiddleware()
	protect := func(h http.HandlerFunc) http.Handler {
		return auth(identity(h))
	}
	mux.Handle("POST /v1/scenarios/{scenarioId}/jobs", protect(handler.StartJob))
	mux.Handle("GET /v1/jobs", protect(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", protect(handler.GetJob))
	mux.Handle("GET /v1/jobs/{jobId}/progress", protect(handler.GetProgress))
	mux.Handle("DELETE /v1/jobs/{jobId}", protect(handler.CancelJob))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
