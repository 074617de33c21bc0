package api

import (
	"net/http"

	"mimiry/internal/health"
	"mimiry/internal/job"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
	"mimiry/internal/token"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Manager         *job.Manager
	Catalog         *provider.Catalog
	Registry        *provider.Registry
	Tokens          *token.Service
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	APIKey          string
	DefaultProvider string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Manager, cfg.Catalog, cfg.Registry, cfg.Tokens, cfg.Metrics, cfg.HealthChecker, cfg.DefaultProvider)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Agent callbacks authenticate with the callback token, never the API key.
	mux.HandleFunc("POST /v1/agent/events", handler.AgentEvent)

	// User endpoints - API key auth when configured
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.CancelJob)))

	mux.Handle("GET /v1/providers", auth(http.HandlerFunc(handler.ListProviders)))
	mux.Handle("GET /v1/instance-types", auth(http.HandlerFunc(handler.ListInstanceTypes)))
	mux.Handle("GET /v1/locations", auth(http.HandlerFunc(handler.ListLocations)))
	mux.Handle("GET /v1/images", auth(http.HandlerFunc(handler.ListImages)))
	mux.Handle("GET /v1/availability/{instanceType}", auth(http.HandlerFunc(handler.CheckAvailability)))

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
