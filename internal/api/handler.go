// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mimiry/internal/apperrors"
	"mimiry/internal/health"
	"mimiry/internal/job"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
	"mimiry/internal/token"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API.
type Handler struct {
	manager         *job.Manager
	catalog         *provider.Catalog
	registry        *provider.Registry
	tokens          *token.Service
	metrics         *observability.Metrics
	health          *health.Checker
	defaultProvider string
}

// NewHandler creates a new API handler. defaultProvider is used by
// catalog reads when the request names no provider.
func NewHandler(manager *job.Manager, catalog *provider.Catalog, registry *provider.Registry, tokens *token.Service, metrics *observability.Metrics, healthChecker *health.Checker, defaultProvider string) *Handler {
	return &Handler{
		manager:         manager,
		catalog:         catalog,
		registry:        registry,
		tokens:          tokens,
		metrics:         metrics,
		health:          healthChecker,
		defaultProvider: defaultProvider,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	j, err := h.manager.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.manager.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &job.ListResponse{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.manager.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /v1/jobs/{jobId}. Cancelling a job that
// already reached a terminal state returns the job unchanged.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.manager.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": h.registry.Providers()})
}

// ListInstanceTypes handles GET /v1/instance-types?provider=&currency=
func (h *Handler) ListInstanceTypes(w http.ResponseWriter, r *http.Request) {
	slug := h.providerParam(r)
	types, err := h.catalog.InstanceTypes(r.Context(), slug, r.URL.Query().Get("currency"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"instance_types": types})
}

// ListLocations handles GET /v1/locations?provider=
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.catalog.Locations(r.Context(), h.providerParam(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

// ListImages handles GET /v1/images?provider=&instance_type=
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.catalog.Images(r.Context(), h.providerParam(r), r.URL.Query().Get("instance_type"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

// CheckAvailability handles GET /v1/availability/{instanceType}?provider=
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	instanceType := r.PathValue("instanceType")
	if instanceType == "" {
		h.writeError(w, http.StatusBadRequest, "Instance type is required")
		return
	}

	avail, err := h.catalog.Availability(r.Context(), h.providerParam(r), instanceType)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, avail)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job store is unreachable or no providers loaded.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) providerParam(r *http.Request) string {
	if slug := r.URL.Query().Get("provider"); slug != "" {
		return slug
	}
	return h.defaultProvider
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the domain layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// httpStatus extends the apperrors mapping with provider sentinels so
// catalog reads surface upstream trouble honestly.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrProviderUnavailable), errors.Is(err, provider.ErrCapacityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrAuthFailure):
		return http.StatusBadGateway
	default:
		return apperrors.HTTPStatus(err)
	}
}
