// Package api provides the HTTP API handlers and routing for the optimization service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"regenopt/internal/apperrors"
	"regenopt/internal/health"
	"regenopt/internal/job"
	"regenopt/internal/orchestrator"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Service is the job API the handlers serve.
type Service interface {
	StartJob(ctx context.Context, scenarioID string, overrides *job.Overrides, requester orchestrator.Requester) (*job.Job, error)
	CancelJob(ctx context.Context, jobID string, requester orchestrator.Requester) (*job.Job, error)
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	GetProgress(ctx context.Context, jobID string, requester orchestrator.Requester) (*job.Progress, error)
	ListJobs(ctx context.Context, userID string, activeOnly bool) ([]*job.Job, error)
}

// StartResponse is returned by POST /v1/scenarios/{scenarioId}/jobs.
type StartResponse struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

// ListResponse is returned by GET /v1/jobs.
type ListResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error             string   `json:"error"`
	ConflictingJobIDs []string `json:"conflicting_job_ids,omitempty"`
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// StartJob handles POST /v1/scenarios/{scenarioId}/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenarioId")
	if scenarioID == "" {
		h.writeError(w, http.StatusBadRequest, "Scenario ID is required")
		return
	}

	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var overrides *job.Overrides
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	j, err := h.svc.StartJob(r.Context(), scenarioID, overrides, requesterFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	h.writeJSON(w, http.StatusAccepted, StartResponse{ID: j.ID, Status: j.Status})
}

// ListJobs handles GET /v1/jobs. Admins may list another user's jobs with ?user=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	requester := requesterFrom(r.Context())
	userID := requester.UserID
	if other := r.URL.Query().Get("user"); other != "" && other != userID {
		if !requester.IsAdmin() {
			h.handleError(w, r, apperrors.Forbidden("jobs of user", other))
			return
		}
		userID = other
	}

	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		activeOnly = b
	}

	jobs, err := h.svc.ListJobs(r.Context(), userID, activeOnly)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// GetProgress handles GET /v1/jobs/{jobId}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	p, err := h.svc.GetProgress(r.Context(), jobID, requesterFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// CancelJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if _, err := h.svc.CancelJob(r.Context(), jobID, requesterFrom(r.Context())); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// lookup loads the job named in the path and checks the caller may see it.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return nil, false
	}

	j, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	if !requesterFrom(r.Context()).CanAccess(j) {
		h.handleError(w, r, apperrors.Forbidden("job", jobID))
		return nil, false
	}
	return j, true
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the evaluator or the job store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
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
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:             err.Error(),
		ConflictingJobIDs: apperrors.ConflictingJobs(err),
	})
}
