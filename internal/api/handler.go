// Package api exposes the coordinator over HTTP: a JSON REST surface, a
// per-job server-sent event stream and the Prometheus endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/input"
	"github.com/docflow/docflow/internal/job"
	"github.com/docflow/docflow/internal/metrics"
	"github.com/docflow/docflow/internal/orchestrator"
	"github.com/docflow/docflow/internal/queue"
	"github.com/docflow/docflow/internal/scheduler"
)

// Orchestrator is the coordinator surface the HTTP layer uses.
// *orchestrator.Coordinator implements it.
type Orchestrator interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*job.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, id string) (bool, error)
	Job(ctx context.Context, id string) (*job.Job, error)
	Jobs(ctx context.Context, limit, offset int, statuses ...job.Status) ([]*job.Job, int, error)
	ProgressLog(ctx context.Context, id string) ([]*job.ProgressEntry, error)
	QueueStatus(ctx context.Context) (job.QueueStatus, error)
	Status(ctx context.Context) (*orchestrator.Status, error)
	TriggerTask(ctx context.Context, name string) error
	Bus() *eventbus.Bus
	Metrics() *metrics.Registry
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	orch   Orchestrator
	logger *slog.Logger
}

func NewHandler(o Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: o, logger: logger.With("component", "api")}
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(o Orchestrator, cfg config.APIConfig, logger *slog.Logger) http.Handler {
	h := NewHandler(o, logger)
	r := chi.NewRouter()
	r.Use(
		RequestID,
		Logging(h.logger),
		CORS(cfg.CORSOrigins),
		Auth(cfg.Keys),
		RateLimit(cfg.RateLimit, cfg.RateBurst),
	)
	h.Routes(r)
	return r
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/v1/health", h.Health)
	r.Handle("/metrics", h.orch.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/progress", h.GetProgress)
		r.Get("/jobs/{id}/sse", h.StreamSSE)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
		r.Post("/jobs/{id}/retry", h.RetryJob)
		r.Get("/queue", h.GetQueue)
		r.Get("/status", h.GetStatus)
		r.Post("/tasks/{name}/run", h.RunTask)
	})
}

type createJobRequest struct {
	JobType     string         `json:"job_type"`
	InputRef    string         `json:"input_reference"`
	Priority    *int           `json:"priority,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority := job.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	params := req.Parameters
	if req.CallbackURL != "" {
		if params == nil {
			params = make(map[string]any, 1)
		}
		params["callback_url"] = req.CallbackURL
	}

	j, err := h.orch.Enqueue(r.Context(), queue.EnqueueRequest{
		JobType:    req.JobType,
		InputRef:   req.InputRef,
		Priority:   priority,
		Parameters: params,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		h.writeOpError(w, r, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs. The optional status query parameter takes
// a comma-separated list of statuses; limit (at most job.MaxPageSize) and
// offset page the result.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), 20)
	offset := parseIntParam(q.Get("offset"), 0)
	if limit <= 0 || offset < 0 {
		writeError(w, http.StatusBadRequest, "limit must be positive and offset non-negative")
		return
	}
	limit = min(limit, job.MaxPageSize)

	var statuses []job.Status
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := job.Status(strings.TrimSpace(s))
			if !slices.Contains(job.AllStatuses, st) {
				writeError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	jobs, total, err := h.orch.Jobs(r.Context(), limit, offset, statuses...)
	if err != nil {
		h.writeOpError(w, r, "list jobs", err)
		return
	}
	// Return an empty array instead of null when the page is empty.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOpError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// GetProgress handles GET /api/v1/jobs/{id}/progress.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	entries, err := h.orch.ProgressLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOpError(w, r, "progress log", err)
		return
	}
	if entries == nil {
		entries = []*job.ProgressEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": entries})
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. Pending and retrying jobs
// are cancelled at once; running jobs are signalled and their outcome dropped.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.orch.Cancel, job.StatusCancelled)
}

// RetryJob handles POST /api/v1/jobs/{id}/retry for failed jobs.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "retry", h.orch.Retry, job.StatusPending)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, string) (bool, error), result job.Status) {
	id := chi.URLParam(r, "id")
	ok, err := fn(r.Context(), id)
	if err != nil {
		h.writeOpError(w, r, op, err)
		return
	}
	if !ok {
		j, err := h.orch.Job(r.Context(), id)
		if err != nil {
			h.writeOpError(w, r, op, err)
			return
		}
		writeError(w, http.StatusConflict, "cannot "+op+" job in status "+string(j.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(result)})
}

// GetQueue handles GET /api/v1/queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	qs, err := h.orch.QueueStatus(r.Context())
	if err != nil {
		h.writeOpError(w, r, "queue status", err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

// GetStatus handles GET /api/v1/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context())
	if err != nil {
		h.writeOpError(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RunTask handles POST /api/v1/tasks/{name}/run and runs a scheduled task now.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.orch.TriggerTask(r.Context(), name); err != nil {
		h.writeOpError(w, r, "run task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task": name, "status": "ok"})
}

// Health handles GET /api/v1/health. It responds 503 while the coordinator
// is stopped.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context())
	if err != nil || !st.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	resp := map[string]any{"status": "ok", "components": st.Components}
	if st.Health != nil && !st.Health.Healthy {
		resp["status"] = "degraded"
		resp["alerts"] = st.Health.Alerts
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeOpError maps coordinator errors to HTTP statuses.
func (h *Handler) writeOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, input.ErrNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrQueueSaturated), errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
