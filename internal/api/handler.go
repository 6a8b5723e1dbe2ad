package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/scheduler"
)

const maxBody = 1 << 20 // 1 MB

// Archive is the read side of the terminal job archive.
type Archive interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	ListByOwner(ctx context.Context, ownerRef string) ([]*job.Job, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	sched       *scheduler.Scheduler
	archive     Archive
	reapTimeout time.Duration
}

// NewHandler constructs a Handler. archive may be nil.
func NewHandler(sched *scheduler.Scheduler, archive Archive, reapTimeout time.Duration) *Handler {
	return &Handler{sched: sched, archive: archive, reapTimeout: reapTimeout}
}

// RegisterRoutes registers all API routes on r. Job submission is throttled
// by limiter, which may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, limiter *RateLimiter) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/summary", h.Summary)
		r.Post("/maintenance/reap", h.Reap)

		r.Route("/jobs", func(r chi.Router) {
			r.With(RateLimit(limiter)).Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.DeleteJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Get("/{id}/events", h.StreamEvents)
			r.Post("/{id}/success", h.ReportSuccess)
			r.Post("/{id}/failure", h.ReportFailure)
		})

		r.Route("/servers/{id}", func(r chi.Router) {
			r.Get("/", h.GetServer)
			r.Put("/", h.RegisterServer)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/offline", h.MarkOffline)
			r.Post("/next", h.RequestNext)
		})
	})
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the pending job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := h.sched.Submit(req)
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs?owner=... and responds with the owner's
// live and archived jobs, oldest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	jobs := h.sched.ListByOwner(owner)
	if h.archive != nil {
		archived, err := h.archive.ListByOwner(r.Context(), owner)
		if err != nil {
			slog.Error("list archived jobs", "owner_ref", owner, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		live := make(map[string]bool, len(jobs))
		for _, j := range jobs {
			live[j.ID] = true
		}
		for _, j := range archived {
			if !live[j.ID] {
				jobs = append(jobs, j)
			}
		}
		slices.SortStableFunc(jobs, func(a, b *job.Job) int {
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
		})
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/{id}. Purged jobs are served from the archive.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := h.sched.Status(id)
	if errors.Is(err, job.ErrNotFound) && h.archive != nil {
		j, err = h.archive.Get(r.Context(), id)
	}
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}: purges a terminal job and responds 204.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Purge(chi.URLParam(r, "id")); err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.sched.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ReportRequest is the body of the success and failure endpoints.
type ReportRequest struct {
	ServerID  string `json:"server_id"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReportSuccess handles POST /api/v1/jobs/{id}/success.
func (h *Handler) ReportSuccess(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReport(w, r)
	if !ok {
		return
	}
	j, err := h.sched.ReportSuccess(chi.URLParam(r, "id"), req.ServerID, req.ResultRef)
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ReportFailure handles POST /api/v1/jobs/{id}/failure.
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReport(w, r)
	if !ok {
		return
	}
	j, err := h.sched.ReportFailure(chi.URLParam(r, "id"), req.ServerID, req.Error)
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func decodeReport(w http.ResponseWriter, r *http.Request) (ReportRequest, bool) {
	var req ReportRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return req, false
	}
	return req, true
}

// RegisterRequest is the body of PUT /api/v1/servers/{id}.
type RegisterRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// RegisterServer handles PUT /api/v1/servers/{id}. An empty body registers
// with the default capacity.
func (h *Handler) RegisterServer(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Register(chi.URLParam(r, "id"), req.MaxConcurrent))
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.Server(chi.URLParam(r, "id"))
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Heartbeat handles POST /api/v1/servers/{id}/heartbeat and responds 204.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Heartbeat(chi.URLParam(r, "id")); err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkOffline(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.MarkOffline(chi.URLParam(r, "id"))
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RequestNext handles POST /api/v1/servers/{id}/next. It responds 200 with the
// assigned job or 204 when nothing can be assigned.
func (h *Handler) RequestNext(w http.ResponseWriter, r *http.Request) {
	j, err := h.sched.RequestNext(chi.URLParam(r, "id"))
	if errors.Is(err, scheduler.ErrNoJobAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// Reap handles POST /api/v1/maintenance/reap. The optional ?timeout= duration
// overrides the configured reap timeout.
func (h *Handler) Reap(w http.ResponseWriter, r *http.Request) {
	timeout := h.reapTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a non-negative duration")
			return
		}
		timeout = d
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reaped":  h.sched.ReapStaleAssignments(timeout),
		"timeout": timeout.String(),
	})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Summary())
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sum := h.sched.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"servers_online": sum.Online,
		"pending_jobs":   sum.Jobs[job.StatusPending],
	})
}

// decodeBody reads a JSON body of at most 1 MB into v. When allowEmpty is set
// an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps a scheduler error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, fleet.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrStaleReport):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeSchedulerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case errors.Is(err, job.ErrStaleReport):
		slog.Warn("stale report discarded", "path", r.URL.Path, "error", err, "request_id", RequestIDFrom(r.Context()))
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
