package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions configures the middleware stack in front of the handlers.
type RouterOptions struct {
	APIKeys     []string
	CORSOrigins []string
	// Limiter throttles job submission per client IP. Nil disables it.
	Limiter *RateLimiter
	// Recorder receives per-request metrics. May be nil.
	Recorder RequestRecorder
	// Metrics is served unauthenticated at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter wires the handler routes behind recovery, request-id, logging,
// CORS and auth middleware.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Logging(opts.Recorder))
	r.Use(CORS(opts.CORSOrigins))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(Auth(opts.APIKeys))
		h.RegisterRoutes(r, opts.Limiter)
	})
	return r
}
