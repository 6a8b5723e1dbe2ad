package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/genqueue/internal/job"
)

var sseKeepalive = 15 * time.Second

// StreamEvents handles GET /api/v1/jobs/{id}/events.
// It streams the job's transitions as server-sent events until the job
// reaches a terminal status or the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := chi.URLParam(r, "id")

	// Subscribe before reading the status so no transition falls in between.
	ch := h.sched.Subscribe(id)
	defer h.sched.Unsubscribe(id, ch)

	j, err := h.sched.Status(id)
	if errors.Is(err, job.ErrNotFound) && h.archive != nil {
		j, err = h.archive.Get(r.Context(), id)
	}
	if err != nil {
		writeSchedulerError(w, r, err)
		return
	}

	// Long-lived stream: lift the server's write timeout for this response.
	http.NewResponseController(w).SetWriteDeadline(time.Time{}) //nolint:errcheck

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", j)
	if j.Status.IsTerminal() {
		return
	}

	ping := time.NewTicker(sseKeepalive)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, flusher, string(ev.Type), ev.Job)
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
