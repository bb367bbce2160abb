package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docflow/docflow/internal/eventbus"
)

const sseBuffer = 64

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It streams the job's bus events until it reaches a terminal state or the
// client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	id := chi.URLParam(r, "id")

	// Subscribe before reading the job so a completion in between is not lost.
	ch := make(chan eventbus.Event, sseBuffer)
	bus := h.orch.Bus()
	sub := bus.Subscribe(eventbus.AllEvents, func(_ context.Context, ev eventbus.Event) error {
		je, ok := ev.Payload.(eventbus.JobEvent)
		if !ok || je.EventJobID() != id {
			return nil
		}
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event, SSE client too slow", "job_id", id, "event", ev.Name)
		}
		return nil
	})
	defer bus.Unsubscribe(sub)

	j, err := h.orch.Job(r.Context(), id)
	if err != nil {
		h.writeOpError(w, r, "get job", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j)
		return
	}
	writeSSEEvent(w, flusher, "status", j)

	for {
		select {
		case ev := <-ch:
			writeSSEEvent(w, flusher, ev.Name, ev.Payload)
			if ev.Name == eventbus.ProcessingCompleted {
				return
			}
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
