package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobsupervisor/internal/store"
)

// handleStreamEvents streams a job's status events as SSE. The first
// event is a snapshot of the current record; each later one is a status
// change. The stream ends when the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, ok := s.ledger.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before the snapshot so no change is lost between the two.
	ch, unsub := s.ledger.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if err := writeSSEJSON(w, "snapshot", rec); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEJSON(w, "status", ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// historyEvent is a single event in the history response.
type historyEvent struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Message     string `json:"message,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// historyResponse is the JSON response for GET /v1/jobs/:id/history.
type historyResponse struct {
	JobID  string         `json:"job_id"`
	Events []historyEvent `json:"events"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job journal disabled")
		return
	}

	// Verify job exists.
	_, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for history", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	evs, err := s.store.GetJobEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get job events", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job events")
		return
	}

	events := make([]historyEvent, len(evs))
	for i, ev := range evs {
		events[i] = historyEvent{
			ID:          ev.ID,
			Status:      ev.Status,
			Fingerprint: ev.Fingerprint,
			AgentID:     ev.AgentID,
			Message:     ev.Message,
			CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		JobID:  id,
		Events: events,
	})
}

// writeSSEJSON writes v as a named SSE event with a JSON data line.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return writeSSEEvent(w, eventType, string(data))
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so
// that each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
