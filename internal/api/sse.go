package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

const sseHeartbeat = 15 * time.Second

// StreamEvents handles GET /api/v1/orchestrations/{id}/events as Server-Sent
// Events. Stored events after Last-Event-ID (or all of them) are replayed,
// then live events follow until the run reaches a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	start := time.Now()

	if _, err := h.Store.GetRun(ctx, runID); err != nil {
		h.respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying so nothing falls in the gap.
	eventCh, cleanup, err := h.Store.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
	)

	reason := h.follow(ctx, runID, r.Header.Get("Last-Event-ID"), eventCh, sseHeartbeat,
		func(evt *types.Event) bool { return h.writeSSE(w, flusher, evt) },
		func() bool {
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return false
			}
			flusher.Flush()
			return true
		},
	)
	h.closeStream(runID, requestID, start, reason)
}

// follow replays stored events after lastID and then forwards live events
// from eventCh until the run reaches a terminal status, ctx ends or send
// fails. Events seen in the replay are not sent twice. It returns why the
// stream ended.
func (h *Handlers) follow(ctx context.Context, runID, lastID string, eventCh <-chan *types.Event,
	heartbeatEvery time.Duration, send func(*types.Event) bool, heartbeat func() bool) string {
	history, err := h.Store.GetEventsSince(ctx, runID, lastID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	}
	seen := make(map[string]bool, len(history))
	for _, evt := range history {
		seen[evt.ID] = true
		if !send(evt) {
			return "write_failed"
		}
		if isTerminal(evt) {
			return "run_completed"
		}
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "client_disconnect"

		case evt, ok := <-eventCh:
			if !ok {
				return "stream_closed"
			}
			if seen[evt.ID] {
				continue
			}
			if !send(evt) {
				return "write_failed"
			}
			if isTerminal(evt) {
				return "run_completed"
			}

		case <-ticker.C:
			if !heartbeat() {
				return "write_failed"
			}
		}
	}
}

func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) bool {
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return false
	}
	flusher.Flush()
	return true
}

func (h *Handlers) closeStream(runID, requestID string, start time.Time, reason string) {
	h.logger.Info("stream closed",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.String("reason", reason),
	)
}

// isTerminal reports whether evt is the final run_status event of a run.
func isTerminal(evt *types.Event) bool {
	if evt.Type != types.EventTypeRunStatus {
		return false
	}
	var data types.RunStatusEvent
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return false
	}
	return data.Status.Terminal()
}
