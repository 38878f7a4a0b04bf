package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// checkOrigin accepts same-origin requests and the configured CORS origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.config == nil || len(h.config.CORSOrigins) == 0 {
		return true
	}
	for _, o := range h.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

// StreamEventsWS handles GET /api/v1/orchestrations/{id}/ws. It carries the
// same events as StreamEvents, one JSON text message per event. Replay starts
// after the last_event_id query parameter when given.
func (h *Handlers) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(r.Context(), r)
	start := time.Now()

	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		h.respondError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// The request context is not cancelled when a hijacked peer goes away, so
	// the read loop ends the stream instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.wsReadLoop(conn, cancel)

	eventCh, cleanup, err := h.Store.Subscribe(ctx, runID)
	if err != nil {
		h.closeWS(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer cleanup()

	h.logger.Info("websocket connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
	)

	reason := h.follow(ctx, runID, r.URL.Query().Get("last_event_id"), eventCh, wsPingPeriod,
		func(evt *types.Event) bool {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("failed to write websocket event", "error", err)
				return false
			}
			return true
		},
		func() bool {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)) == nil
		},
	)
	if reason == "run_completed" {
		h.closeWS(conn, websocket.CloseNormalClosure, "run completed")
	}
	h.closeStream(runID, requestID, start, reason)
}

// wsReadLoop discards client messages, keeps the read deadline fresh on
// pongs and calls cancel once the peer is gone.
func (h *Handlers) wsReadLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
