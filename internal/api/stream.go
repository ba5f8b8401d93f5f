package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldacoustics/slmgate/internal/gateway"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to WebSocket and pushes one JSON envelope per DRD
// line. The device session lock is held for the lifetime of the socket;
// client disconnect cancels the stream, which sends SUB and releases the
// device.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := unitID(r)

	// Resolve the client before upgrading so registry errors still map to
	// plain HTTP statuses.
	if _, err := s.svc.Client(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		s.logger.Warn("websocket upgrade failed",
			slog.String("unit_id", id),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: the client never sends data frames, but reading is
	// how gorilla surfaces close frames and dead peers.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var writeMu sync.Mutex
	err = s.svc.Stream(ctx, id, func(sample gateway.StreamSample) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(sample); err != nil {
			cancel()
		}
	})
	if err != nil {
		s.logger.Warn("stream ended with error",
			slog.String("unit_id", id),
			slog.String("error", err.Error()))
		// Close payloads are capped at 125 bytes by the protocol.
		msg := err.Error()
		if len(msg) > 120 {
			msg = msg[:120]
		}
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, msg))
		writeMu.Unlock()
		return
	}

	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
}
