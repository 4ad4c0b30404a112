package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// streamOriginPatterns are matched against the Origin host. Requests
// without an Origin header (non-browser clients) are always accepted.
var streamOriginPatterns = []string{"localhost", "tauri.localhost", "localhost:1420"}

// handleStream pushes the limits payload on connect and after every
// merged refresh round until the client goes away. Browser clients in
// token mode offer auth.WebSocketProtocol plus auth.TokenProtocol(token).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{auth.WebSocketProtocol},
		OriginPatterns: streamOriginPatterns,
	})
	if err != nil {
		s.logger.Warn("stream: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.cfg.Limits.Subscribe()
	defer unsubscribe()

	// Clients never send; CloseRead handles their close frames and
	// cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())

	s.logger.Debug("stream: client connected", slog.String("request_id", RequestID(r.Context())))

	if err := s.writeStream(ctx, conn, s.limitsPayload()); err != nil {
		return
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case u := <-updates:
			payload := limitsResponse{LastUpdate: timePtr(u.LastUpdate), Providers: u.Limits}
			if err := s.writeStream(ctx, conn, payload); err != nil {
				return
			}

		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				s.logger.Debug("stream: ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	err := wsjson.Write(wctx, conn, v)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("stream: write failed", slog.String("error", err.Error()))
	}

	return err
}
