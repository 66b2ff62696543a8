package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/protocol"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

// handleStream upgrades the connection and bridges it onto a session:
// binary frames carry float32 PCM, text frames carry JSON control
// messages, and every server frame goes out as JSON.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	session, err := s.manager.CreateSession(sessionOptionsFromQuery(r))
	if err != nil {
		conn.WriteJSON(protocol.NewErrorFrame(err.Error()))
		return
	}
	sessionID := session.Info().ID
	defer s.manager.RemoveSession(sessionID)

	s.logger.Info("Stream connected",
		slog.String("session_id", sessionID),
		slog.String("remote", r.RemoteAddr))

	// Writer goroutine: the session's outbound channel is the only
	// source of writes, so no write mutex is needed.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range session.Outbound() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Debug("Stream write failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
				return
			}
		}
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Stream read failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := session.PushAudio(data); err != nil {
				s.logger.Warn("Dropping bad audio frame",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
		case websocket.TextMessage:
			frame, err := protocol.ParseControlFrame(data)
			if err != nil {
				// Protocol violations are logged and ignored, never
				// fatal to the stream.
				s.logger.Warn("Ignoring bad control frame",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
				continue
			}
			if err := session.Control(frame); err != nil {
				break readLoop
			}
		}
	}

	session.Close()
	<-writeDone
	s.logger.Info("Stream disconnected", slog.String("session_id", sessionID))
}

// checkOrigin allows any origin when the list is empty or contains
// "*", otherwise requires an exact match.
func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	allowed := s.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// sessionOptionsFromQuery maps stream query parameters onto session
// overrides. Unparseable values fall back to the server defaults.
func sessionOptionsFromQuery(r *http.Request) stream.SessionOptions {
	q := r.URL.Query()
	opts := stream.SessionOptions{
		Model:    q.Get("model"),
		Language: q.Get("language"),
	}
	if v, err := strconv.ParseFloat(q.Get("min_seconds"), 64); err == nil && v > 0 {
		opts.MinSeconds = v
	}
	if v, err := strconv.ParseFloat(q.Get("partial_interval"), 64); err == nil && v > 0 {
		opts.PartialInterval = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseFloat(q.Get("voice_factor"), 64); err == nil && v > 0 {
		opts.VoiceFactor = v
	}
	return opts
}
