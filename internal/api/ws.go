package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsRequestWait  = 30 * time.Second
	wsMaxFrameSize = maxBodyBytes
)

// wsStart is the first text message sent once a request is accepted.
type wsStart struct {
	RequestID  string `json:"request_id"`
	Format     string `json:"response_format"`
	SampleRate uint32 `json:"sample_rate"`
}

// handleSpeechWS streams one speech request over a WebSocket. The client
// sends the request as JSON; audio follows as binary messages. Failures are
// reported as a JSON error message before the close frame.
func (s *Server) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))

	var req SpeechRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.wsFail(conn, invalidRequest("Invalid JSON message: "+err.Error(), ""))
		return
	}
	req.Stream = true
	sp, err := s.validate(req)
	if err != nil {
		s.wsFail(conn, toAPIError(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	log := s.logger.With(slog.String("request_id", sp.id), slog.String("transport", "websocket"))
	s.countRequest(r.Context(), string(sp.format), true)
	s.recordRequest(r.Context(), sp, log)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client closing its side is how a WebSocket consumer goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.wsWriteJSON(conn, wsStart{RequestID: sp.id, Format: string(sp.format), SampleRate: s.engine.SampleRate()}); err != nil {
		log.Debug("websocket write failed", slogError(err))
		return
	}

	st := s.beginStream(ctx, sp, log)
	defer st.Close()

	for frame := range st.Frames() {
		if frame.Err != nil {
			s.finishStream(ctx, sp, st, log)
			s.wsFail(conn, errBackend)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			log.Debug("websocket write failed", slogError(err))
			cancel()
			break
		}
	}
	s.finishStream(ctx, sp, st, log)

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

// wsFail sends the error envelope and a close frame.
func (s *Server) wsFail(conn *websocket.Conn, e *Error) {
	if err := s.wsWriteJSON(conn, envelope(e)); err != nil {
		s.logger.Debug("websocket write failed", slogError(err))
		return
	}
	code := websocket.CloseInternalServerErr
	if e.Status < http.StatusInternalServerError {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, e.Kind))
}
