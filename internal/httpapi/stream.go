package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/proxy"
	"github.com/antoniostano/chatstream/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", protocol.ContentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	out := protocol.NewWriter(w)
	res, err := s.producer.Produce(r.Context(), req, out)
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("generation stream ended early",
			zap.String("session_id", res.SessionID),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err),
		)
	}
}

// httpSink writes the response headers on the first forwarded line, so a
// turn that fails before streaming can still answer with a status code.
type httpSink struct {
	w       http.ResponseWriter
	out     *protocol.Writer
	started bool
}

func (h *httpSink) start() {
	if h.started {
		return
	}
	h.started = true
	setStreamHeaders(h.w)
	h.w.WriteHeader(http.StatusOK)
	h.out = protocol.NewWriter(h.w)
}

func (h *httpSink) WriteLine(line []byte) error {
	h.start()
	return h.out.WriteLine(line)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !sameUser(r, req) {
		s.metrics.ObserveIndicator("identity_mismatch")
		respondError(w, http.StatusForbidden, "forbidden", "identity header does not match auth.userId")
		return
	}

	sink := &httpSink{w: w}
	res, err := s.proxy.Stream(r.Context(), req, sink)
	if err != nil {
		if sink.started {
			s.logger.Warn("chat stream failed after start", zap.Error(err))
			return
		}
		s.respondStreamFailure(w, err)
		return
	}
	sink.start()
	s.logger.Debug("chat stream served",
		zap.String("message_id", res.MessageID),
		zap.String("status", string(res.Status)),
		zap.Int("lines", res.Lines),
		zap.Bool("disconnected", res.Disconnected),
	)
}

// respondStreamFailure answers a turn that failed before its first line.
// Client errors reported by the producer pass through unchanged.
func (s *Server) respondStreamFailure(w http.ResponseWriter, err error) {
	var uerr *proxy.UpstreamStatusError
	if errors.As(err, &uerr) && uerr.StatusCode >= 400 && uerr.StatusCode < 500 && json.Valid([]byte(uerr.Body)) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(uerr.StatusCode)
		_, _ = w.Write([]byte(uerr.Body))
		return
	}
	status, code := statusOf(err)
	if status >= 500 {
		s.logger.Error("chat stream failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.proxy.Sessions().Get(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if u := userOf(r); u != "" && u != sess.UserID {
		respondError(w, http.StatusForbidden, "forbidden", "turn belongs to another user")
		return
	}
	if err := s.proxy.Cancel(id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "message_id": id})
}

// wsSink sends one text frame per forwarded line.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (ws *wsSink) WriteLine(line []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.conn.WriteMessage(websocket.TextMessage, line)
}

func (ws *wsSink) close(code int, text string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (ws *wsSink) writeError(code, message string) {
	payload, _ := json.Marshal(errorResponse{Error: code, Message: message})
	_ = ws.WriteLine(payload)
}

type wsControl struct {
	Action string `json:"action"`
}

// handleChatWS serves the WebSocket variant of the chat stream. The first
// text frame carries the request; every upstream line is then sent as one
// text frame. A later {"action":"cancel"} frame stops the turn.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sink := &wsSink{conn: conn}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if msgType != websocket.TextMessage {
		sink.writeError("invalid_request", "first frame must be a text frame")
		sink.close(websocket.CloseUnsupportedData, "invalid_request")
		return
	}
	var req protocol.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		sink.writeError("invalid_request", err.Error())
		sink.close(websocket.ClosePolicyViolation, "invalid_request")
		return
	}
	if err := req.Validate(); err != nil {
		sink.writeError("invalid_request", err.Error())
		sink.close(websocket.ClosePolicyViolation, "invalid_request")
		return
	}
	if !sameUser(r, req) {
		s.metrics.ObserveIndicator("identity_mismatch")
		sink.writeError("forbidden", "identity header does not match auth.userId")
		sink.close(websocket.ClosePolicyViolation, "forbidden")
		return
	}
	if req.AssistantMessageID == "" {
		req.AssistantMessageID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		_ = conn.SetReadDeadline(time.Time{})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var ctl wsControl
			if json.Unmarshal(data, &ctl) == nil && ctl.Action == "cancel" {
				s.metrics.ObserveIndicator("ws_cancel")
				if err := s.proxy.Cancel(req.AssistantMessageID); err != nil && !errors.Is(err, session.ErrNotFound) {
					s.logger.Warn("websocket cancel failed", zap.Error(err))
				}
			}
		}
	}()

	res, err := s.proxy.Stream(ctx, req, sink)
	if err != nil {
		status, code := statusOf(err)
		if status >= 500 {
			s.logger.Error("websocket chat stream failed", zap.Error(err))
		}
		sink.writeError(code, err.Error())
		sink.close(websocket.CloseInternalServerErr, code)
	} else if !res.Disconnected {
		sink.close(websocket.CloseNormalClosure, string(res.Status))
	}
	_ = conn.Close()
	<-readerDone
}
