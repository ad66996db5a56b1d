package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/config"
	"github.com/antoniostano/chatstream/internal/observability"
	"github.com/antoniostano/chatstream/internal/producer"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/proxy"
	"github.com/antoniostano/chatstream/internal/session"
	"github.com/antoniostano/chatstream/internal/store"
)

// UserHeader carries the caller identity on REST routes.
const UserHeader = "X-User-ID"

// Deps are the components a Server exposes. Producer and Proxy may be nil
// when the process does not serve that role.
type Deps struct {
	Producer *producer.Producer
	Proxy    *proxy.Proxy
	Store    store.Store
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	producer *producer.Producer
	proxy    *proxy.Proxy
	store    store.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		producer: deps.Producer,
		proxy:    deps.Proxy,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only stream from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/sessions", s.handleListSessions)

	if s.producer != nil {
		r.Post(proxy.GeneratePath, s.handleGenerate)
	}
	if s.proxy != nil {
		r.Post("/v1/chat/stream", s.handleChatStream)
		r.Get("/v1/chat/ws", s.handleChatWS)
		r.Post("/v1/chat/turns/{id}/cancel", s.handleCancelTurn)
	}
	if s.store != nil {
		r.Get("/v1/chats/{chatId}/messages", s.handleListMessages)
		r.Put("/v1/chats/{chatId}/messages/{messageId}", s.handleSaveMessage)
		r.Delete("/v1/chats/{chatId}/messages/{messageId}", s.handleDeleteMessage)
		r.Put("/v1/chats/{chatId}/filter", s.handleSetFilter)
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"role":   s.cfg.Role,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.ServesProxy() && s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "store not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"role":             s.cfg.Role,
		"producer_streams": activeCount(s.producerSessions()),
		"proxy_streams":    activeCount(s.proxySessions()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	out := map[string][]session.Session{
		"producer": listOf(s.producerSessions()),
		"proxy":    listOf(s.proxySessions()),
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) producerSessions() *session.Manager {
	if s.producer == nil {
		return nil
	}
	return s.producer.Sessions()
}

func (s *Server) proxySessions() *session.Manager {
	if s.proxy == nil {
		return nil
	}
	return s.proxy.Sessions()
}

func activeCount(m *session.Manager) int {
	if m == nil {
		return 0
	}
	return m.ActiveCount()
}

func listOf(m *session.Manager) []session.Session {
	if m == nil {
		return []session.Session{}
	}
	return m.List()
}

// decodeRequest reads and validates a stream request body.
func decodeRequest(r io.Reader) (protocol.StreamRequest, error) {
	var req protocol.StreamRequest
	dec := json.NewDecoder(io.LimitReader(r, protocol.MaxLineBytes))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errEmptyBody
		}
		return req, err
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusOf maps a failure that happened before any line was streamed to an
// HTTP status and error code.
func statusOf(err error) (int, string) {
	var verr *protocol.ValidationError
	var uerr *proxy.UpstreamStatusError
	switch {
	case errors.As(err, &verr), errors.Is(err, errEmptyBody), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrDuplicate):
		return http.StatusConflict, "turn_in_progress"
	case errors.As(err, &uerr):
		if uerr.StatusCode >= 400 && uerr.StatusCode < 500 {
			return uerr.StatusCode, "upstream_rejected"
		}
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondFailure(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	respondError(w, status, code, err.Error())
}

// userOf returns the REST caller identity.
func userOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// sameUser reports whether the optional identity header agrees with the
// stream request identity.
func sameUser(r *http.Request, req protocol.StreamRequest) bool {
	u := userOf(r)
	return u == "" || u == req.Auth.UserID
}
