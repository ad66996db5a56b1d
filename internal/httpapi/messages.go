package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/store"
)

type filterRequest struct {
	FilterID string `json:"filterId"`
}

// requireUser answers 401 and returns false when the identity header is absent.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := userOf(r)
	if u == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", UserHeader+" header is required")
		return "", false
	}
	return u, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.store.ListMessages(r.Context(), chi.URLParam(r, "chatId"), userID, limit)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var msg store.Message
	if err := decodeJSON(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := chi.URLParam(r, "messageId")
	if msg.ID != "" && msg.ID != id {
		respondError(w, http.StatusBadRequest, "invalid_request", "message id does not match path")
		return
	}
	msg.ID = id

	started := time.Now()
	err := s.store.SaveMessage(r.Context(), chi.URLParam(r, "chatId"), userID, msg)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObservePersist("client_"+msg.Role, result, time.Since(started))
	if err != nil {
		s.logger.Warn("client message save failed",
			zap.String("chat_id", chi.URLParam(r, "chatId")),
			zap.String("message_id", id),
			zap.Error(err),
		)
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteMessage(r.Context(), chi.URLParam(r, "chatId"), userID, chi.URLParam(r, "messageId"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.store.SetActiveFilter(r.Context(), chi.URLParam(r, "chatId"), userID, req.FilterID); err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
