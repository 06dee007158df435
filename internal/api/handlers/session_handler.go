package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/contexta-rag/internal/api/middlewares"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
	"github.com/markdave123-py/contexta-rag/internal/services"
)

type SessionHandler struct {
	conversations *services.ConversationService
	log           *logger.Logger
}

func NewSessionHandler(conversations *services.ConversationService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{conversations: conversations, log: log.With("component", "SessionHandler")}
}

type sessionResponse struct {
	models.Conversation
	Turns []models.Turn `json:"turns"`
}

func (h *SessionHandler) GetTurns(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	conv, turns, err := h.conversations.Turns(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Conversation: *conv, Turns: turns})
}
