package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/contexta-rag/internal/api/middlewares"
	"github.com/markdave123-py/contexta-rag/internal/core/chat"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

type ChatHandler struct {
	engine *chat.Engine
	log    *logger.Logger
}

func NewChatHandler(engine *chat.Engine, log *logger.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, log: log.With("component", "ChatHandler")}
}

type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Chat streams one turn against the scope's documents as server-sent events.
// Errors found before the first event are plain JSON responses.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	stream := &sseStream{w: w, flusher: flusher}

	err := h.engine.Turn(r.Context(), chat.TurnRequest{
		ScopeID:   chi.URLParam(r, "scopeID"),
		SessionID: req.SessionID,
		UserID:    userID,
		Message:   req.Message,
	}, stream.emit)
	if err == nil {
		return
	}
	if !stream.started {
		writeError(w, h.log, err)
		return
	}
	if !errors.Is(err, r.Context().Err()) {
		h.log.Warn("Chat stream ended with error", "error", err)
	}
}

// sseStream writes the response headers on the first event.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseStream) emit(ev chat.Event) error {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
