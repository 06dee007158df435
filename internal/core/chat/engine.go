// Package chat runs one retrieval-augmented conversation turn and streams it
// to the caller as events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/metrics"
	"github.com/markdave123-py/contexta-rag/internal/core/retriever"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

var (
	ErrSessionScopeMismatch = errors.New("session belongs to a different scope")
	ErrEmptyMessage         = errors.New("message is empty")
)

const DefaultInstructions = "You are a helpful assistant. Use the numbered context above when it is relevant " +
	"and cite it as [n]. If the context does not contain the answer, say so instead of guessing."

type TurnRequest struct {
	ScopeID   string
	SessionID string
	UserID    string
	Message   string
}

type Options struct {
	HistoryTurns int
	TopK         int
	Instructions string
}

type Engine struct {
	db        core.DbClient
	embedder  core.EmbeddingProvider
	llm       core.LLMProvider
	retriever *retriever.Retriever
	log       *logger.Logger
	metrics   *metrics.Metrics
	opts      Options
}

func NewEngine(db core.DbClient, embedder core.EmbeddingProvider, llm core.LLMProvider, r *retriever.Retriever, log *logger.Logger, m *metrics.Metrics, opts Options) *Engine {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	// turns are stored in user/assistant pairs, so an even window always
	// starts on a user turn
	if opts.HistoryTurns%2 == 1 {
		opts.HistoryTurns++
	}
	if opts.Instructions == "" {
		opts.Instructions = DefaultInstructions
	}
	return &Engine{
		db:        db,
		embedder:  embedder,
		llm:       llm,
		retriever: r,
		log:       log.With("component", "ChatEngine"),
		metrics:   m,
		opts:      opts,
	}
}

// Turn answers req.Message, emitting metadata, text deltas and exactly one
// terminal done or error event. Errors returned before the first event mean
// nothing was emitted. Both turns are persisted before done; a cancelled or
// failed turn persists nothing.
func (e *Engine) Turn(ctx context.Context, req TurnRequest, emit Emitter) error {
	started := time.Now()
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ErrEmptyMessage
	}

	conv, history, err := e.session(ctx, req)
	if err != nil {
		return err
	}
	log := e.log.With("session_id", conv.SessionID, "scope_id", conv.ScopeID)

	results := e.ground(ctx, log, conv.ScopeID, message)
	sources := retriever.Citations(results)

	if err := emit(Event{Type: EventMetadata, Data: MetadataPayload{SessionID: conv.SessionID, Sources: sources}}); err != nil {
		e.metrics.ChatTurn("cancelled")
		return err
	}

	var (
		content    strings.Builder
		firstToken bool
	)
	usage, err := e.llm.StreamChat(ctx, core.CompletionRequest{
		SystemPrompt: retriever.SystemPrompt(e.opts.Instructions, results),
		History:      history,
		Message:      message,
	}, func(delta string) error {
		if !firstToken {
			firstToken = true
			e.metrics.ObserveFirstToken(time.Since(started))
		}
		content.WriteString(delta)
		return emit(Event{Type: EventTextDelta, Data: DeltaPayload{Delta: delta}})
	})
	if ctx.Err() != nil {
		log.Info("Turn cancelled", "streamed_chars", content.Len())
		e.metrics.ChatTurn("cancelled")
		_ = emit(Event{Type: EventError, Data: ErrorPayload{Message: "turn cancelled"}})
		return ctx.Err()
	}
	if err != nil {
		return e.abort(log, emit, "completion failed", err)
	}

	latency := time.Since(started).Milliseconds()
	answer := content.String()
	err = e.db.AppendTurns(ctx, conv,
		models.Turn{Role: models.RoleUser, Content: message},
		models.Turn{Role: models.RoleAssistant, Content: answer, Sources: sources, LatencyMS: latency},
	)
	if err != nil {
		if errors.Is(err, core.ErrConflict) {
			err = ErrSessionScopeMismatch
		}
		return e.abort(log, emit, "could not save conversation", err)
	}

	e.metrics.ChatTurn("done")
	log.Info("Turn completed", "latency_ms", latency, "sources", len(sources), "completion_tokens", usage.CompletionTokens)
	return emit(Event{Type: EventDone, Data: DonePayload{
		SessionID: conv.SessionID,
		Content:   answer,
		Sources:   sources,
		LatencyMS: latency,
		Usage:     usage,
	}})
}

// session resolves or mints the conversation and loads its recent history.
func (e *Engine) session(ctx context.Context, req TurnRequest) (models.Conversation, []models.Turn, error) {
	conv := models.Conversation{SessionID: req.SessionID, ScopeID: req.ScopeID, UserID: req.UserID}
	if conv.SessionID == "" {
		conv.SessionID = uuid.NewString()
		return conv, nil, nil
	}

	existing, err := e.db.GetConversation(ctx, conv.SessionID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return conv, nil, nil
	case err != nil:
		return conv, nil, fmt.Errorf("load conversation: %w", err)
	case existing.UserID != req.UserID:
		// another user's session is reported as missing
		return conv, nil, core.ErrNotFound
	case existing.ScopeID != req.ScopeID:
		return conv, nil, ErrSessionScopeMismatch
	}

	history, err := e.db.ListTurns(ctx, conv.SessionID, e.opts.HistoryTurns)
	if err != nil {
		return conv, nil, fmt.Errorf("load history: %w", err)
	}
	return *existing, history, nil
}

// ground retrieves context for message. Failures degrade to no context.
func (e *Engine) ground(ctx context.Context, log *logger.Logger, scopeID, message string) []retriever.Result {
	vec, err := e.embedder.Embed(ctx, message)
	if err != nil {
		log.Warn("Query embedding failed, answering without context", "error", err)
		return nil
	}
	results, err := e.retriever.Retrieve(ctx, scopeID, vec, e.opts.TopK)
	if err != nil {
		log.Warn("Retrieval failed, answering without context", "error", err)
		return nil
	}
	return results
}

func (e *Engine) abort(log *logger.Logger, emit Emitter, msg string, err error) error {
	log.Error("Turn failed", "reason", msg, "error", err)
	e.metrics.ChatTurn("error")
	_ = emit(Event{Type: EventError, Data: ErrorPayload{Message: msg + ": " + err.Error()}})
	return err
}
