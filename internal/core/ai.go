package core

import (
	"context"

	"github.com/markdave123-py/contexta-rag/internal/models"
)

type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch is order-preserving and all-or-nothing.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type LLMProvider interface {
	// StreamChat calls onDelta for every text fragment the provider yields.
	// An error from onDelta aborts the stream and is returned.
	StreamChat(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (Usage, error)
}

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	SystemPrompt string
	History      []models.Turn
	Message      string
}

// Usage is the terminal signal of a completion stream.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason,omitempty"`
}
