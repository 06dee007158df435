package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

type GeminiLLM struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

var _ core.LLMProvider = (*GeminiLLM)(nil)

func NewGeminiLLM(ctx context.Context, apiKey, modelName string, timeout time.Duration) (*GeminiLLM, error) {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &GeminiLLM{modelName: modelName, timeout: timeout}
	if apiKey == "" {
		return g, nil
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	g.client = cl
	return g, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// StreamChat relays every text part of the streamed response to onDelta.
func (g *GeminiLLM) StreamChat(ctx context.Context, req core.CompletionRequest, onDelta func(string) error) (core.Usage, error) {
	var usage core.Usage
	if g.client == nil {
		return usage, ErrProviderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	m := g.client.GenerativeModel(g.modelName)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	cs := m.StartChat()
	cs.History = toHistory(req.History)

	iter := cs.SendMessageStream(ctx, genai.Text(req.Message))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return usage, nil
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return usage, err
			}
			return usage, fmt.Errorf("%w: gemini stream: %v", ErrProviderError, err)
		}
		if resp.UsageMetadata != nil {
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) > 0 {
			if fr := finishReason(resp.Candidates[0].FinishReason); fr != "" {
				usage.FinishReason = fr
			}
		}
		if delta := textOf(resp); delta != "" {
			if err := onDelta(delta); err != nil {
				return usage, err
			}
		}
	}
}

// toHistory maps stored turns onto Gemini's user/model roles.
func toHistory(turns []models.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == models.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return out
}

func finishReason(fr genai.FinishReason) string {
	switch fr {
	case genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "safety"
	default:
		return "other"
	}
}

func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
