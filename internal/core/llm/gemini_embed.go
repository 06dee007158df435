package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-rag/internal/core"
)

// maxBatch is the upstream limit on contents per BatchEmbedContents call.
const maxBatch = 100

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder builds an embedder. With an empty apiKey the embedder is
// created but every call fails with ErrProviderUnavailable.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, timeout time.Duration) (*GeminiEmbedder, error) {
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &GeminiEmbedder{modelName: modelName, timeout: timeout}
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

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.client == nil {
		return nil, ErrProviderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.EmbeddingModel(g.modelName).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini embed: %v", ErrProviderError, err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrProviderError)
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds texts in order. Any failed sub-batch fails the whole call.
func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if g.client == nil {
		return nil, ErrProviderUnavailable
	}

	em := g.client.EmbeddingModel(g.modelName)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := em.BatchEmbedContents(callCtx, batch)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: gemini batch embed: %v", ErrProviderError, err)
		}
		vecs, err := collectEmbeddings(resp, end-start)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func collectEmbeddings(resp *genai.BatchEmbedContentsResponse, want int) ([][]float32, error) {
	if resp == nil || len(resp.Embeddings) != want {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderError, want, got)
	}
	out := make([][]float32, 0, want)
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", ErrProviderError, i)
		}
		out = append(out, e.Values)
	}
	return out, nil
}
