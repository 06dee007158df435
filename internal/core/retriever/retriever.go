// Package retriever finds the chunks nearest to a query within a scope and
// turns them into a grounding context and a citation list.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/metrics"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

const DefaultTopK = 5

// Result is one retrieved chunk with its source attribution.
type Result struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Text         string  `json:"text"`
	Page         *int    `json:"page,omitempty"`
	Distance     float64 `json:"distance"`
	// Similarity is 1 - cosine distance, in [-1, 1].
	Similarity float64 `json:"similarity"`
}

type Retriever struct {
	db          core.DbClient
	defaultTopK int
	metrics     *metrics.Metrics
}

func New(db core.DbClient, defaultTopK int, m *metrics.Metrics) *Retriever {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &Retriever{db: db, defaultTopK: defaultTopK, metrics: m}
}

// Retrieve returns at most topK chunks of the scope's completed documents,
// most similar first. A topK of zero uses the default. An empty scope yields
// an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, scopeID string, queryVec []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("retrieve: empty query vector")
	}
	scored, err := r.db.SearchScopeChunks(ctx, scopeID, queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("search scope %s: %w", scopeID, err)
	}

	out := make([]Result, 0, len(scored))
	for _, sc := range scored {
		out = append(out, Result{
			DocumentID:   sc.DocumentID,
			DocumentName: sc.DocumentName,
			ChunkIndex:   sc.Index,
			Text:         sc.Text,
			Page:         sc.Page,
			Distance:     sc.Distance,
			Similarity:   similarity(sc.Distance),
		})
	}
	if len(out) > topK {
		out = out[:topK]
	}
	r.metrics.ObserveRetrieval(len(out))
	return out, nil
}

func similarity(distance float64) float64 {
	s := 1 - distance
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// BuildContext renders results as numbered, source-tagged blocks.
func BuildContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] Source: %s (chunk %d)", i+1, r.DocumentName, r.ChunkIndex)
		if r.Page != nil {
			fmt.Fprintf(&b, ", page %d", *r.Page)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(r.Text))
	}
	return b.String()
}

// SystemPrompt prepends the rendered context to instructions.
func SystemPrompt(instructions string, results []Result) string {
	ctx := BuildContext(results)
	if ctx == "" {
		return instructions
	}
	return "Context:\n" + ctx + "\n\n" + instructions
}

// Citations keeps the best-scoring result per document, most similar first.
func Citations(results []Result) []models.Citation {
	best := make(map[string]int, len(results))
	out := make([]models.Citation, 0, len(results))
	for _, r := range results {
		c := models.Citation{
			DocumentID:   r.DocumentID,
			DocumentName: r.DocumentName,
			ChunkIndex:   r.ChunkIndex,
			Similarity:   r.Similarity,
		}
		if i, ok := best[r.DocumentID]; ok {
			if c.Similarity > out[i].Similarity {
				out[i] = c
			}
			continue
		}
		best[r.DocumentID] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}
