package ingestion_engine

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators orders split points from paragraph down to raw characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Passage is one chunk of extracted text.
type Passage struct {
	Index      int
	Text       string
	TokenCount int
}

// Chunker splits text recursively on DefaultSeparators into passages of at
// most Size runes, carrying up to Overlap runes of trailing context forward.
type Chunker struct {
	size       int
	overlap    int
	separators []string
	tokenizer  Tokenizer
}

func NewChunker(size, overlap int, tokenizer Tokenizer) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, size)
	}
	if tokenizer == nil {
		tokenizer = HeuristicTokenizer{}
	}
	return &Chunker{size: size, overlap: overlap, separators: DefaultSeparators, tokenizer: tokenizer}, nil
}

func (c *Chunker) Chunk(text string) ([]Passage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	pieces := c.split(text, c.separators)
	out := make([]Passage, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, Passage{Index: len(out), Text: p, TokenCount: c.tokenizer.Count(p)})
	}
	if len(out) == 0 {
		return nil, ErrEmptyContent
	}
	return out, nil
}

func (c *Chunker) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	var final, small []string
	for _, s := range splitNonEmpty(text, sep) {
		if runeLen(s) < c.size {
			small = append(small, s)
			continue
		}
		if len(small) > 0 {
			final = append(final, c.merge(small, sep)...)
			small = nil
		}
		if len(rest) == 0 {
			final = append(final, s)
		} else {
			final = append(final, c.split(s, rest)...)
		}
	}
	if len(small) > 0 {
		final = append(final, c.merge(small, sep)...)
	}
	return final
}

// merge packs consecutive splits into passages no longer than size, starting
// each new passage with the tail of the previous one up to overlap runes.
func (c *Chunker) merge(splits []string, sep string) []string {
	sepLen := runeLen(sep)
	var (
		out     []string
		current []string
		total   int
	)
	joinCost := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}
	for _, s := range splits {
		l := runeLen(s)
		if total+l+joinCost() > c.size && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
				out = append(out, doc)
			}
			for total > c.overlap || (total+l+joinCost() > c.size && total > 0) {
				total -= runeLen(current[0])
				if len(current) > 1 {
					total -= sepLen
				}
				current = current[1:]
			}
		}
		total += l + joinCost()
		current = append(current, s)
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		out = append(out, doc)
	}
	return out
}

func splitNonEmpty(text, sep string) []string {
	var parts []string
	if sep == "" {
		parts = make([]string, 0, len(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
	} else {
		parts = strings.Split(text, sep)
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
