package ingestion_engine

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

func newTestChunker(t *testing.T) *Chunker {
	t.Helper()
	c, err := NewChunker(1000, 200, HeuristicTokenizer{})
	require.NoError(t, err)
	return c
}

func TestChunkTwelveKilobytePlaintext(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 267)
	require.GreaterOrEqual(t, len(text), 12000)

	passages, err := newTestChunker(t).Chunk(text)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(passages), 12)
	assert.LessOrEqual(t, len(passages), 15)

	for i, p := range passages {
		assert.Equal(t, i, p.Index)
		assert.LessOrEqual(t, utf8.RuneCountInString(p.Text), 1000)
		assert.Equal(t, (utf8.RuneCountInString(p.Text)+3)/4, p.TokenCount)
	}
}

func TestChunkCarriesOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "sentence %03d is here. ", i)
	}
	text := b.String()
	passages, err := newTestChunker(t).Chunk(text)
	require.NoError(t, err)
	require.Greater(t, len(passages), 1)

	for i := 1; i < len(passages); i++ {
		prev := passages[i-1].Text
		head := passages[i].Text[:40]
		assert.Contains(t, prev, head, "passage %d should start inside the tail of passage %d", i, i-1)
	}
}

func TestChunkPrefersParagraphs(t *testing.T) {
	p1 := strings.Repeat("a", 300)
	p2 := strings.Repeat("b", 300)
	p3 := strings.Repeat("c", 600)
	passages, err := newTestChunker(t).Chunk(p1 + "\n\n" + p2 + "\n\n" + p3)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, p1+"\n\n"+p2, passages[0].Text)
	assert.Equal(t, p3, passages[1].Text)
}

func TestChunkSplitsUnbrokenText(t *testing.T) {
	passages, err := newTestChunker(t).Chunk(strings.Repeat("x", 2500))
	require.NoError(t, err)
	require.Len(t, passages, 3)
	for _, p := range passages {
		assert.LessOrEqual(t, len(p.Text), 1000)
	}
}

func TestChunkCountsRunes(t *testing.T) {
	c, err := NewChunker(10, 0, HeuristicTokenizer{})
	require.NoError(t, err)
	passages, err := c.Chunk(strings.Repeat("é", 25))
	require.NoError(t, err)
	require.Len(t, passages, 3)
	assert.Equal(t, strings.Repeat("é", 10), passages[0].Text)
	assert.Equal(t, strings.Repeat("é", 5), passages[2].Text)
}

func TestChunkRejectsBlankText(t *testing.T) {
	_, err := newTestChunker(t).Chunk(" \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestNewChunkerValidates(t *testing.T) {
	_, err := NewChunker(0, 0, nil)
	assert.Error(t, err)
	_, err = NewChunker(100, 100, nil)
	assert.Error(t, err)
	c, err := NewChunker(100, 10, nil)
	require.NoError(t, err)
	assert.IsType(t, HeuristicTokenizer{}, c.tokenizer)
}

func TestTokenizerFallsBackWhenEncodingMissing(t *testing.T) {
	tok := NewTiktokenTokenizer("no-such-encoding", logger.Nop())
	assert.False(t, tok.Warm())
	assert.Equal(t, 3, tok.Count("twelve chars"))
	assert.Equal(t, 0, tok.Count(""))
}

func TestHeuristicTokenizer(t *testing.T) {
	assert.Equal(t, 1, HeuristicTokenizer{}.Count("abc"))
	assert.Equal(t, 1, HeuristicTokenizer{}.Count("abcd"))
	assert.Equal(t, 2, HeuristicTokenizer{}.Count("abcde"))
}
