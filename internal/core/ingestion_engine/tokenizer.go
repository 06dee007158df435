package ingestion_engine

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// Tokenizer counts model tokens in a passage.
type Tokenizer interface {
	Count(text string) int
}

// HeuristicTokenizer estimates roughly four characters per token.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenTokenizer loads a BPE encoding on first use. When the encoding
// cannot be loaded it logs once and falls back to HeuristicTokenizer.
type TiktokenTokenizer struct {
	encoding string
	log      *logger.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenTokenizer(encoding string, log *logger.Logger) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{encoding: encoding, log: log}
}

// Warm loads the encoding now and reports whether exact counts are available.
func (t *TiktokenTokenizer) Warm() bool {
	t.once.Do(t.load)
	return t.enc != nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	t.once.Do(t.load)
	if t.enc == nil {
		return HeuristicTokenizer{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) load() {
	enc, err := tiktoken.GetEncoding(t.encoding)
	if err != nil {
		t.log.Warn("Tokenizer unavailable, using character heuristic", "encoding", t.encoding, "error", err)
		return
	}
	t.enc = enc
}
