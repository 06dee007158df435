package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/contexta-rag/internal/config"
)

// IngestConfig tunes an ingestion attempt.
//
// EmbedBatchSize:   chunks per embedding call.
// EmbedConcurrency: embedding calls in flight per attempt.
// EmbedDim:         expected vector length; 0 accepts whatever the provider returns.
// FailTimeout:      budget for recording a failure after the attempt context is gone.
type IngestConfig struct {
	EmbedBatchSize   int
	EmbedConcurrency int
	EmbedDim         int
	FailTimeout      time.Duration
}

func IngestConfigFrom(cfg *config.Config) IngestConfig {
	return IngestConfig{
		EmbedBatchSize:   cfg.EmbedBatchSize,
		EmbedConcurrency: 4,
		EmbedDim:         cfg.EmbedDim,
		FailTimeout:      10 * time.Second,
	}
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 16
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 1
	}
	if c.FailTimeout <= 0 {
		c.FailTimeout = 10 * time.Second
	}
	return c
}
