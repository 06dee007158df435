package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// Stage boundaries as percent complete. Embedding fills the span between
// embedStart and embedEnd batch by batch.
const (
	percentDownloading = 5
	percentExtracting  = 15
	percentChunking    = 25
	percentEmbedStart  = 30
	percentEmbedEnd    = 90
	percentStoring     = 95
)

// RunAttempt performs one attempt of generation for the document. It returns
// nil when the attempt completed, failed and was recorded, or was superseded.
// An error means the attempt could not be claimed or its failure could not
// be recorded.
func (c *Controller) RunAttempt(ctx context.Context, documentID string, generation int64) error {
	log := c.log.With("document_id", documentID, "generation", generation)

	start := c.progress(models.StageDownloading, percentDownloading, 0, 0)
	if err := c.db.StartAttempt(ctx, documentID, generation, start); err != nil {
		if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound) {
			log.Info("Attempt not claimed", "reason", err)
			c.metrics.IngestAttempt("superseded")
			return nil
		}
		return fmt.Errorf("claim attempt: %w", err)
	}

	a := &attempt{c: c, log: log, documentID: documentID, generation: generation}
	startedAt := time.Now()
	err := a.run(ctx)
	switch {
	case err == nil:
		log.Info("Attempt completed", "chunks", a.chunkCount, "took", time.Since(startedAt))
		c.metrics.IngestAttempt("completed")
		return nil
	case errors.Is(err, core.ErrStaleAttempt):
		log.Info("Attempt superseded", "stage", a.stage)
		c.metrics.IngestAttempt("superseded")
		return nil
	default:
		return c.fail(ctx, log, documentID, generation, a.stage, err)
	}
}

// fail records err on the document. It runs detached from ctx so shutdown or
// cancellation still leaves the attempt in a terminal state.
func (c *Controller) fail(ctx context.Context, log *logger.Logger, documentID string, generation int64, stage models.Stage, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		msg = "attempt interrupted: " + msg
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FailTimeout)
	defer cancel()

	err := c.db.FailAttempt(fctx, documentID, generation, models.ErrorDetail{
		Stage:      stage,
		Message:    msg,
		OccurredAt: c.now(),
	})
	switch {
	case err == nil:
		log.Warn("Attempt failed", "stage", stage, "error", cause)
		c.metrics.IngestAttempt("failed")
		return nil
	case errors.Is(err, core.ErrStaleAttempt), errors.Is(err, core.ErrNotFound):
		log.Info("Attempt superseded while failing", "stage", stage, "error", cause)
		c.metrics.IngestAttempt("superseded")
		return nil
	default:
		log.Error("Could not record attempt failure", "stage", stage, "cause", cause, "error", err)
		return fmt.Errorf("record failure: %w", err)
	}
}

func (c *Controller) progress(stage models.Stage, percent, current, total int) models.Progress {
	return models.Progress{
		Stage:         stage,
		Percent:       percent,
		CurrentChunk:  current,
		TotalChunks:   total,
		LastUpdatedAt: c.now(),
	}
}

// attempt carries the state of one RunAttempt call.
type attempt struct {
	c          *Controller
	log        *logger.Logger
	documentID string
	generation int64

	stage      models.Stage
	stageStart time.Time
	chunkCount int

	progressMu   sync.Mutex
	lastReported int
}

func (a *attempt) run(ctx context.Context) error {
	a.enter(models.StageDownloading)
	doc, err := a.c.db.GetDocumentByID(ctx, a.documentID)
	if err != nil {
		return err
	}
	if doc.Generation != a.generation {
		return core.ErrStaleAttempt
	}
	data, err := a.c.blobs.GetFile(ctx, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if err := a.advance(ctx, models.StageExtracting, percentExtracting, 0, 0); err != nil {
		return err
	}
	text, err := a.c.extractor.ExtractText(ctx, data, doc.MediaType)
	if err != nil {
		return err
	}

	if err := a.advance(ctx, models.StageChunking, percentChunking, 0, 0); err != nil {
		return err
	}
	passages, err := a.c.chunker.Chunk(text)
	if err != nil {
		return err
	}

	if err := a.advance(ctx, models.StageEmbedding, percentEmbedStart, 0, len(passages)); err != nil {
		return err
	}
	vectors, err := a.embed(ctx, passages)
	if err != nil {
		return err
	}

	if err := a.advance(ctx, models.StageStoring, percentStoring, len(passages), len(passages)); err != nil {
		return err
	}
	chunks := make([]models.DocumentChunk, len(passages))
	for i, p := range passages {
		chunks[i] = models.DocumentChunk{
			DocumentID: a.documentID,
			Generation: a.generation,
			Index:      p.Index,
			Text:       p.Text,
			Embedding:  vectors[i],
			TokenCount: p.TokenCount,
		}
	}
	if err := a.c.db.CompleteAttempt(ctx, a.documentID, a.generation, chunks); err != nil {
		return err
	}
	a.finishStage()
	a.chunkCount = len(chunks)
	return nil
}

// embed runs batches concurrently and fills vectors in passage order.
func (a *attempt) embed(ctx context.Context, passages []Passage) ([][]float32, error) {
	cfg := a.c.cfg
	vectors := make([][]float32, len(passages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.EmbedConcurrency)

	var (
		doneMu sync.Mutex
		done   int
	)
	for start := 0; start < len(passages); start += cfg.EmbedBatchSize {
		end := min(start+cfg.EmbedBatchSize, len(passages))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, p := range passages[start:end] {
				texts = append(texts, p.Text)
			}
			vecs, err := a.c.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors for %d texts", start, end-1, len(vecs), len(texts))
			}
			for i, v := range vecs {
				if len(v) == 0 || (cfg.EmbedDim > 0 && len(v) != cfg.EmbedDim) {
					return fmt.Errorf("embed chunk %d: vector has %d dimensions, want %d", start+i, len(v), cfg.EmbedDim)
				}
				vectors[start+i] = v
			}

			doneMu.Lock()
			done += len(vecs)
			n := done
			doneMu.Unlock()
			pct := percentEmbedStart + (percentEmbedEnd-percentEmbedStart)*n/len(passages)
			return a.report(gctx, models.StageEmbedding, pct, n, len(passages))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (a *attempt) enter(stage models.Stage) {
	a.stage = stage
	a.stageStart = time.Now()
}

func (a *attempt) finishStage() {
	a.c.metrics.ObserveStage(string(a.stage), time.Since(a.stageStart))
}

// advance closes the current stage and writes the first progress of the next.
func (a *attempt) advance(ctx context.Context, stage models.Stage, percent, current, total int) error {
	a.finishStage()
	a.enter(stage)
	return a.report(ctx, stage, percent, current, total)
}

// report writes progress unless a later update has already been written.
func (a *attempt) report(ctx context.Context, stage models.Stage, percent, current, total int) error {
	a.progressMu.Lock()
	defer a.progressMu.Unlock()
	if percent < a.lastReported {
		return nil
	}
	a.lastReported = percent
	a.log.Debug("Progress", "stage", stage, "percent", percent, "current", current, "total", total)
	return a.c.db.UpdateProgress(ctx, a.documentID, a.generation, a.c.progress(stage, percent, current, total))
}
