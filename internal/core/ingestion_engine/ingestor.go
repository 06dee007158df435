package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/metrics"
	"github.com/markdave123-py/contexta-rag/internal/core/workerpool"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// ErrNotRetryable is returned by Retry for documents that are still making
// progress. It wraps core.ErrConflict.
var ErrNotRetryable = fmt.Errorf("document is not retryable: %w", core.ErrConflict)

// Ingestor is the surface the service layer uses.
type Ingestor interface {
	Submit(ctx context.Context, documentID string) error
	Retry(ctx context.Context, documentID string) (*models.Document, error)
	Cancel(ctx context.Context, documentID string) (*models.Document, error)
}

var _ Ingestor = (*Controller)(nil)

// Deps are the collaborators of a Controller.
type Deps struct {
	DB        core.DbClient
	Blobs     core.ObjectClient
	Extractor core.DocumentExtractor
	Chunker   *Chunker
	Embedder  core.EmbeddingProvider
	Queue     core.JobQueue
	Pool      *workerpool.Pool
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

// Controller drives documents through pending, processing and a terminal
// state. Every transition is a compare-and-set on (status, generation) in the
// store, which is what keeps attempts in different processes apart.
type Controller struct {
	db        core.DbClient
	blobs     core.ObjectClient
	extractor core.DocumentExtractor
	chunker   *Chunker
	embedder  core.EmbeddingProvider
	queue     core.JobQueue
	pool      *workerpool.Pool
	log       *logger.Logger
	metrics   *metrics.Metrics
	cfg       IngestConfig
	now       func() time.Time

	mu     sync.Mutex
	active map[string]activeAttempt
}

type activeAttempt struct {
	generation int64
	handle     *workerpool.Handle
}

func NewController(d Deps, cfg IngestConfig) *Controller {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		db:        d.DB,
		blobs:     d.Blobs,
		extractor: d.Extractor,
		chunker:   d.Chunker,
		embedder:  d.Embedder,
		queue:     d.Queue,
		pool:      d.Pool,
		log:       log.With("component", "IngestionController"),
		metrics:   d.Metrics,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		active:    make(map[string]activeAttempt),
	}
}

// SetQueue replaces the job queue. The inline queue needs the controller
// before the controller can publish to it.
func (c *Controller) SetQueue(q core.JobQueue) { c.queue = q }

// Submit enqueues the first attempt of a pending document.
func (c *Controller) Submit(ctx context.Context, documentID string) error {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != models.StatusPending {
		return fmt.Errorf("submit %s in status %s: %w", documentID, doc.Status, core.ErrConflict)
	}
	return c.publish(ctx, documentID, doc.Generation)
}

// Retry supersedes whatever attempt the document has and enqueues a fresh one.
// Only failed, completed and stuck documents are retryable.
func (c *Controller) Retry(ctx context.Context, documentID string) (*models.Document, error) {
	return c.restart(ctx, documentID, false)
}

// Cancel restarts the document like Retry but also accepts an attempt that
// is pending or still making progress.
func (c *Controller) Cancel(ctx context.Context, documentID string) (*models.Document, error) {
	return c.restart(ctx, documentID, true)
}

func (c *Controller) restart(ctx context.Context, documentID string, inFlight bool) (*models.Document, error) {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !inFlight && !retryable(doc, c.now()) {
		return nil, ErrNotRetryable
	}

	gen, err := c.db.ResetForRetry(ctx, documentID, doc.Status, doc.Generation)
	if err != nil {
		if errors.Is(err, core.ErrConflict) {
			c.log.Info("Retry lost the race", "document_id", documentID, "observed_generation", doc.Generation)
		}
		return nil, err
	}
	c.log.Info("Document reset for a new attempt", "document_id", documentID, "from", doc.Status, "generation", gen)
	c.cancelSuperseded(documentID, gen)

	if err := c.publish(ctx, documentID, gen); err != nil {
		return nil, err
	}
	return c.db.GetDocumentByID(ctx, documentID)
}

func retryable(doc *models.Document, now time.Time) bool {
	switch doc.Status {
	case models.StatusFailed, models.StatusCompleted:
		return true
	case models.StatusProcessing:
		return doc.IsStuck(now)
	default:
		return false
	}
}

func (c *Controller) publish(ctx context.Context, documentID string, generation int64) error {
	if c.queue == nil {
		return errors.New("ingestion queue not configured")
	}
	if err := c.queue.Publish(ctx, core.JobDescriptor{DocumentID: documentID, Generation: generation}); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dispatch starts job on the worker pool and tracks its handle.
func (c *Controller) Dispatch(ctx context.Context, job core.JobDescriptor) (*workerpool.Handle, error) {
	h, err := c.pool.Submit(ctx, "ingest:"+job.DocumentID, func(tctx context.Context) error {
		return c.RunAttempt(tctx, job.DocumentID, job.Generation)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", job.DocumentID, err)
	}

	c.mu.Lock()
	c.active[job.DocumentID] = activeAttempt{generation: job.Generation, handle: h}
	c.mu.Unlock()

	go func() {
		<-h.Done()
		c.mu.Lock()
		if a, ok := c.active[job.DocumentID]; ok && a.handle == h {
			delete(c.active, job.DocumentID)
		}
		c.mu.Unlock()
	}()
	return h, nil
}

// DispatchJob adapts Dispatch to a queue handler that returns once the job
// is accepted by the pool.
func (c *Controller) DispatchJob(ctx context.Context, job core.JobDescriptor) error {
	_, err := c.Dispatch(ctx, job)
	return err
}

// ProcessJob runs job to completion. It is the handler for queue consumers
// that acknowledge only after the attempt has finished.
func (c *Controller) ProcessJob(ctx context.Context, job core.JobDescriptor) error {
	h, err := c.Dispatch(ctx, job)
	if err != nil {
		return err
	}
	err = h.Wait(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Cancelled locally by a newer attempt.
		return nil
	}
	return err
}

// Handle returns the in-process handle of the document's running attempt.
func (c *Controller) Handle(documentID string) (*workerpool.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[documentID]
	return a.handle, ok
}

func (c *Controller) cancelSuperseded(documentID string, current int64) {
	c.mu.Lock()
	a, ok := c.active[documentID]
	c.mu.Unlock()
	if ok && a.generation < current {
		c.log.Debug("Cancelling superseded attempt", "document_id", documentID, "generation", a.generation)
		a.handle.Cancel()
	}
}
