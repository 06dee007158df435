package jobqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

var _ core.JobQueue = (*InlineQueue)(nil)

// InlineQueue hands jobs straight to a handler in the publishing process.
// Envelopes are still signed and verified so both queue modes share one path.
type InlineQueue struct {
	signer *Signer
	log    *logger.Logger

	mu      sync.RWMutex
	handler Handler
}

func NewInlineQueue(signer *Signer, log *logger.Logger) *InlineQueue {
	return &InlineQueue{signer: signer, log: log.With("component", "InlineQueue")}
}

// SetHandler installs the job handler. Publish fails until one is set.
func (q *InlineQueue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *InlineQueue) Publish(ctx context.Context, job core.JobDescriptor) error {
	q.mu.RLock()
	h := q.handler
	q.mu.RUnlock()
	if h == nil {
		return errors.New("inline queue has no handler")
	}

	token, err := q.signer.Sign(job)
	if err != nil {
		return err
	}
	verified, err := q.signer.Verify(token)
	if err != nil {
		return err
	}
	verified.Delivery++
	q.log.Debug("Dispatching job inline", "document_id", verified.DocumentID, "generation", verified.Generation)
	return h(ctx, verified)
}
