// Package workerpool runs tasks on a fixed set of goroutines and hands back a
// Handle for every submission so callers can await, cancel or inspect it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is one unit of work. It must return promptly once ctx is done.
type Task func(ctx context.Context) error

// PanicError is the error recorded on a Handle whose task panicked.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return fmt.Sprintf("task panic: %v", e.Value) }

type Pool struct {
	log   *logger.Logger
	queue chan *Handle

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines fed by a queue holding up to queueSize
// pending tasks.
func New(workers, queueSize int, log *logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:        log.With("component", "WorkerPool"),
		queue:      make(chan *Handle, queueSize),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	p.log.Info("Starting worker pool", "workers", workers, "queue_size", queueSize)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runLoop(i + 1)
	}
	return p
}

// Submit queues task and blocks while the queue is full. The returned Handle
// is cancelled when Shutdown gives up waiting.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	hctx, cancel := context.WithCancel(p.baseCtx)
	h := &Handle{
		name:   name,
		task:   task,
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	select {
	case p.queue <- h:
		return h, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (p *Pool) runLoop(workerID int) {
	defer p.wg.Done()
	for h := range p.queue {
		p.run(workerID, h)
	}
}

func (p *Pool) run(workerID int, h *Handle) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panic", "worker_id", workerID, "task", h.name, "panic", r)
			err = &PanicError{Value: r}
		}
		h.finish(err)
	}()

	if err = h.ctx.Err(); err != nil {
		return
	}
	err = h.task(h.ctx)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. When ctx expires first every outstanding task is cancelled and
// Shutdown still waits for the workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancelBase()
		p.log.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.log.Warn("Worker pool shutdown deadline hit, cancelling tasks")
		p.cancelBase()
		<-finished
		return ctx.Err()
	}
}

// Handle tracks one submitted task.
type Handle struct {
	name   string
	task   Task
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	err  error
}

func (h *Handle) Name() string { return h.name }

// Cancel asks the task to stop. A task that has not started yet is skipped
// and finishes with context.Canceled.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		h.cancel()
		close(h.done)
	})
}
