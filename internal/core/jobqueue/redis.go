package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/metrics"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// DefaultMaxDeliveries is how many times a job is handed out before it is
// moved to the dead-letter list.
const DefaultMaxDeliveries = 3

var _ core.JobQueue = (*RedisQueue)(nil)

// RedisQueue is a reliable list queue. Consumers move envelopes into a
// per-consumer processing list and remove them once handled, so a crashed
// consumer's in-flight jobs are recovered on its next start.
type RedisQueue struct {
	rdb     *redis.Client
	signer  *Signer
	log     *logger.Logger
	metrics *metrics.Metrics

	queueKey      string
	processingKey string
	deadKey       string

	MaxDeliveries int
	PollTimeout   time.Duration
}

func NewRedisQueue(ctx context.Context, redisURL, name, consumerID string, signer *Signer, log *logger.Logger, m *metrics.Metrics) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisQueue(rdb, name, consumerID, signer, log, m), nil
}

func newRedisQueue(rdb *redis.Client, name, consumerID string, signer *Signer, log *logger.Logger, m *metrics.Metrics) *RedisQueue {
	if consumerID == "" {
		consumerID = "default"
	}
	return &RedisQueue{
		rdb:           rdb,
		signer:        signer,
		log:           log.With("component", "RedisQueue", "queue", name),
		metrics:       m,
		queueKey:      name,
		processingKey: name + ":processing:" + consumerID,
		deadKey:       name + ":dead",
		MaxDeliveries: DefaultMaxDeliveries,
		PollTimeout:   5 * time.Second,
	}
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }

func (q *RedisQueue) Publish(ctx context.Context, job core.JobDescriptor) error {
	token, err := q.signer.Sign(job)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.queueKey, token).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Consume recovers this consumer's in-flight jobs and then runs concurrency
// loops until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, concurrency int, handle Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	recovered, err := q.recoverInFlight(ctx)
	if err != nil {
		return err
	}
	q.log.Info("Starting queue consumer", "concurrency", concurrency, "recovered", recovered)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.runLoop(ctx, workerID, handle)
		}(i + 1)
	}
	wg.Wait()
	return nil
}

func (q *RedisQueue) recoverInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.processingKey, q.queueKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover in-flight jobs: %w", err)
		}
		n++
	}
}

func (q *RedisQueue) runLoop(ctx context.Context, workerID int, handle Handler) {
	for {
		if ctx.Err() != nil {
			q.log.Info("Queue loop stopped", "worker_id", workerID)
			return
		}
		token, err := q.rdb.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", q.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			q.log.Warn("BLMove failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		q.deliver(ctx, token, handle)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, token string, handle Handler) {
	job, err := q.signer.Verify(token)
	if err != nil {
		q.log.Warn("Rejecting job envelope", "error", err)
		q.deadLetter(ctx, token)
		return
	}
	job.Delivery++

	herr := handle(ctx, job)
	if herr != nil && ctx.Err() != nil {
		// Left in the processing list; recovered on the next start.
		return
	}

	switch next := nextAction(job, herr, q.MaxDeliveries); next {
	case actionAck:
		if err := q.rdb.LRem(ctx, q.processingKey, 1, token).Err(); err != nil {
			q.log.Warn("Ack failed", "document_id", job.DocumentID, "error", err)
		}
		q.metrics.QueueDelivery("acked")
	case actionRetry:
		q.log.Warn("Job failed, requeueing", "document_id", job.DocumentID, "delivery", job.Delivery, "error", herr)
		retry, err := q.signer.Sign(job)
		if err != nil {
			q.log.Error("Re-sign failed", "document_id", job.DocumentID, "error", err)
			return
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processingKey, 1, token)
			p.LPush(ctx, q.queueKey, retry)
			return nil
		})
		if err != nil {
			q.log.Warn("Requeue failed", "document_id", job.DocumentID, "error", err)
		}
		q.metrics.QueueDelivery("retried")
	case actionDeadLetter:
		q.log.Error("Job exhausted deliveries", "document_id", job.DocumentID, "delivery", job.Delivery, "error", herr)
		q.deadLetter(ctx, token)
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, token string) {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processingKey, 1, token)
		p.LPush(ctx, q.deadKey, token)
		return nil
	})
	if err != nil {
		q.log.Warn("Dead-letter failed", "error", err)
	}
	q.metrics.QueueDelivery("dead_lettered")
}

type action int

const (
	actionAck action = iota
	actionRetry
	actionDeadLetter
)

// nextAction decides what happens to a delivered job after the handler ran.
func nextAction(job core.JobDescriptor, herr error, maxDeliveries int) action {
	if herr == nil {
		return actionAck
	}
	if job.Delivery >= maxDeliveries {
		return actionDeadLetter
	}
	return actionRetry
}
