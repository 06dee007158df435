package core

import "context"

// JobDescriptor identifies one ingestion attempt.
type JobDescriptor struct {
	DocumentID string `json:"document_id"`
	Generation int64  `json:"generation"`
	// Delivery counts how many times the queue has handed this job out.
	Delivery int `json:"delivery"`
}

// JobQueue accepts ingestion jobs for at-least-once delivery to a worker.
type JobQueue interface {
	Publish(ctx context.Context, job JobDescriptor) error
}
