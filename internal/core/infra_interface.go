package core

import (
	"context"
	"errors"

	"github.com/markdave123-py/contexta-rag/internal/models"
)

var (
	// ErrNotFound is returned when a document, chunk set or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a status compare-and-set observes a different
	// status or generation than expected.
	ErrConflict = errors.New("status conflict")
	// ErrStaleAttempt is returned when an attempt writes progress or results
	// after a newer generation has superseded it.
	ErrStaleAttempt = errors.New("stale attempt")
)

// DbClient defines all persistence operations the core needs.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// ResetForRetry moves a document observed in (expected, expectedGen) back to
	// pending with the next generation and deletes all of its chunks in the
	// same transaction. It returns the new generation or ErrConflict.
	ResetForRetry(ctx context.Context, id string, expected models.DocumentStatus, expectedGen int64) (int64, error)
	// StartAttempt moves pending@generation to processing or returns ErrConflict.
	StartAttempt(ctx context.Context, id string, generation int64, progress models.Progress) error
	UpdateProgress(ctx context.Context, id string, generation int64, progress models.Progress) error
	// CompleteAttempt replaces the chunk set and marks the document completed
	// in one transaction. It returns ErrStaleAttempt if generation is no longer current.
	CompleteAttempt(ctx context.Context, id string, generation int64, chunks []models.DocumentChunk) error
	FailAttempt(ctx context.Context, id string, generation int64, detail models.ErrorDetail) error

	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	// SearchScopeChunks returns up to limit chunks of completed documents
	// associated with scopeID ordered by cosine distance, then insertion order.
	SearchScopeChunks(ctx context.Context, scopeID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)

	AssociateDocument(ctx context.Context, scopeID, documentID string) error
	DissociateDocument(ctx context.Context, scopeID, documentID string) error
	ListScopeDocuments(ctx context.Context, scopeID string) ([]models.Document, error)

	GetConversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	// ListTurns returns the last limit turns of a session in chronological order.
	// A limit <= 0 returns every turn.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]models.Turn, error)
	// AppendTurns creates the conversation if needed and inserts turns atomically.
	// It returns ErrConflict when an existing conversation has a different scope or user.
	AppendTurns(ctx context.Context, conv models.Conversation, turns ...models.Turn) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// Keys are opaque storage paths assigned at upload time.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) (path string, err error)
	GetFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}
