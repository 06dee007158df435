package models

import (
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Stage labels the step an ingestion attempt is currently in.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageStoring     Stage = "storing"
)

// StuckAfter is how long a processing document may go without a progress
// update before readers treat it as abandoned.
const StuckAfter = 30 * time.Minute

// Document represents a user-uploaded document and its ingestion state.
type Document struct {
	ID          string         `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"user_id"`
	FileName    string         `db:"file_name" json:"file_name"`
	MediaType   string         `db:"media_type" json:"media_type"`
	ByteSize    int64          `db:"byte_size" json:"byte_size"`
	StoragePath string         `db:"storage_path" json:"storage_path"`
	Status      DocumentStatus `db:"status" json:"status"`
	Generation  int64          `db:"generation" json:"generation"`
	Progress    *Progress      `db:"progress" json:"progress,omitempty"`
	ErrorDetail *ErrorDetail   `db:"error_detail" json:"error_detail,omitempty"`
	ChunkCount  int            `db:"chunk_count" json:"chunk_count"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// IsStuck reports whether the document is processing but has not reported
// progress within StuckAfter.
func (d *Document) IsStuck(now time.Time) bool {
	if d == nil || d.Status != StatusProcessing {
		return false
	}
	last := d.UpdatedAt
	if d.Progress != nil && !d.Progress.LastUpdatedAt.IsZero() {
		last = d.Progress.LastUpdatedAt
	}
	return now.Sub(last) > StuckAfter
}

// Progress is the mutable projection of an in-flight attempt.
type Progress struct {
	Stage         Stage     `json:"stage"`
	Percent       int       `json:"percent"`
	CurrentChunk  int       `json:"current_chunk,omitempty"`
	TotalChunks   int       `json:"total_chunks,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ErrorDetail captures why an attempt failed.
type ErrorDetail struct {
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DocumentChunk represents one text chunk from a document.
type DocumentChunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Generation int64     `db:"generation" json:"generation"`
	Index      int       `db:"chunk_index" json:"chunk_index"`
	Text       string    `db:"text" json:"text"`
	Embedding  []float32 `db:"embedding" json:"-"` // pgvector column
	TokenCount int       `db:"token_count" json:"token_count"`
	Page       *int      `db:"page" json:"page,omitempty"`
	Seq        int64     `db:"seq" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a chunk returned by a nearest-neighbour search together with
// its owning document name and cosine distance to the query.
type ScoredChunk struct {
	DocumentChunk
	DocumentName string  `json:"document_name"`
	Distance     float64 `json:"distance"`
}

// KnowledgeAssociation links a document to a retrieval scope.
type KnowledgeAssociation struct {
	ScopeID    string    `db:"scope_id" json:"scope_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation groups turns under a session identifier.
type Conversation struct {
	SessionID string    `db:"session_id" json:"session_id"`
	ScopeID   string    `db:"scope_id" json:"scope_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Turn represents an individual chat message (user or assistant).
type Turn struct {
	ID        string     `db:"id" json:"id"`
	SessionID string     `db:"session_id" json:"session_id"`
	Role      Role       `db:"role" json:"role"`
	Content   string     `db:"content" json:"content"`
	Sources   []Citation `db:"sources" json:"sources,omitempty"`
	LatencyMS int64      `db:"latency_ms" json:"latency_ms,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Citation is a source document shown to the end user for an answer.
type Citation struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Similarity   float64 `json:"similarity"`
}
