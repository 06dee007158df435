package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contexta-rag/internal/config"
	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	if err := EnsureBootstrapped(dsn); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends SSL verification params to DATABASE_URL when a root
// certificate is configured.
func buildDSN(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if cfg.SslCertPath == "" {
		return cfg.DatabaseURL, nil
	}
	if _, err := os.Stat(cfg.SslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", cfg.SslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Documents

// validDocumentID maps ids that cannot be a UUID to ErrNotFound before they
// reach the uuid columns.
func validDocumentID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return core.ErrNotFound
	}
	return nil
}

const documentColumns = `id, user_id, file_name, media_type, byte_size, storage_path, status, generation,
	progress, error_detail, chunk_count, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d           models.Document
		progress    []byte
		errorDetail []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.UserID, &d.FileName, &d.MediaType, &d.ByteSize, &d.StoragePath, &d.Status, &d.Generation,
		&progress, &errorDetail, &d.ChunkCount, &completedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		d.Progress = &models.Progress{}
		if err := json.Unmarshal(progress, d.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if len(errorDetail) > 0 {
		d.ErrorDetail = &models.ErrorDetail{}
		if err := json.Unmarshal(errorDetail, d.ErrorDetail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, media_type, byte_size, storage_path, status, generation, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.MediaType, doc.ByteSize, doc.StoragePath, doc.Status, doc.Generation,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	if err := validDocumentID(id); err != nil {
		return nil, err
	}
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return d, err
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE user_id = $1 ORDER BY created_at DESC`
	return c.queryDocuments(ctx, q, userID)
}

func (c *DatabaseClient) queryDocuments(ctx context.Context, q string, args ...any) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeleteDocument removes the row; chunks and associations cascade.
func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	if err := validDocumentID(id); err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Attempt lifecycle

func (c *DatabaseClient) ResetForRetry(ctx context.Context, id string, expected models.DocumentStatus, expectedGen int64) (int64, error) {
	if err := validDocumentID(id); err != nil {
		return 0, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `
		UPDATE documents
		SET status = 'pending', generation = generation + 1, progress = NULL, error_detail = NULL,
		    chunk_count = 0, completed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $2 AND generation = $3
		RETURNING generation
	`
	var gen int64
	err = tx.QueryRowContext(ctx, q, id, expected, expectedGen).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, c.missOrConflict(ctx, id, core.ErrConflict)
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return gen, nil
}

func (c *DatabaseClient) StartAttempt(ctx context.Context, id string, generation int64, progress models.Progress) error {
	if err := validDocumentID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents
		SET status = 'processing', progress = $3, error_detail = NULL, updated_at = now()
		WHERE id = $1 AND generation = $2 AND status = 'pending'
	`
	res, err := c.db.ExecContext(ctx, q, id, generation, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c.missOrConflict(ctx, id, core.ErrConflict)
	}
	return nil
}

func (c *DatabaseClient) UpdateProgress(ctx context.Context, id string, generation int64, progress models.Progress) error {
	if err := validDocumentID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents
		SET progress = $3, updated_at = now()
		WHERE id = $1 AND generation = $2 AND status = 'processing'
	`
	res, err := c.db.ExecContext(ctx, q, id, generation, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c.missOrConflict(ctx, id, core.ErrStaleAttempt)
	}
	return nil
}

// CompleteAttempt replaces the chunk set in a single transaction. The document
// row is updated first so a concurrent ResetForRetry blocks on its row lock
// until this transaction finishes.
func (c *DatabaseClient) CompleteAttempt(ctx context.Context, id string, generation int64, chunks []models.DocumentChunk) error {
	if err := validDocumentID(id); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	const mark = `
		UPDATE documents
		SET status = 'completed', chunk_count = $3, completed_at = now(), progress = NULL,
		    error_detail = NULL, updated_at = now()
		WHERE id = $1 AND generation = $2 AND status = 'processing'
	`
	res, err := tx.ExecContext(ctx, mark, id, generation, len(chunks))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrStaleAttempt
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, generation, chunk_index, text, embedding, token_count, page, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		var page sql.NullInt64
		if ch.Page != nil {
			page = sql.NullInt64{Int64: int64(*ch.Page), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, id, generation, ch.Index, ch.Text, pgvector.NewVector(ch.Embedding), ch.TokenCount, page,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Index, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) FailAttempt(ctx context.Context, id string, generation int64, detail models.ErrorDetail) error {
	if err := validDocumentID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents
		SET status = 'failed', error_detail = $3, progress = NULL, updated_at = now()
		WHERE id = $1 AND generation = $2 AND status = 'processing'
	`
	res, err := c.db.ExecContext(ctx, q, id, generation, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c.missOrConflict(ctx, id, core.ErrStaleAttempt)
	}
	return nil
}

// missOrConflict distinguishes a missing row from a failed condition.
func (c *DatabaseClient) missOrConflict(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound
	}
	return conflict
}

// Chunks

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	if err := validDocumentID(documentID); err != nil {
		return nil, err
	}
	const q = `
		SELECT id, document_id, generation, chunk_index, text, embedding, token_count, page, seq, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch   models.DocumentChunk
			emb  pgvector.Vector
			page sql.NullInt64
		)
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.Generation, &ch.Index, &ch.Text, &emb, &ch.TokenCount, &page, &ch.Seq, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if page.Valid {
			p := int(page.Int64)
			ch.Page = &p
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchScopeChunks finds the top-k chunks by cosine distance among completed
// documents associated with the scope.
func (c *DatabaseClient) SearchScopeChunks(ctx context.Context, scopeID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	const q = `
		SELECT c.id, c.document_id, c.generation, c.chunk_index, c.text, c.token_count, c.page, c.seq, c.created_at,
		       d.file_name, c.embedding <=> $2 AS distance
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN knowledge_associations ka ON ka.document_id = c.document_id
		WHERE ka.scope_id = $1
		  AND d.status = 'completed'
		  AND c.generation = d.generation
		ORDER BY distance ASC, c.seq ASC
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, scopeID, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var (
			sc   models.ScoredChunk
			page sql.NullInt64
		)
		if err := rows.Scan(
			&sc.ID, &sc.DocumentID, &sc.Generation, &sc.Index, &sc.Text, &sc.TokenCount, &page, &sc.Seq, &sc.CreatedAt,
			&sc.DocumentName, &sc.Distance,
		); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			sc.Page = &p
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Knowledge associations

func (c *DatabaseClient) AssociateDocument(ctx context.Context, scopeID, documentID string) error {
	if err := validDocumentID(documentID); err != nil {
		return err
	}
	const q = `
		INSERT INTO knowledge_associations (scope_id, document_id)
		SELECT $1, id FROM documents WHERE id = $2
		ON CONFLICT (scope_id, document_id) DO NOTHING
	`
	res, err := c.db.ExecContext(ctx, q, scopeID, documentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c.missOrConflict(ctx, documentID, nil)
	}
	return nil
}

func (c *DatabaseClient) DissociateDocument(ctx context.Context, scopeID, documentID string) error {
	if validDocumentID(documentID) != nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM knowledge_associations WHERE scope_id = $1 AND document_id = $2`, scopeID, documentID)
	return err
}

func (c *DatabaseClient) ListScopeDocuments(ctx context.Context, scopeID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE id IN (SELECT document_id FROM knowledge_associations WHERE scope_id = $1)
		ORDER BY created_at ASC`
	return c.queryDocuments(ctx, q, scopeID)
}

// Conversations

func (c *DatabaseClient) GetConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	const q = `SELECT session_id, scope_id, user_id, created_at, updated_at FROM conversations WHERE session_id = $1`
	var conv models.Conversation
	err := c.db.QueryRowContext(ctx, q, sessionID).Scan(&conv.SessionID, &conv.ScopeID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *DatabaseClient) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	const q = `
		SELECT id, session_id, role, content, sources, latency_ms, created_at
		FROM (
			SELECT id, session_id, role, content, sources, latency_ms, created_at, seq
			FROM turns
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := c.db.QueryContext(ctx, q, sessionID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var (
			t       models.Turn
			sources []byte
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &sources, &t.LatencyMS, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &t.Sources); err != nil {
				return nil, fmt.Errorf("decode sources: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) AppendTurns(ctx context.Context, conv models.Conversation, turns ...models.Turn) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	const upsert = `
		INSERT INTO conversations (session_id, scope_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
		RETURNING scope_id, user_id
	`
	var scopeID, userID string
	if err := tx.QueryRowContext(ctx, upsert, conv.SessionID, conv.ScopeID, conv.UserID).Scan(&scopeID, &userID); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if scopeID != conv.ScopeID || userID != conv.UserID {
		return core.ErrConflict
	}

	const q = `
		INSERT INTO turns (id, session_id, role, content, sources, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		var sources []byte
		if len(t.Sources) > 0 {
			if sources, err = json.Marshal(t.Sources); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, q, t.ID, conv.SessionID, t.Role, t.Content, sources, t.LatencyMS); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}
