package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/markdave123-py/contexta-rag/internal/config"
	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

func TestMalformedDocumentIDIsNotFound(t *testing.T) {
	// no connection is needed, the id never reaches the database
	c := &DatabaseClient{}
	ctx := context.Background()

	_, err := c.GetDocumentByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = c.ResetForRetry(ctx, "../etc", models.StatusFailed, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, c.DeleteDocument(ctx, "42"), core.ErrNotFound)
	assert.ErrorIs(t, c.StartAttempt(ctx, "42", 1, models.Progress{}), core.ErrNotFound)
	assert.ErrorIs(t, c.AssociateDocument(ctx, "bot", "42"), core.ErrNotFound)
	assert.NoError(t, c.DissociateDocument(ctx, "bot", "42"))
}

func newPostgresClient(t *testing.T) *DatabaseClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "contexta",
				"POSTGRES_PASSWORD": "contexta",
				"POSTGRES_DB":       "contexta",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "postgres container")
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://contexta:contexta@%s:%s/contexta?sslmode=disable", host, port.Port())
	client, err := NewDatabaseClient(ctx, &config.Config{DatabaseURL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func createPending(t *testing.T, c *DatabaseClient) string {
	t.Helper()
	doc := &models.Document{
		UserID:      "u1",
		FileName:    "notes.md",
		MediaType:   "text/markdown",
		StoragePath: "u1/notes.md",
		Status:      models.StatusPending,
		Generation:  1,
	}
	require.NoError(t, c.CreateDocument(context.Background(), doc))
	return doc.ID
}

func chunks(texts ...string) []models.DocumentChunk {
	out := make([]models.DocumentChunk, len(texts))
	for i, text := range texts {
		out[i] = models.DocumentChunk{Index: i, Text: text, Embedding: []float32{1, float32(i)}, TokenCount: 3}
	}
	return out
}

func TestDatabaseClientAttemptLifecycle(t *testing.T) {
	c := newPostgresClient(t)
	ctx := context.Background()

	t.Run("stale attempt cannot write after retry", func(t *testing.T) {
		id := createPending(t, c)
		require.NoError(t, c.StartAttempt(ctx, id, 1, models.Progress{Stage: models.StageExtracting}))
		require.NoError(t, c.UpdateProgress(ctx, id, 1, models.Progress{Stage: models.StageEmbedding, Percent: 50}))

		gen, err := c.ResetForRetry(ctx, id, models.StatusProcessing, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), gen)

		assert.ErrorIs(t, c.UpdateProgress(ctx, id, 1, models.Progress{Stage: models.StageStoring}), core.ErrStaleAttempt)
		assert.ErrorIs(t, c.CompleteAttempt(ctx, id, 1, chunks("old")), core.ErrStaleAttempt)
		assert.ErrorIs(t, c.FailAttempt(ctx, id, 1, models.ErrorDetail{Stage: models.StageStoring, Message: "late"}), core.ErrStaleAttempt)
		assert.ErrorIs(t, c.StartAttempt(ctx, id, 1, models.Progress{}), core.ErrConflict)

		stored, err := c.GetChunksByDocument(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, stored)

		doc, err := c.GetDocumentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.Equal(t, int64(2), doc.Generation)
		assert.Nil(t, doc.Progress)

		require.NoError(t, c.StartAttempt(ctx, id, 2, models.Progress{Stage: models.StageDownloading}))
		require.NoError(t, c.CompleteAttempt(ctx, id, 2, chunks("a", "b", "c")))

		doc, err = c.GetDocumentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, doc.Status)
		assert.Equal(t, 3, doc.ChunkCount)
		require.NotNil(t, doc.CompletedAt)

		stored, err = c.GetChunksByDocument(ctx, id)
		require.NoError(t, err)
		require.Len(t, stored, 3)
		for i, ch := range stored {
			assert.Equal(t, i, ch.Index)
			assert.Equal(t, int64(2), ch.Generation)
		}
	})

	t.Run("concurrent retries admit exactly one", func(t *testing.T) {
		id := createPending(t, c)
		require.NoError(t, c.StartAttempt(ctx, id, 1, models.Progress{}))
		require.NoError(t, c.FailAttempt(ctx, id, 1, models.ErrorDetail{Stage: models.StageEmbedding, Message: "quota"}))

		const callers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			won       int
			conflicts int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.ResetForRetry(ctx, id, models.StatusFailed, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case assert.ErrorIs(t, err, core.ErrConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won)
		assert.Equal(t, callers-1, conflicts)

		doc, err := c.GetDocumentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), doc.Generation)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.Nil(t, doc.ErrorDetail)
	})

	t.Run("missing document is not a conflict", func(t *testing.T) {
		missing := uuid.NewString()
		_, err := c.ResetForRetry(ctx, missing, models.StatusFailed, 1)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, c.UpdateProgress(ctx, missing, 1, models.Progress{}), core.ErrNotFound)
		_, err = c.GetDocumentByID(ctx, missing)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestDatabaseClientScopeSearchVisibility(t *testing.T) {
	c := newPostgresClient(t)
	ctx := context.Background()

	id := createPending(t, c)
	require.NoError(t, c.AssociateDocument(ctx, "bot", id))
	require.NoError(t, c.StartAttempt(ctx, id, 1, models.Progress{}))

	// processing documents are invisible
	results, err := c.SearchScopeChunks(ctx, "bot", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// equal distances fall back to insertion order
	require.NoError(t, c.CompleteAttempt(ctx, id, 1, []models.DocumentChunk{
		{Index: 0, Text: "first", Embedding: []float32{2, 0}},
		{Index: 1, Text: "second", Embedding: []float32{1, 0}},
		{Index: 2, Text: "far", Embedding: []float32{0, 1}},
	}))
	results, err = c.SearchScopeChunks(ctx, "bot", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Text)
	assert.Equal(t, "second", results[1].Text)
	assert.Equal(t, "far", results[2].Text)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.InDelta(t, 1, results[2].Distance, 1e-6)
	assert.Equal(t, "notes.md", results[0].DocumentName)
	assert.Less(t, results[0].Seq, results[1].Seq)

	// a chunk from an older generation never surfaces
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO document_chunks (id, document_id, generation, chunk_index, text, embedding)
		VALUES ($1, $2, 0, 99, 'ghost', '[1,0]')`, uuid.NewString(), id)
	require.NoError(t, err)
	results, err = c.SearchScopeChunks(ctx, "bot", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEqual(t, "ghost", r.Text)
	}

	results, err = c.SearchScopeChunks(ctx, "other", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = c.ResetForRetry(ctx, id, models.StatusCompleted, 1)
	require.NoError(t, err)
	results, err = c.SearchScopeChunks(ctx, "bot", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDatabaseClientConversationOwnership(t *testing.T) {
	c := newPostgresClient(t)
	ctx := context.Background()

	conv := models.Conversation{SessionID: "s1", ScopeID: "bot", UserID: "alice"}
	require.NoError(t, c.AppendTurns(ctx, conv,
		models.Turn{Role: models.RoleUser, Content: "q"},
		models.Turn{Role: models.RoleAssistant, Content: "a"},
	))

	err := c.AppendTurns(ctx, models.Conversation{SessionID: "s1", ScopeID: "bot", UserID: "bob"},
		models.Turn{Role: models.RoleUser, Content: "mine now"})
	assert.ErrorIs(t, err, core.ErrConflict)
	err = c.AppendTurns(ctx, models.Conversation{SessionID: "s1", ScopeID: "other", UserID: "alice"},
		models.Turn{Role: models.RoleUser, Content: "elsewhere"})
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := c.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	turns, err := c.ListTurns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
}
