package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/memdb"
	objectclient "github.com/markdave123-py/contexta-rag/internal/core/object-client"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

type fakeIngestor struct {
	db        *memdb.Store
	submitted []string
	submitErr error
}

func (f *fakeIngestor) Submit(_ context.Context, id string) error {
	f.submitted = append(f.submitted, id)
	return f.submitErr
}

func (f *fakeIngestor) Retry(ctx context.Context, id string) (*models.Document, error) {
	doc, err := f.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := f.db.ResetForRetry(ctx, id, doc.Status, doc.Generation); err != nil {
		return nil, err
	}
	return f.db.GetDocumentByID(ctx, id)
}

func (f *fakeIngestor) Cancel(ctx context.Context, id string) (*models.Document, error) {
	return f.Retry(ctx, id)
}

type fixture struct {
	db       *memdb.Store
	blobs    *objectclient.MemoryClient
	ingestor *fakeIngestor
	svc      *DocumentService
}

func newFixture() *fixture {
	db := memdb.New()
	blobs := objectclient.NewMemoryClient()
	ing := &fakeIngestor{db: db}
	return &fixture{db: db, blobs: blobs, ingestor: ing, svc: NewDocumentService(db, blobs, ing, 1024, logger.Nop())}
}

func TestUploadCreatesPendingDocument(t *testing.T) {
	f := newFixture()
	v, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: "u1", FileName: "my notes.md", MediaType: "text/markdown; charset=utf-8", Data: []byte("# hi"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, v.Status)
	assert.Equal(t, int64(1), v.Generation)
	assert.Equal(t, "text/markdown", v.MediaType)
	assert.Equal(t, int64(4), v.ByteSize)
	assert.Equal(t, HealthOK, v.Health)
	assert.Equal(t, "users/u1/documents/"+v.ID+"/my_notes.md", v.StoragePath)
	assert.Equal(t, []string{v.ID}, f.ingestor.submitted)

	data, err := f.blobs.GetFile(context.Background(), v.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "# hi", string(data))
}

func TestUploadInfersOctetStream(t *testing.T) {
	f := newFixture()
	v, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: "u1", FileName: "data.csv", MediaType: "application/octet-stream", Data: []byte("a,b"),
	})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", v.MediaType)
}

func TestUploadValidation(t *testing.T) {
	cases := []struct {
		name string
		in   UploadInput
		msg  string
	}{
		{"unsupported type", UploadInput{FileName: "a.png", MediaType: "image/png", Data: []byte("x")}, `unsupported media type "image/png"`},
		{"empty file", UploadInput{FileName: "a.txt", MediaType: "text/plain"}, `file "a.txt" is empty`},
		{"too large", UploadInput{FileName: "a.txt", MediaType: "text/plain", Data: make([]byte, 1025)}, "the limit is 1024 bytes"},
		{"name mismatch", UploadInput{FileName: "a.pdf", MediaType: "text/plain", Data: []byte("x")}, `does not match media type "text/plain"`},
		{"missing name", UploadInput{MediaType: "text/plain", Data: []byte("x")}, "file name is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			tc.in.UserID = "u1"
			_, err := f.svc.Upload(context.Background(), tc.in)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tc.msg)

			docs, _ := f.db.ListDocumentsByUser(context.Background(), "u1")
			assert.Empty(t, docs)
			assert.Empty(t, f.ingestor.submitted)
		})
	}
}

func TestUploadKeepsDocumentWhenSubmitFails(t *testing.T) {
	f := newFixture()
	f.ingestor.submitErr = errors.New("queue down")
	v, err := f.svc.Upload(context.Background(), UploadInput{UserID: "u1", FileName: "a.txt", MediaType: "text/plain", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, v.Status)
}

func TestOwnershipAndHealth(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.db.PutDocument(models.Document{ID: "stuck", UserID: "u1", Status: models.StatusProcessing, Generation: 1,
		Progress: &models.Progress{LastUpdatedAt: now.Add(-45 * time.Minute)}, CreatedAt: now})
	f.db.PutDocument(models.Document{ID: "fine", UserID: "u1", Status: models.StatusProcessing, Generation: 1,
		Progress: &models.Progress{LastUpdatedAt: now}, CreatedAt: now.Add(time.Second)})

	v, err := f.svc.Get(context.Background(), "u1", "stuck")
	require.NoError(t, err)
	assert.Equal(t, HealthStuck, v.Health)

	_, err = f.svc.Get(context.Background(), "u2", "stuck")
	assert.ErrorIs(t, err, core.ErrNotFound)

	list, err := f.svc.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fine", list[0].ID)
	assert.Equal(t, HealthOK, list[0].Health)
	assert.Equal(t, HealthStuck, list[1].Health)
}

func TestRetryAndCancelCheckOwnership(t *testing.T) {
	f := newFixture()
	f.db.PutDocument(models.Document{ID: "d1", UserID: "u1", Status: models.StatusFailed, Generation: 1})

	_, err := f.svc.Retry(context.Background(), "u2", "d1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	v, err := f.svc.Retry(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Generation)
	assert.Equal(t, models.StatusPending, v.Status)

	v, err = f.svc.Cancel(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Generation)
}

func TestDeleteRemovesBlobAndAssociations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v, err := f.svc.Upload(ctx, UploadInput{UserID: "u1", FileName: "a.txt", MediaType: "text/plain", Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, f.svc.Associate(ctx, "u1", "bot", v.ID))

	scope, err := f.svc.ListScope(ctx, "bot")
	require.NoError(t, err)
	require.Len(t, scope, 1)

	assert.ErrorIs(t, f.svc.Delete(ctx, "u2", v.ID), core.ErrNotFound)
	require.NoError(t, f.svc.Delete(ctx, "u1", v.ID))

	_, err = f.blobs.GetFile(ctx, v.StoragePath)
	assert.ErrorIs(t, err, core.ErrNotFound)
	scope, err = f.svc.ListScope(ctx, "bot")
	require.NoError(t, err)
	assert.Empty(t, scope)
}

func TestAssociationRequiresOwner(t *testing.T) {
	f := newFixture()
	f.db.PutDocument(models.Document{ID: "d1", UserID: "u1", Status: models.StatusCompleted, Generation: 1})

	assert.ErrorIs(t, f.svc.Associate(context.Background(), "u2", "bot", "d1"), core.ErrNotFound)
	require.NoError(t, f.svc.Associate(context.Background(), "u1", "bot", "d1"))
	require.NoError(t, f.svc.Dissociate(context.Background(), "u1", "bot", "d1"))

	docs, err := f.svc.ListScope(context.Background(), "bot")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestConversationTurns(t *testing.T) {
	db := memdb.New()
	svc := NewConversationService(db)
	_, _, err := svc.Turns(context.Background(), "u1", "s1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, db.AppendTurns(context.Background(), models.Conversation{SessionID: "s1", ScopeID: "bot", UserID: "u1"},
		models.Turn{Role: models.RoleUser, Content: "q"}, models.Turn{Role: models.RoleAssistant, Content: "a"}))
	conv, turns, err := svc.Turns(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "bot", conv.ScopeID)
	assert.Len(t, turns, 2)

	_, turns, err = svc.Turns(context.Background(), "u2", "s1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Nil(t, turns)
}
