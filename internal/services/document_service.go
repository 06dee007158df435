package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-rag/internal/core"
	ingest "github.com/markdave123-py/contexta-rag/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-rag/internal/models"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// ValidationError rejects an upload before anything is stored. Its message
// is shown to the caller verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// extensions lists the accepted file extensions per media type.
var extensions = map[string][]string{
	"text/plain":         {".txt", ".text", ".log"},
	"text/markdown":      {".md", ".markdown"},
	"text/csv":           {".csv"},
	ingest.MediaTypeJSON: {".json"},
	ingest.MediaTypePDF:  {".pdf"},
	ingest.MediaTypeDOCX: {".docx"},
}

// Health values reported next to a document's status.
const (
	HealthOK    = "ok"
	HealthStuck = "stuck"
)

// DocumentView is a document as presented to readers.
type DocumentView struct {
	models.Document
	Health string `json:"health"`
}

type UploadInput struct {
	UserID    string
	FileName  string
	MediaType string
	Data      []byte
}

type DocumentService struct {
	db       core.DbClient
	storage  core.ObjectClient
	ingestor ingest.Ingestor
	maxBytes int64
	log      *logger.Logger
	now      func() time.Time
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, ingestor ingest.Ingestor, maxBytes int64, log *logger.Logger) *DocumentService {
	return &DocumentService{
		db:       db,
		storage:  storage,
		ingestor: ingestor,
		maxBytes: maxBytes,
		log:      log.With("component", "DocumentService"),
		now:      time.Now,
	}
}

// Upload validates the file, stores its bytes, records a pending document
// and submits it for ingestion.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*DocumentView, error) {
	mediaType, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	key := s.objectKey(in.UserID, docID, in.FileName)
	storagePath, err := s.storage.UploadFile(ctx, key, in.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &models.Document{
		ID:          docID,
		UserID:      in.UserID,
		FileName:    strings.TrimSpace(in.FileName),
		MediaType:   mediaType,
		ByteSize:    int64(len(in.Data)),
		StoragePath: storagePath,
		Status:      models.StatusPending,
		Generation:  1,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.DeleteFile(ctx, storagePath); derr != nil {
			s.log.Warn("Orphaned upload", "path", storagePath, "error", derr)
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if err := s.ingestor.Submit(ctx, doc.ID); err != nil {
		// The document stays pending; Cancel restarts it.
		s.log.Error("Submit failed", "document_id", doc.ID, "error", err)
	}

	current, err := s.db.GetDocumentByID(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return s.view(current), nil
}

func (s *DocumentService) validate(in UploadInput) (string, error) {
	name := strings.TrimSpace(in.FileName)
	if name == "" {
		return "", invalid("file name is required")
	}
	if len(in.Data) == 0 {
		return "", invalid("file %q is empty", name)
	}
	if s.maxBytes > 0 && int64(len(in.Data)) > s.maxBytes {
		return "", invalid("file %q is %d bytes, the limit is %d bytes", name, len(in.Data), s.maxBytes)
	}

	ext := strings.ToLower(path.Ext(name))
	mediaType := ingest.NormalizeMediaType(in.MediaType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mediaTypeFor(ext)
	}
	allowed, ok := extensions[mediaType]
	if !ok {
		return "", invalid("unsupported media type %q", in.MediaType)
	}
	for _, e := range allowed {
		if e == ext {
			return mediaType, nil
		}
	}
	return "", invalid("file name %q does not match media type %q", name, mediaType)
}

func mediaTypeFor(ext string) string {
	for mt, exts := range extensions {
		for _, e := range exts {
			if e == ext {
				return mt
			}
		}
	}
	return ""
}

// Get returns the document if userID owns it.
func (s *DocumentService) Get(ctx context.Context, userID, id string) (*DocumentView, error) {
	doc, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.view(doc), nil
}

func (s *DocumentService) ListByUser(ctx context.Context, userID string) ([]DocumentView, error) {
	docs, err := s.db.ListDocumentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.views(docs), nil
}

func (s *DocumentService) Retry(ctx context.Context, userID, id string) (*DocumentView, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	doc, err := s.ingestor.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(doc), nil
}

func (s *DocumentService) Cancel(ctx context.Context, userID, id string) (*DocumentView, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	doc, err := s.ingestor.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(doc), nil
}

// Delete removes the document with its chunks and associations, then its bytes.
func (s *DocumentService) Delete(ctx context.Context, userID, id string) error {
	doc, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := s.storage.DeleteFile(ctx, doc.StoragePath); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.log.Warn("Blob delete failed", "document_id", id, "path", doc.StoragePath, "error", err)
	}
	return nil
}

func (s *DocumentService) Associate(ctx context.Context, userID, scopeID, documentID string) error {
	if _, err := s.owned(ctx, userID, documentID); err != nil {
		return err
	}
	return s.db.AssociateDocument(ctx, scopeID, documentID)
}

func (s *DocumentService) Dissociate(ctx context.Context, userID, scopeID, documentID string) error {
	if _, err := s.owned(ctx, userID, documentID); err != nil {
		return err
	}
	return s.db.DissociateDocument(ctx, scopeID, documentID)
}

func (s *DocumentService) ListScope(ctx context.Context, scopeID string) ([]DocumentView, error) {
	docs, err := s.db.ListScopeDocuments(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return s.views(docs), nil
}

// owned hides documents of other users behind ErrNotFound.
func (s *DocumentService) owned(ctx context.Context, userID, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, core.ErrNotFound
	}
	return doc, nil
}

func (s *DocumentService) view(doc *models.Document) *DocumentView {
	v := &DocumentView{Document: *doc, Health: HealthOK}
	if doc.IsStuck(s.now()) {
		v.Health = HealthStuck
	}
	return v
}

func (s *DocumentService) views(docs []models.Document) []DocumentView {
	out := make([]DocumentView, 0, len(docs))
	for i := range docs {
		out = append(out, *s.view(&docs[i]))
	}
	return out
}

// objectKey creates a consistent storage key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, path.Base(filename))
}
