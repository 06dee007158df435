// Package memdb is an in-process implementation of core.DbClient with the
// same compare-and-set and visibility rules as the Postgres client. It backs
// the development mode and the package tests.
package memdb

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

var _ core.DbClient = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	docs    map[string]*models.Document
	chunks  map[string][]models.DocumentChunk
	scopes  map[string]map[string]time.Time
	convs   map[string]*models.Conversation
	turns   map[string][]models.Turn
	seq     int64
	nowFunc func() time.Time
}

func New() *Store {
	return &Store{
		docs:    make(map[string]*models.Document),
		chunks:  make(map[string][]models.DocumentChunk),
		scopes:  make(map[string]map[string]time.Time),
		convs:   make(map[string]*models.Conversation),
		turns:   make(map[string][]models.Turn),
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := s.nowFunc()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	cp := copyDoc(doc)
	s.docs[doc.ID] = cp
	return nil
}

// PutDocument stores doc as-is, bypassing the lifecycle. Tests use it to seed
// documents in arbitrary states.
func (s *Store) PutDocument(doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = copyDoc(&doc)
}

func (s *Store) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyDoc(d), nil
}

func (s *Store) ListDocumentsByUser(_ context.Context, userID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, *copyDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	for _, docs := range s.scopes {
		delete(docs, id)
	}
	return nil
}

func (s *Store) ResetForRetry(_ context.Context, id string, expected models.DocumentStatus, expectedGen int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return 0, core.ErrNotFound
	}
	if d.Status != expected || d.Generation != expectedGen {
		return 0, core.ErrConflict
	}
	d.Status = models.StatusPending
	d.Generation++
	d.Progress = nil
	d.ErrorDetail = nil
	d.ChunkCount = 0
	d.CompletedAt = nil
	d.UpdatedAt = s.nowFunc()
	delete(s.chunks, id)
	return d.Generation, nil
}

func (s *Store) StartAttempt(_ context.Context, id string, generation int64, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return core.ErrNotFound
	}
	if d.Status != models.StatusPending || d.Generation != generation {
		return core.ErrConflict
	}
	d.Status = models.StatusProcessing
	p := progress
	d.Progress = &p
	d.ErrorDetail = nil
	d.UpdatedAt = s.nowFunc()
	return nil
}

func (s *Store) UpdateProgress(_ context.Context, id string, generation int64, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.currentAttempt(id, generation)
	if err != nil {
		return err
	}
	p := progress
	d.Progress = &p
	d.UpdatedAt = s.nowFunc()
	return nil
}

func (s *Store) CompleteAttempt(_ context.Context, id string, generation int64, chunks []models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.currentAttempt(id, generation)
	if err != nil {
		return err
	}
	now := s.nowFunc()
	rows := make([]models.DocumentChunk, len(chunks))
	for i, ch := range chunks {
		s.seq++
		ch.Seq = s.seq
		ch.DocumentID = id
		ch.Generation = generation
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		rows[i] = ch
	}
	s.chunks[id] = rows
	d.Status = models.StatusCompleted
	d.ChunkCount = len(rows)
	d.Progress = nil
	d.ErrorDetail = nil
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (s *Store) FailAttempt(_ context.Context, id string, generation int64, detail models.ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.currentAttempt(id, generation)
	if err != nil {
		return err
	}
	dt := detail
	d.Status = models.StatusFailed
	d.ErrorDetail = &dt
	d.Progress = nil
	d.UpdatedAt = s.nowFunc()
	return nil
}

func (s *Store) currentAttempt(id string, generation int64) (*models.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if d.Status != models.StatusProcessing || d.Generation != generation {
		return nil, core.ErrStaleAttempt
	}
	return d, nil
}

func (s *Store) GetChunksByDocument(_ context.Context, documentID string) ([]models.DocumentChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.chunks[documentID]
	out := make([]models.DocumentChunk, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) SearchScopeChunks(_ context.Context, scopeID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScoredChunk
	for docID := range s.scopes[scopeID] {
		d, ok := s.docs[docID]
		if !ok || d.Status != models.StatusCompleted {
			continue
		}
		for _, ch := range s.chunks[docID] {
			if ch.Generation != d.Generation {
				continue
			}
			out = append(out, models.ScoredChunk{
				DocumentChunk: ch,
				DocumentName:  d.FileName,
				Distance:      CosineDistance(queryVec, ch.Embedding),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AssociateDocument(_ context.Context, scopeID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return core.ErrNotFound
	}
	docs, ok := s.scopes[scopeID]
	if !ok {
		docs = make(map[string]time.Time)
		s.scopes[scopeID] = docs
	}
	if _, exists := docs[documentID]; !exists {
		docs[documentID] = s.nowFunc()
	}
	return nil
}

func (s *Store) DissociateDocument(_ context.Context, scopeID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scopeID], documentID)
	return nil
}

func (s *Store) ListScopeDocuments(_ context.Context, scopeID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for docID := range s.scopes[scopeID] {
		if d, ok := s.docs[docID]; ok {
			out = append(out, *copyDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetConversation(_ context.Context, sessionID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[sessionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListTurns(_ context.Context, sessionID string, limit int) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (s *Store) AppendTurns(_ context.Context, conv models.Conversation, turns ...models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	existing, ok := s.convs[conv.SessionID]
	if !ok {
		c := conv
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.convs[conv.SessionID] = &c
	} else {
		if existing.ScopeID != conv.ScopeID || existing.UserID != conv.UserID {
			return core.ErrConflict
		}
		existing.UpdatedAt = now
	}
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.SessionID = conv.SessionID
		s.turns[conv.SessionID] = append(s.turns[conv.SessionID], t)
	}
	return nil
}

// CosineDistance returns 1 - cos(a, b), matching pgvector's <=> operator.
// Zero vectors are treated as orthogonal.
func CosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func copyDoc(d *models.Document) *models.Document {
	cp := *d
	if d.Progress != nil {
		p := *d.Progress
		cp.Progress = &p
	}
	if d.ErrorDetail != nil {
		e := *d.ErrorDetail
		cp.ErrorDetail = &e
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
