package objectclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/markdave123-py/contexta-rag/internal/core"
)

var _ core.ObjectClient = (*MemoryClient)(nil)

// MemoryClient keeps objects in process memory. It is used when
// BLOB_BACKEND=memory and in tests.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memoryObject)}
}

func (m *MemoryClient) UploadFile(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return key, nil
}

func (m *MemoryClient) GetFile(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, core.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// DeleteFile is idempotent, like S3 DeleteObject.
func (m *MemoryClient) DeleteFile(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// ContentType returns the media type recorded for key.
func (m *MemoryClient) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.contentType, ok
}
