package objectclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexabot/knowcore/internal/core"
)

// MemoryObjectStore keeps uploaded bytes in a map. Used by tests and local
// development where S3 is not available.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (s *MemoryObjectStore) UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[objectKey(bucket, key)] = cp
	return fmt.Sprintf("memory://%s/%s", bucket, key), nil
}

func (s *MemoryObjectStore) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, core.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryObjectStore) DeleteFile(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(bucket, key))
	return nil
}

var _ core.ObjectClient = (*MemoryObjectStore)(nil)
