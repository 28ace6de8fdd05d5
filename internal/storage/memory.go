package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps project documents in process memory. Used in tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load returns a copy of the project's document, or nil when there is none
func (s *MemoryStore) Load(ctx context.Context, projectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[projectID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

// Store replaces the project's document
func (s *MemoryStore) Store(ctx context.Context, projectID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[projectID] = append([]byte(nil), data...)
	return nil
}

// ListProjectIDs returns every project with a stored document, sorted
func (s *MemoryStore) ListProjectIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ BlobStore     = (*MemoryStore)(nil)
	_ ProjectLister = (*MemoryStore)(nil)
)
