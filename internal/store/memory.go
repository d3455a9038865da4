package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses a map with RWMutex for thread-safe access.
// Suitable for tests and for running without durable storage.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[int64]*Chunk
	lastID int64
	closed bool
}

// NewMemoryStore creates an empty in-memory chunk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[int64]*Chunk),
	}
}

// Put stores a clone of the chunk under the next id.
func (s *MemoryStore) Put(ctx context.Context, chunk *Chunk) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrStorage)
	}

	s.lastID++
	stored := chunk.Clone()
	stored.ID = s.lastID
	s.chunks[stored.ID] = stored
	chunk.ID = stored.ID
	return stored.ID, nil
}

// List returns clones of all chunks ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrStorage)
	}

	result := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		result = append(result, c.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Delete removes a chunk from storage.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrStorage)
	}
	if _, ok := s.chunks[id]; !ok {
		return ErrNotFound
	}
	delete(s.chunks, id)
	return nil
}

// Count returns the number of stored chunks.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrStorage)
	}
	return len(s.chunks), nil
}

// Close marks the store closed; later operations fail with ErrStorage.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
