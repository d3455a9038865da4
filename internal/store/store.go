package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when deleting a chunk id that is not stored
	ErrNotFound = errors.New("store: chunk not found")
	// ErrStorage wraps failures of the underlying storage medium
	ErrStorage = errors.New("store: storage failure")
)

// Chunk is one persisted unit of recorded audio
type Chunk struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Payload   []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	// Done marks an assembled recording rather than an in-progress chunk
	Done bool `json:"done"`
	Sent bool `json:"sent"`
}

// Size returns the payload length in bytes
func (c *Chunk) Size() int {
	return len(c.Payload)
}

// Clone returns a deep copy of the chunk
func (c *Chunk) Clone() *Chunk {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp
}

// Store defines chunk persistence.
type Store interface {
	// Put appends a chunk and returns its newly assigned id. The chunk's ID
	// field is ignored on input and set on success. Existing records are
	// never overwritten.
	Put(ctx context.Context, chunk *Chunk) (int64, error)

	// List returns a consistent snapshot of all chunks ordered by id.
	List(ctx context.Context) ([]*Chunk, error)

	// Delete removes one chunk. Returns ErrNotFound if the id is absent.
	Delete(ctx context.Context, id int64) error

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	Close() error
}
