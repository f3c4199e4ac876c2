package persistence

import (
	"context"
	"sync"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// MemoryStore keeps the last saved snapshot in memory, encoded the same way
// the remote backends encode it.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{}
}

func (s *MemoryStore[T]) Name() string { return "memory" }

func (s *MemoryStore[T]) Load(_ context.Context) (*cbcache.Snapshot[T], error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()

	if data == nil {
		return nil, ErrNoSnapshot
	}
	return decode[T](data)
}

func (s *MemoryStore[T]) Save(_ context.Context, snap cbcache.Snapshot[T]) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore[T]) Ping(context.Context) error { return nil }
