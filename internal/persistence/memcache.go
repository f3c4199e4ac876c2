package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// MemcacheStore keeps the snapshot in one memcached item. memcached rejects
// items above its configured limit (1 MB by default), so this backend suits
// small caches only.
//
// gomemcache has no context support; ctx is only checked before each call.
type MemcacheStore[T any] struct {
	client *memcache.Client
	key    string
}

func NewMemcacheStore[T any](client *memcache.Client, key string) *MemcacheStore[T] {
	return &MemcacheStore[T]{client: client, key: key}
}

func (s *MemcacheStore[T]) Name() string { return "memcache" }

func (s *MemcacheStore[T]) Load(ctx context.Context) (*cbcache.Snapshot[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := s.client.Get(s.key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("persistence: memcache get %s: %w", s.key, err)
	}
	return decode[T](item.Value)
}

func (s *MemcacheStore[T]) Save(ctx context.Context, snap cbcache.Snapshot[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(&memcache.Item{Key: s.key, Value: data}); err != nil {
		return fmt.Errorf("persistence: memcache set %s: %w", s.key, err)
	}
	return nil
}

// Ping treats a cache miss as healthy: the server answered.
func (s *MemcacheStore[T]) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Get(s.key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}
