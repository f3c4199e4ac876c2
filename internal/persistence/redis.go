package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// RedisStore keeps the snapshot in a single Redis string key without TTL.
// The caller owns the client lifecycle.
type RedisStore[T any] struct {
	client *redis.Client
	key    string
}

func NewRedisStore[T any](client *redis.Client, key string) *RedisStore[T] {
	return &RedisStore[T]{client: client, key: key}
}

func (s *RedisStore[T]) Name() string { return "redis" }

func (s *RedisStore[T]) Load(ctx context.Context) (*cbcache.Snapshot[T], error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("persistence: redis GET %s: %w", s.key, err)
	}
	return decode[T](data)
}

func (s *RedisStore[T]) Save(ctx context.Context, snap cbcache.Snapshot[T]) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("persistence: redis SET %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore[T]) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
