// Package persistence saves and restores callback data cache snapshots so
// that tokens already sent to chat clients survive a restart.
//
// Every backend stores the whole snapshot as one JSON document under a single
// key. Backends:
//   - MemoryStore   — in-process, for tests and SNAPSHOT_MODE=memory.
//   - RedisStore    — a single Redis string key.
//   - MemcacheStore — a single memcached item.
//   - ObjectStore   — a single object in an S3-compatible bucket.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("persistence: no snapshot stored")

// Store loads and saves snapshots of a cache with payload type T.
type Store[T any] interface {
	Load(ctx context.Context) (*cbcache.Snapshot[T], error)
	Save(ctx context.Context, snap cbcache.Snapshot[T]) error
	Ping(ctx context.Context) error
	Name() string
}

func encode[T any](snap cbcache.Snapshot[T]) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode snapshot: %w", err)
	}
	return data, nil
}

func decode[T any](data []byte) (*cbcache.Snapshot[T], error) {
	var snap cbcache.Snapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("persistence: decode snapshot: %w", err)
	}
	return &snap, nil
}
