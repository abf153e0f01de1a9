// Package kv provides the fast-path key-value stores used for exact cache
// hits: Redis for shared deployments and an in-process LRU otherwise.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned while the store is considered down.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is a byte-oriented key-value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Clearer is implemented by stores that can drop every key they own.
type Clearer interface {
	Clear(ctx context.Context) error
}
