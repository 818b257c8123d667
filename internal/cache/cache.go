// Package cache defines the key-value cache port and its Redis adapter.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is the minimal contract for the snapshot cache. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with the given TTL; zero means no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss.
var ErrMiss = errors.New("cache: miss")
