// Package cache defines the key-value cache surface used for strategy
// resolution and worker state, with redis and in-process engines.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Engine identifiers accepted by New.
const (
	REDIS  = "redis"
	MEMORY = "memory"
)

// Sentinel errors.
var (
	// ErrMiss is returned by Get when the key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrUnknownEngine is returned by New for an unrecognized engine name.
	ErrUnknownEngine = errors.New("unknown cache engine")
)

// Cache is the cache capability consumed by the resolver and scheduler.
// A zero ttl on Set means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// New opens a cache for the given engine. The prefix namespaces keys so
// multiple deployments can share one backend.
func New(engine, connection, prefix string) (Cache, error) {
	switch engine {
	case REDIS:
		return NewRedis(connection, prefix)
	case MEMORY:
		return NewMemory(), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
}
