package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a redis backend. All keys carry the configured
// prefix so DeleteAll only touches this deployment's keys.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a redis-backed cache.
func NewRedis(address, prefix string) (*Redis, error) {
	if address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	address = strings.TrimPrefix(address, "redis://")

	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: address}),
		prefix: prefix,
	}, nil
}

// NewRedisWithClient wraps an existing client, sharing its connection pool.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}

	return r.prefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}

	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}

	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func (r *Redis) DeleteAll(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.key("*"), 0).Iterator()

	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}

	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
