// Package mirror pushes current record state into the external agent
// runtime's key space. Sync is one-directional: the mirror is never read
// back as authoritative.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Target is the external mirror. Upsert must be idempotent per key.
type Target interface {
	Upsert(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// RedisTarget mirrors records into Redis, one key per (owner,label).
type RedisTarget struct {
	client *redis.Client
}

// NewRedisTarget connects to the mirror Redis and verifies the connection.
func NewRedisTarget(redisURL string) (*RedisTarget, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisTarget{client: client}, nil
}

// NewRedisTargetWithClient wraps an existing client (tests use miniredis).
func NewRedisTargetWithClient(client *redis.Client) *RedisTarget {
	return &RedisTarget{client: client}
}

func (t *RedisTarget) Upsert(ctx context.Context, key string, payload []byte) error {
	if err := t.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (t *RedisTarget) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection.
func (t *RedisTarget) Close() error {
	return t.client.Close()
}

// Ping checks the mirror is reachable.
func (t *RedisTarget) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
