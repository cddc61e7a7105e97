package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisL2 adapts a go-redis client to the L2 interface. Misses and
// redis.Nil are both reported as (nil, false, nil) so callers fall
// through to compute without treating a miss as a backend failure.
type RedisL2 struct {
	client *redis.Client
}

// NewRedisL2 wraps an existing *redis.Client. The caller owns the
// client's lifecycle (connection pool sizing, Close on shutdown).
func NewRedisL2(client *redis.Client) *RedisL2 {
	return &RedisL2{client: client}
}

func (r *RedisL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisL2) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks connectivity to the Redis server. The engine's health
// probes do not call it.
func (r *RedisL2) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
