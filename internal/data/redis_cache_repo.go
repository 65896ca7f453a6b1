package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inter-actief/courier/internal/core"
)

// ErrEmptyCacheKey is returned for an empty key.
var ErrEmptyCacheKey = errors.New("cache key cannot be empty")

// RedisCacheRepo backs the export status cache and the once-guards for
// delivery reports and alerts.
type RedisCacheRepo struct {
	client redis.UniversalClient
}

var _ core.CacheRepository = (*RedisCacheRepo)(nil)

// NewRedisCacheRepo wraps a direct, sentinel or cluster client.
func NewRedisCacheRepo(client redis.UniversalClient) *RedisCacheRepo {
	return &RedisCacheRepo{client: client}
}

// Set stores value; a zero ttl keeps it until deleted.
func (r *RedisCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyCacheKey
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns nil, nil for a missing key.
func (r *RedisCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyCacheKey
	}
	b, err := r.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// Delete reports whether the key existed.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	return r.count(ctx, key, r.client.Del)
}

// Exists reports whether the key is set.
func (r *RedisCacheRepo) Exists(ctx context.Context, key string) (bool, error) {
	return r.count(ctx, key, r.client.Exists)
}

func (r *RedisCacheRepo) count(ctx context.Context, key string, op func(context.Context, ...string) *redis.IntCmd) (bool, error) {
	if key == "" {
		return false, ErrEmptyCacheKey
	}
	n, err := op(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis %s: %w", key, err)
	}
	return n > 0, nil
}

// SetTTL reports false when the key does not exist.
func (r *RedisCacheRepo) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyCacheKey
	}
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire %s: %w", key, err)
	}
	return ok, nil
}

// SetIfNotExists claims key with a single SET NX PX so the claim and its
// expiry cannot be separated. A non-positive ttl becomes one second so a
// crashed claimant never holds a key forever.
func (r *RedisCacheRepo) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyCacheKey
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	status, err := r.client.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis set nx %s: %w", key, err)
	}
	return status == "OK", nil
}

// Health pings Redis.
func (r *RedisCacheRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
