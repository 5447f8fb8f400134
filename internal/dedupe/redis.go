// ABOUTME: Redis-backed Deduper shared by every relay instance behind the same webhook
// ABOUTME: Keys live under a prefix and expire through Redis TTLs

package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces dedupe keys in a shared Redis.
const DefaultKeyPrefix = "coven-relay:dedupe:"

// RedisCache is a Deduper stored in Redis.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to the Redis at url and verifies the connection.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisCacheFromClient(rdb, ttl, DefaultKeyPrefix), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

// Seen reports whether key exists.
func (r *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking dedupe key: %w", err)
	}
	return n > 0, nil
}

// Mark stores key with the cache TTL.
func (r *RedisCache) Mark(ctx context.Context, key string) error {
	if err := r.rdb.Set(ctx, r.prefix+key, time.Now().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("marking dedupe key: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisCache) Close() error {
	return r.rdb.Close()
}
