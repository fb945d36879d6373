package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultResultTTL bounds how long cached rows outlive their request.
const DefaultResultTTL = 7 * 24 * time.Hour

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisResultCache stores rows JSON-encoded in one hash per request.
type RedisResultCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisResultCache connects and pings the server.
func NewRedisResultCache(ctx context.Context, cfg RedisConfig) (*RedisResultCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisResultCacheWithClient(rdb, cfg.Prefix, cfg.TTL), nil
}

// NewRedisResultCacheWithClient wraps an existing client.
func NewRedisResultCacheWithClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisResultCache {
	if prefix == "" {
		prefix = "privacy:results:"
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisResultCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Put implements ResultCache.
func (c *RedisResultCache) Put(ctx context.Context, requestID string, key domain.LogKey, rows []domain.Row) error {
	if rows == nil {
		rows = []domain.Row{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode cached rows for %s: %w", key.Collection, err)
	}

	hashKey := c.prefix + requestID
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, hashKey, cacheField(key), payload)
	pipe.Expire(ctx, hashKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache rows for %s: %w", key.Collection, err)
	}
	return nil
}

// Get implements ResultCache. Numbers come back as float64.
func (c *RedisResultCache) Get(ctx context.Context, requestID string, key domain.LogKey) ([]domain.Row, bool, error) {
	payload, err := c.rdb.HGet(ctx, c.prefix+requestID, cacheField(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached rows for %s: %w", key.Collection, err)
	}

	var rows []domain.Row
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, false, fmt.Errorf("decode cached rows for %s: %w", key.Collection, err)
	}
	return rows, true, nil
}

// Delete implements ResultCache.
func (c *RedisResultCache) Delete(ctx context.Context, requestID string) error {
	return c.rdb.Del(ctx, c.prefix+requestID).Err()
}

// Close closes the client.
func (c *RedisResultCache) Close() error {
	return c.rdb.Close()
}
