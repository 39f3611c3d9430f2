package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// redisKeyPrefix namespaces our entries inside a shared Redis.
const redisKeyPrefix = "waldo:idempotency:"

// RedisStore is the multi-instance Store: several engine replicas behind
// one session share a window through Redis. Entries are JSON results with
// a TTL equal to the window, so expiry needs no sweeping at all.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	log    *zap.Logger
}

// NewRedisStore connects a RedisStore to the given server.
func NewRedisStore(addr, password string, db int, window time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address must not be empty")
	}
	if window <= 0 {
		return nil, fmt.Errorf("idempotency window must be positive, got %s", window)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{
		client: client,
		window: window,
		log:    logger.Named("idempotency.redis"),
	}, nil
}

// Check fetches and decodes the entry, treating a missing key as a miss.
func (s *RedisStore) Check(ctx context.Context, key string) (*schemas.ActionResult, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis idempotency check failed: %w", err)
	}

	var result schemas.ActionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// A corrupt entry should not wedge the action; drop it and miss.
		s.log.Warn("Dropping undecodable idempotency entry.", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, redisKeyPrefix+key)
		return nil, false, nil
	}
	return &result, true, nil
}

// Record writes the entry with the window as its TTL.
func (s *RedisStore) Record(ctx context.Context, key string, result schemas.ActionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for redis: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, s.window).Err(); err != nil {
		return fmt.Errorf("redis idempotency record failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
