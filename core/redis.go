package core

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCounters provides shared counters backed by Redis so that delivery
// rate limits hold across service replicas. All operations are atomic on the
// Redis side (INCR + EXPIRE pipeline).
type RedisCounters struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisCounters creates a Redis-backed counter store
func NewRedisCounters(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCounters {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCounters{
		client: client,
		logger: logger,
	}
}

// NewRedisCountersFromClient wraps an existing client (used by tests with miniredis)
func NewRedisCountersFromClient(client *redis.Client, logger *zap.SugaredLogger) *RedisCounters {
	return &RedisCounters{client: client, logger: logger}
}

// Ping tests the Redis connection
func (rc *RedisCounters) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCounters) Close() error {
	return rc.client.Close()
}

// Increment atomically increments a counter, setting its TTL when the key is
// created. Returns the counter value after the increment.
func (rc *RedisCounters) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := rc.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns the current value of a counter, zero when the key is absent
func (rc *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	val, err := rc.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Decrement atomically decrements a counter. Used to release a reservation
// when the delivery it covered was never attempted.
func (rc *RedisCounters) Decrement(ctx context.Context, key string) error {
	return rc.client.Decr(ctx, key).Err()
}
