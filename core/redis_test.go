package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCounters(t *testing.T) (*RedisCounters, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counters := NewRedisCountersFromClient(client, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = counters.Close() })
	return counters, mr
}

// TestRedisCounters_Increment tests counting with TTL set on first touch
func TestRedisCounters_Increment(t *testing.T) {
	counters, mr := testCounters(t)
	ctx := context.Background()

	val, err := counters.Increment(ctx, "counter:a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = counters.Increment(ctx, "counter:a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	ttl := mr.TTL("counter:a")
	assert.Greater(t, ttl, time.Duration(0), "TTL should be set on creation")

	// The TTL from the first increment sticks.
	mr.SetTTL("counter:a", 30*time.Minute)
	_, err = counters.Increment(ctx, "counter:a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL("counter:a"))
}

// TestRedisCounters_GetAndDecrement tests reads and reservation release
func TestRedisCounters_GetAndDecrement(t *testing.T) {
	counters, _ := testCounters(t)
	ctx := context.Background()

	val, err := counters.Get(ctx, "counter:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val, "Absent counter reads as zero")

	_, err = counters.Increment(ctx, "counter:b", time.Hour)
	require.NoError(t, err)
	_, err = counters.Increment(ctx, "counter:b", time.Hour)
	require.NoError(t, err)

	require.NoError(t, counters.Decrement(ctx, "counter:b"))

	val, err = counters.Get(ctx, "counter:b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}
