package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// DeliveryLimiter enforces per-subscription delivery caps over fixed hourly
// and daily windows. Counters live in Redis so that the caps hold across
// service replicas; when Redis is unreachable the limiter falls back to
// process-local counters, which keeps single-replica deployments correct and
// degrades multi-replica ones to per-replica caps rather than failing open.
type DeliveryLimiter struct {
	counters *core.RedisCounters
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

// NewDeliveryLimiter creates a delivery rate limiter.
// counters may be nil, in which case only local counting is used.
func NewDeliveryLimiter(counters *core.RedisCounters, logger *zap.SugaredLogger) *DeliveryLimiter {
	return &DeliveryLimiter{
		counters: counters,
		logger:   logger,
		local:    make(map[string]*localWindow),
	}
}

func hourKey(subscriptionID string, now time.Time) string {
	return fmt.Sprintf("delivery:%s:h:%s", subscriptionID, now.UTC().Format("2006010215"))
}

func dayKey(subscriptionID string, now time.Time) string {
	return fmt.Sprintf("delivery:%s:d:%s", subscriptionID, now.UTC().Format("20060102"))
}

// Allow reserves one delivery slot for the subscription. It returns false when
// either the hourly or daily cap is exhausted; the caller then records a
// skipped_rate_limited attempt instead of delivering. A zero cap means
// unlimited.
func (l *DeliveryLimiter) Allow(ctx context.Context, sub *core.Subscription) bool {
	limit := sub.Delivery.RateLimit
	if limit.MaxPerHour <= 0 && limit.MaxPerDay <= 0 {
		return true
	}
	now := time.Now()

	if limit.MaxPerHour > 0 {
		count := l.increment(ctx, hourKey(sub.ID, now), 2*time.Hour, now.Truncate(time.Hour).Add(time.Hour))
		if count > int64(limit.MaxPerHour) {
			l.release(ctx, hourKey(sub.ID, now))
			return false
		}
	}

	if limit.MaxPerDay > 0 {
		count := l.increment(ctx, dayKey(sub.ID, now), 48*time.Hour, now.Truncate(24*time.Hour).Add(24*time.Hour))
		if count > int64(limit.MaxPerDay) {
			l.release(ctx, dayKey(sub.ID, now))
			// The hour slot was reserved but will not be used.
			if limit.MaxPerHour > 0 {
				l.release(ctx, hourKey(sub.ID, now))
			}
			return false
		}
	}

	return true
}

// increment bumps the shared counter, falling back to local state on error
func (l *DeliveryLimiter) increment(ctx context.Context, key string, ttl time.Duration, resetAt time.Time) int64 {
	if l.counters != nil {
		count, err := l.counters.Increment(ctx, key, ttl)
		if err == nil {
			return count
		}
		l.logger.Warnw("Redis counter unavailable, using local fallback", "key", key, "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.local[key]
	if !ok || time.Now().After(w.resetAt) {
		w = &localWindow{resetAt: resetAt}
		l.local[key] = w
	}
	w.count++

	// Opportunistic cleanup of stale windows.
	if len(l.local) > 10000 {
		now := time.Now()
		for k, win := range l.local {
			if now.After(win.resetAt) {
				delete(l.local, k)
			}
		}
	}

	return w.count
}

// release returns an unused reservation
func (l *DeliveryLimiter) release(ctx context.Context, key string) {
	if l.counters != nil {
		if err := l.counters.Decrement(ctx, key); err == nil {
			return
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.local[key]; ok && w.count > 0 {
		w.count--
	}
}
