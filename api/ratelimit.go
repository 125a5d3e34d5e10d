package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestLimiterConfig caps the REST surface per client IP.
// A zero PerMinute disables limiting.
type RequestLimiterConfig struct {
	PerMinute int
	Burst     int
}

// requestLimiter keeps one token bucket per client IP. Buckets idle past the
// retention window are dropped by a background cleanup loop.
type requestLimiter struct {
	config RequestLimiterConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterRetention = 10 * time.Minute

func newRequestLimiter(config RequestLimiterConfig, logger *zap.SugaredLogger) *requestLimiter {
	if config.Burst <= 0 {
		config.Burst = config.PerMinute
	}
	rl := &requestLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

func (rl *requestLimiter) stop() {
	close(rl.stopCh)
	rl.wg.Wait()
}

func (rl *requestLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.limiters[key]
	if !ok {
		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.config.PerMinute)/60.0), rl.config.Burst),
		}
		rl.limiters[key] = client
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

func (rl *requestLimiter) cleanupLoop() {
	defer rl.wg.Done()
	ticker := time.NewTicker(limiterRetention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterRetention)
			rl.mu.Lock()
			for key, client := range rl.limiters {
				if client.lastSeen.Before(cutoff) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP extracts the originating address, honoring X-Forwarded-For from
// reverse proxies
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware rejects clients that exceed the per-IP request budget
func rateLimitMiddleware(rl *requestLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.allow(ip) {
				rl.logger.Warnw("Request rate limit exceeded", "ip", ip, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil, rl.logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
