// Package ratelimit throttles client-facing quota endpoints per caller.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tierwise.app/cloud/internal/logger"
)

// RateLimit admits or rejects one request for key.
type RateLimit interface {
	Allow(ctx context.Context, key string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter counts requests per key in process memory.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mutex     sync.Mutex
	requests  map[string]*windowData
	lastPrune time.Time
}

func New(maxRequests int, window time.Duration) *FixedWindowLimiter {
	return NewWithClock(maxRequests, window, time.Now)
}

func NewWithClock(maxRequests int, window time.Duration, now func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         now,
		requests:    make(map[string]*windowData),
		lastPrune:   now(),
	}
}

func (rl *FixedWindowLimiter) Allow(_ context.Context, key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.prune(now)
	wd := rl.requests[key]

	// no window yet, or the last one has expired
	if wd == nil || now.Sub(wd.windowStart) >= rl.window {
		if rl.maxRequests <= 0 {
			return false
		}
		rl.requests[key] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++
	return true
}

// prune drops expired windows once per window length.
func (rl *FixedWindowLimiter) prune(now time.Time) {
	if now.Sub(rl.lastPrune) < rl.window {
		return
	}
	for key, wd := range rl.requests {
		if now.Sub(wd.windowStart) >= rl.window {
			delete(rl.requests, key)
		}
	}
	rl.lastPrune = now
}

// RedisLimiter shares fixed windows between instances. When Redis is
// unreachable it admits the request and logs.
type RedisLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	prefix      string
	now         func() time.Time
	log         *logger.Logger
}

func NewRedis(client *redis.Client, maxRequests int, window time.Duration, log *logger.Logger) *RedisLimiter {
	if log == nil {
		log = logger.Default()
	}
	return &RedisLimiter{
		client:      client,
		maxRequests: maxRequests,
		window:      window,
		prefix:      "ratelimit",
		now:         time.Now,
		log:         log,
	}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if rl.maxRequests <= 0 {
		return false
	}

	bucket := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, bucket)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn("Rate limiter unavailable, admitting request", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}
	return incr.Val() <= int64(rl.maxRequests)
}

// KeyFunc derives the limiter key from a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by remote address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429.
func Middleware(rl RateLimit, window time.Duration, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	retryAfter := strconv.Itoa(int(math.Ceil(window.Seconds())))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.Allow(r.Context(), key(r)) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Rate limit exceeded", map[string]interface{}{
				"remote_addr": r.RemoteAddr,
				"path":        r.URL.Path,
			})
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
		})
	}
}
