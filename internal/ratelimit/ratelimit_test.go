package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFixedWindowLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter := New(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "192.168.1.1"), "request %d", i+1)
	}
	assert.False(t, limiter.Allow(ctx, "192.168.1.1"), "4th request should be denied")
}

func TestFixedWindowLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter := New(2, time.Minute)
	ctx := context.Background()

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		assert.True(t, limiter.Allow(ctx, ip))
		assert.True(t, limiter.Allow(ctx, ip))
		assert.False(t, limiter.Allow(ctx, ip))
	}
}

func TestFixedWindowLimiter_Allow_WindowReset(t *testing.T) {
	clock := newFakeClock()
	limiter := NewWithClock(2, 100*time.Millisecond, clock.Now)
	ctx := context.Background()
	ip := "192.168.1.1"

	for window := 0; window < 3; window++ {
		assert.True(t, limiter.Allow(ctx, ip), "first request in window %d", window)
		assert.True(t, limiter.Allow(ctx, ip), "second request in window %d", window)
		assert.False(t, limiter.Allow(ctx, ip), "third request in window %d", window)

		clock.Advance(99 * time.Millisecond)
		assert.False(t, limiter.Allow(ctx, ip), "before expiry in window %d", window)
		clock.Advance(time.Millisecond)
	}
}

func TestFixedWindowLimiter_Allow_EdgeCases(t *testing.T) {
	tests := []struct {
		name        string
		maxRequests int
		identifier  string
		requests    int
		expectPass  bool
	}{
		{name: "zero limit should deny all", maxRequests: 0, identifier: "192.168.1.1", requests: 1, expectPass: false},
		{name: "single request limit", maxRequests: 1, identifier: "192.168.1.1", requests: 1, expectPass: true},
		{name: "empty identifier", maxRequests: 5, identifier: "", requests: 3, expectPass: true},
		{name: "very long identifier", maxRequests: 5, identifier: "very.long.identifier.with.many.dots.and.characters.192.168.1.100", requests: 3, expectPass: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.maxRequests, time.Minute)

			var lastResult bool
			for i := 0; i < tt.requests; i++ {
				lastResult = limiter.Allow(context.Background(), tt.identifier)
			}
			assert.Equal(t, tt.expectPass, lastResult)
		})
	}
}

func TestFixedWindowLimiter_Allow_ConcurrentAccess(t *testing.T) {
	limiter := New(40, time.Minute)
	ip := "192.168.1.1"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if limiter.Allow(context.Background(), ip) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, allowed)
}

func TestFixedWindowLimiter_PrunesExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := NewWithClock(5, time.Minute, clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Allow(ctx, fmt.Sprintf("10.0.0.%d", i))
	}
	clock.Advance(2 * time.Minute)
	limiter.Allow(ctx, "10.0.1.1")

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	assert.Len(t, limiter.requests, 1)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedis(client, 3, time.Minute, nil)
	b := NewRedis(client, 3, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, a.Allow(ctx, "10.0.0.1"))
	assert.True(t, b.Allow(ctx, "10.0.0.1"))
	assert.True(t, a.Allow(ctx, "10.0.0.1"))
	assert.False(t, b.Allow(ctx, "10.0.0.1"))
	assert.True(t, b.Allow(ctx, "10.0.0.2"))
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewRedis(client, 1, time.Minute, nil)
	assert.True(t, limiter.Allow(context.Background(), "10.0.0.1"))
	assert.True(t, limiter.Allow(context.Background(), "10.0.0.1"))
}

func TestMiddleware(t *testing.T) {
	limiter := New(1, time.Minute)
	handler := Middleware(limiter, time.Minute, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/acct_1/balance", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:1234").Code)

	w := send("10.0.0.1:5678")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, w.Body.String())

	assert.Equal(t, http.StatusNoContent, send("10.0.0.2:1234").Code)
}

func BenchmarkFixedWindowLimiter_Allow(b *testing.B) {
	limiter := New(1000000, time.Minute)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx, "192.168.1.1")
	}
}

func BenchmarkFixedWindowLimiter_Allow_DifferentIPs(b *testing.B) {
	limiter := New(1000000, time.Minute)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx, fmt.Sprintf("192.168.1.%d", i%256))
	}
}
