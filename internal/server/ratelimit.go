package server

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request rates. ControlLimit requests per
// ControlWindow are allowed per operator on mutating stream and account
// routes. A non-nil Redis client shares the control counters across replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ControlLimit  int
	ControlWindow time.Duration
	Redis         redis.UniversalClient
	RedisPrefix   string
}

type rateLimiter struct {
	global        *tokenBucket
	controlLimit  int
	controlWindow time.Duration
	controlMu     sync.Mutex
	buckets       map[string]*keyLimiter
	store         windowStore
	now           func() time.Time
}

type keyLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		controlLimit:  cfg.ControlLimit,
		controlWindow: cfg.ControlWindow,
		buckets:       make(map[string]*keyLimiter),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.controlLimit < 0 {
		rl.controlLimit = 0
	}
	if rl.controlWindow <= 0 {
		rl.controlWindow = time.Minute
	}
	if cfg.Redis != nil && rl.controlLimit > 0 {
		rl.store = newRedisWindowStore(cfg.Redis, cfg.RedisPrefix)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowControl applies the per-operator control limit to key.
func (r *rateLimiter) AllowControl(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.controlLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, key, r.controlLimit, r.controlWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.controlMu.Lock()
	limiter, exists := r.buckets[key]
	if !exists {
		rate := float64(r.controlLimit) / r.controlWindow.Seconds()
		limiter = &keyLimiter{bucket: newTokenBucket(rate, r.controlLimit)}
		r.buckets[key] = limiter
	}
	limiter.lastSeen = r.now()
	r.cleanupLocked()
	r.controlMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.buckets) == 0 {
		return
	}
	cutoff := r.now().Add(-2 * r.controlWindow)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
