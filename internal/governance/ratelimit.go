package governance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-connection call rate settings.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter paces connector calls per connection key. Connections without a
// configured limit are not throttled.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	fallback RateLimiterConfig
}

// NewRateLimiter creates a rate limiter. A zero fallback leaves unconfigured
// connections unlimited.
func NewRateLimiter(config map[string]RateLimiterConfig, fallback RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{fallback: fallback}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-connection limits, keeping state of unchanged limiters.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*rate.Limiter, len(config))
	for key, cfg := range config {
		if existing, ok := rl.limiters[key]; ok {
			existing.SetLimit(limitOf(cfg))
			existing.SetBurst(burstOf(cfg))
			next[key] = existing
			continue
		}
		next[key] = rate.NewLimiter(limitOf(cfg), burstOf(cfg))
	}
	rl.limiters = next
}

// Wait blocks until a call on the connection is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, connectionKey string) error {
	limiter := rl.limiter(connectionKey)
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Allow reports whether a call may proceed right now without waiting.
func (rl *RateLimiter) Allow(connectionKey string) bool {
	limiter := rl.limiter(connectionKey)
	return limiter == nil || limiter.Allow()
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}
	if rl.fallback.RequestsPerSecond <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(limitOf(rl.fallback), burstOf(rl.fallback))
	rl.limiters[key] = limiter
	return limiter
}

func limitOf(cfg RateLimiterConfig) rate.Limit {
	if cfg.RequestsPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.RequestsPerSecond)
}

func burstOf(cfg RateLimiterConfig) int {
	if cfg.BurstSize > 0 {
		return cfg.BurstSize
	}
	if cfg.RequestsPerSecond >= 1 {
		return int(cfg.RequestsPerSecond)
	}
	return 1
}
