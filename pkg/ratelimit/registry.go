package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ruleengine/pkg/metrics"
)

type RateLimitConfig struct {
	Enabled         bool
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

type limiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Registry keeps one token bucket per key. The map lock is held only for lookup
// and insertion; admission itself is lock-free on the caller side.
type Registry[K comparable] struct {
	scope    string
	config   RateLimitConfig
	mu       sync.RWMutex
	limiters map[K]*limiter
	now      func() time.Time
}

func NewRegistry[K comparable](scope string, config RateLimitConfig) *Registry[K] {
	return &Registry[K]{
		scope:    scope,
		config:   config,
		limiters: make(map[K]*limiter),
		now:      time.Now,
	}
}

// Allow reports whether one more event for key fits in its bucket.
func (r *Registry[K]) Allow(key K) bool {
	if !r.config.Enabled {
		return true
	}

	l := r.get(key)
	now := r.now()
	l.lastSeen.Store(now.UnixNano())

	if !l.limiter.AllowN(now, 1) {
		metrics.RateLimitRequestsTotal.WithLabelValues(r.scope, "limited").Inc()
		return false
	}
	metrics.RateLimitRequestsTotal.WithLabelValues(r.scope, "allowed").Inc()
	return true
}

// Remaining returns the whole tokens currently available for key.
func (r *Registry[K]) Remaining(key K) int {
	l := r.get(key)
	remaining := int(l.limiter.TokensAt(r.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Registry[K]) get(key K) *limiter {
	r.mu.RLock()
	l, exists := r.limiters[key]
	r.mu.RUnlock()
	if exists {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l, exists = r.limiters[key]
	if !exists {
		l = &limiter{limiter: rate.NewLimiter(rate.Limit(r.config.RPS), r.config.Burst)}
		l.lastSeen.Store(r.now().UnixNano())
		r.limiters[key] = l
	}
	return l
}

// Forget drops the bucket of key.
func (r *Registry[K]) Forget(key K) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}

func (r *Registry[K]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// Cleanup removes buckets not used for longer than MaxAge.
func (r *Registry[K]) Cleanup() int {
	cutoff := r.now().Add(-r.config.MaxAge).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, l := range r.limiters {
		if l.lastSeen.Load() < cutoff {
			delete(r.limiters, key)
			removed++
		}
	}
	return removed
}

// Run cleans up idle buckets every CleanupInterval until ctx is done.
func (r *Registry[K]) Run(ctx context.Context) {
	interval := r.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}
