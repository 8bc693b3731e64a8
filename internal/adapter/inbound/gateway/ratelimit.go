package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// bucket tracks one client's token balance.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket kept in memory. Thread-safe.
// Includes background cleanup to prevent unbounded memory growth.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	ratePerSec float64
	burst      float64

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

// NewRateLimiter creates a token bucket limiter allowing requestsPerMinute
// sustained with the given burst. Default cleanup interval: 5 minutes,
// default key TTL: 1 hour.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	return &RateLimiter{
		buckets:         make(map[string]*bucket),
		ratePerSec:      float64(requestsPerMinute) / 60,
		burst:           float64(burst),
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		now:             time.Now,
	}
}

// Allow consumes one token for key. Returns false plus a retry-after
// hint when the bucket is empty.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{tokens: r.burst}
		r.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * r.ratePerSec
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		retry := time.Duration((1 - b.tokens) / r.ratePerSec * float64(time.Second))
		return false, retry
	}
	b.tokens--
	return true, 0
}

// StartCleanup starts the background cleanup goroutine. It stops when
// ctx is cancelled or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys idle longer than maxTTL.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.buckets))
	}
}

// Stop stops the cleanup goroutine and waits for it to exit. Safe to
// call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
