package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
)

// Limiter paces outbound HTTP probes: a global token bucket plus an optional
// minimum spacing between requests to the same host.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	burstSize    int
	nextSlot     map[string]time.Time
	mu           sync.Mutex
}

// Config contains rate limiting configuration
type Config struct {
	// RequestsPerSecond limits the number of requests per second. Zero or
	// negative disables the global limit.
	RequestsPerSecond float64

	// BurstSize allows brief bursts above the rate limit
	BurstSize int

	// MinDelay is the minimum delay between requests to the same host
	MinDelay time.Duration
}

// DefaultConfig returns defaults suited to a single-target scan.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50.0,
		BurstSize:         50,
		MinDelay:          0,
	}
}

// FromConfig converts the application rate limit section.
func FromConfig(cfg config.RateLimitConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		MinDelay:          cfg.MinDelay,
	}
}

// NewLimiter creates a new rate limiter with the given configuration
func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Limiter{
		limiter:      rate.NewLimiter(limit, burst),
		requestDelay: cfg.MinDelay,
		burstSize:    burst,
		nextSlot:     make(map[string]time.Time),
	}
}

// WaitForHost blocks until both the global limit and the per-host spacing
// allow a request to host. Each caller reserves its own slot, so concurrent
// callers for one host are spaced MinDelay apart without holding the lock
// while sleeping.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	if l.requestDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := now
	if next, ok := l.nextSlot[host]; ok && next.After(now) {
		slot = next
	}
	l.nextSlot[host] = slot.Add(l.requestDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
