package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds outbound sends towards one transport endpoint.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained send rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// BurstSize is the number of sends allowed at once.
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// SendLimiter throttles sends per endpoint.
type SendLimiter struct {
	mu       sync.RWMutex
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
}

// NewSendLimiter creates a limiter applying config to every endpoint.
func NewSendLimiter(config RateLimiterConfig) *SendLimiter {
	return &SendLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Configure updates the limits of existing and future endpoints.
func (sl *SendLimiter) Configure(config RateLimiterConfig) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.config = config
	for _, l := range sl.limiters {
		l.SetLimit(limitOf(config))
		l.SetBurst(burstOf(config))
	}
}

// Wait blocks until a send to endpoint is allowed or ctx is done. Unlike
// rate.Limiter.Wait it does not fail early when the wait would outlast the
// context deadline; it returns the context error once the deadline passes.
func (sl *SendLimiter) Wait(ctx context.Context, endpoint string) error {
	l := sl.limiter(endpoint)
	if l == nil {
		return nil
	}

	r := l.Reserve()
	if !r.OK() {
		return fmt.Errorf("send limiter for %s: burst exceeded", endpoint)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("send limiter for %s: %w", endpoint, ctx.Err())
	}
}

// Allow reports whether a send to endpoint may happen now without waiting.
func (sl *SendLimiter) Allow(endpoint string) bool {
	l := sl.limiter(endpoint)
	return l == nil || l.Allow()
}

func (sl *SendLimiter) limiter(endpoint string) *rate.Limiter {
	sl.mu.RLock()
	cfg := sl.config
	l, ok := sl.limiters[endpoint]
	sl.mu.RUnlock()

	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if ok {
		return l
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if l, ok := sl.limiters[endpoint]; ok {
		return l
	}
	l = rate.NewLimiter(limitOf(sl.config), burstOf(sl.config))
	sl.limiters[endpoint] = l
	return l
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
