package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ProviderLimiter enforces a minimum interval between calls to an external
// provider, so a burst of concurrent rate lookups cannot blow through the
// provider's request quota.
type ProviderLimiter struct {
	limiter *rate.Limiter
}

// NewProviderLimiter allows one call per minInterval with no burst allowance.
func NewProviderLimiter(minInterval time.Duration) *ProviderLimiter {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ProviderLimiter{
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Wait blocks until the next call is permitted or ctx is cancelled.
func (l *ProviderLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a call is permitted right now without waiting.
func (l *ProviderLimiter) Allow() bool {
	return l.limiter.Allow()
}
