package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/infrastructure/resilience"
)

// retrier wraps every gateway call with bounded retries, exponential backoff
// and a shared circuit breaker. While the breaker is open all calls fail fast
// with a connectivity error without touching the network.
type retrier struct {
	maxRetries int
	backoff    time.Duration
	breaker    *resilience.Breaker
	logger     *zap.Logger
}

func newRetrier(cfg Config, logger *zap.Logger) *retrier {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "node-gateway",
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger)
	return &retrier{
		maxRetries: maxRetries,
		backoff:    backoff,
		breaker:    breaker,
		logger:     logger,
	}
}

// do runs fn up to maxRetries times. Not-found results and context
// cancellation are never retried; everything else counts against the breaker.
func (r *retrier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if !r.breaker.Allow() {
			return &ConnectivityError{Op: op, Err: &resilience.BreakerOpenError{
				Name:  "node-gateway",
				State: r.breaker.State(),
			}}
		}

		err := fn(ctx)
		if err == nil {
			r.breaker.RecordSuccess()
			return nil
		}
		if errors.Is(err, ErrInvoiceNotFound) {
			// Expected lookup outcome, not a node failure.
			r.breaker.RecordSuccess()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.breaker.RecordFailure()
		lastErr = err
		r.logger.Warn("node rpc attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.maxRetries),
			zap.Error(err))

		if attempt < r.maxRetries {
			// Exponential backoff between attempts.
			delay := r.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &ConnectivityError{Op: op, Err: lastErr}
}
