// Package rates resolves the canonical BTC/EUR exchange rate from external
// providers with caching, rate limiting, circuit breaking and a static
// fallback, and converts invoice amounts between the two currencies.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/infrastructure/resilience"
	"github.com/fiscalight/fiscalight/pkg/metrics"
	"github.com/fiscalight/fiscalight/pkg/models"
)

// Rate sanity band: a provider result outside it is rejected as invalid.
var (
	sanityMin = decimal.NewFromInt(10_000)
	sanityMax = decimal.NewFromInt(200_000)
)

// ErrInvalidAmount rejects conversions of non-positive amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// RateOutOfBandError reports a provider quote outside the sanity band.
type RateOutOfBandError struct {
	Provider string
	Rate     decimal.Decimal
}

func (e *RateOutOfBandError) Error() string {
	return fmt.Sprintf("provider %s returned rate %s outside sanity band [%s, %s]",
		e.Provider, e.Rate, sanityMin, sanityMax)
}

// RateInfo is the operator-facing view of the oracle's current state.
type RateInfo struct {
	Rate        decimal.Decimal `json:"rate"`
	Source      string          `json:"source"`
	Age         time.Duration   `json:"age"`
	CircuitOpen bool            `json:"circuit_open"`
}

// Config holds the oracle settings.
type Config struct {
	CacheTTL           time.Duration
	MinRequestInterval time.Duration
	FallbackRate       decimal.Decimal
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

// Oracle resolves one canonical BTC/EUR rate. A single mutex guards the cache
// since concurrent convert calls may race to refresh it; the breaker guards
// its own counters.
type Oracle struct {
	providers []Provider
	fallback  *StaticProvider
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache *models.ExchangeRate

	limiter *resilience.ProviderLimiter
	breaker *resilience.Breaker
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOracle creates an oracle trying providers in the given priority order.
func NewOracle(cfg Config, providers []Provider, logger *zap.Logger, m *metrics.Metrics) *Oracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "rate-oracle",
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger)
	breaker.OnStateChange(func(s resilience.BreakerState) {
		m.BreakerState.WithLabelValues("rate-oracle").Set(float64(s))
	})
	return &Oracle{
		providers: providers,
		fallback:  NewStaticProvider(cfg.FallbackRate),
		cacheTTL:  cfg.CacheTTL,
		limiter:   resilience.NewProviderLimiter(cfg.MinRequestInterval),
		breaker:   breaker,
		logger:    logger,
		metrics:   m,
	}
}

// GetRate returns the canonical BTC/EUR rate. It never fails: when every live
// provider is unavailable it degrades to the static fallback rate and logs
// the degradation.
func (o *Oracle) GetRate(ctx context.Context) models.ExchangeRate {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cache != nil && !o.cache.Expired() {
		o.metrics.OracleCacheHits.Inc()
		return *o.cache
	}

	// The breaker counts whole resolutions: while open it skips all live
	// providers; after the cooldown it admits a single trial resolution.
	if !o.breaker.Allow() {
		o.logger.Warn("rate circuit breaker open, using static fallback")
		return o.fallbackRate()
	}

	for _, p := range o.providers {
		rate, err := o.fetchFrom(ctx, p)
		if err != nil {
			o.metrics.OracleRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
			o.logger.Warn("rate provider failed",
				zap.String("provider", p.Name()),
				zap.Error(err))
			continue
		}
		o.metrics.OracleRequestsTotal.WithLabelValues(p.Name(), "ok").Inc()
		o.breaker.RecordSuccess()
		quote := models.ExchangeRate{
			Rate:      rate,
			Source:    p.Name(),
			FetchedAt: time.Now(),
			TTL:       o.cacheTTL,
		}
		o.cache = &quote
		return quote
	}

	o.breaker.RecordFailure()
	o.logger.Warn("all rate providers failed, using static fallback")
	return o.fallbackRate()
}

// fetchFrom applies the minimum-interval limiter, calls the provider, and
// validates the result against the sanity band.
func (o *Oracle) fetchFrom(ctx context.Context, p Provider) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	rate, err := p.FetchRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.LessThan(sanityMin) || rate.GreaterThan(sanityMax) {
		return decimal.Zero, &RateOutOfBandError{Provider: p.Name(), Rate: rate}
	}
	return rate, nil
}

func (o *Oracle) fallbackRate() models.ExchangeRate {
	o.metrics.OracleFallbacks.Inc()
	rate, _ := o.fallback.FetchRate(context.Background())
	return models.ExchangeRate{
		Rate:      rate,
		Source:    o.fallback.Name(),
		FetchedAt: time.Now(),
		TTL:       o.cacheTTL,
	}
}

// ConvertEURToBTC converts a positive EUR amount to BTC, rounded to 8 decimal
// places.
func (o *Oracle) ConvertEURToBTC(ctx context.Context, amountEUR decimal.Decimal) (decimal.Decimal, error) {
	if amountEUR.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	quote := o.GetRate(ctx)
	return amountEUR.Div(quote.Rate).Round(8), nil
}

// ConvertBTCToEUR converts a positive BTC amount to EUR, rounded to cents.
func (o *Oracle) ConvertBTCToEUR(ctx context.Context, amountBTC decimal.Decimal) (decimal.Decimal, error) {
	if amountBTC.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	quote := o.GetRate(ctx)
	return amountBTC.Mul(quote.Rate).Round(2), nil
}

// CurrentRateInfo reports the cached rate, its source and age, and whether
// the breaker currently rejects live providers. It never triggers a fetch.
func (o *Oracle) CurrentRateInfo() RateInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	info := RateInfo{CircuitOpen: o.breaker.Open()}
	if o.cache != nil {
		info.Rate = o.cache.Rate
		info.Source = o.cache.Source
		info.Age = o.cache.Age()
	}
	return info
}
