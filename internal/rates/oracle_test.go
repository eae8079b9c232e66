package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider counts its calls and returns a fixed rate or error.
type fakeProvider struct {
	name  string
	rate  decimal.Decimal
	err   error
	calls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	p.calls++
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.rate, nil
}

func newTestOracle(providers []Provider, cfg Config) *Oracle {
	if cfg.FallbackRate.IsZero() {
		cfg.FallbackRate = decimal.NewFromInt(40_000)
	}
	if cfg.MinRequestInterval == 0 {
		cfg.MinRequestInterval = time.Nanosecond
	}
	return NewOracle(cfg, providers, zap.NewNop(), nil)
}

func TestGetRateUsesFirstValidProvider(t *testing.T) {
	primary := &fakeProvider{name: "free", rate: decimal.NewFromInt(45_000)}
	secondary := &fakeProvider{name: "paid", rate: decimal.NewFromInt(46_000)}
	o := newTestOracle([]Provider{primary, secondary}, Config{})

	quote := o.GetRate(context.Background())
	assert.Equal(t, "free", quote.Source)
	assert.True(t, quote.Rate.Equal(decimal.NewFromInt(45_000)))
	assert.Zero(t, secondary.calls, "second provider must not be called")
}

func TestGetRateCachesWithinTTL(t *testing.T) {
	p := &fakeProvider{name: "free", rate: decimal.NewFromInt(45_000)}
	o := newTestOracle([]Provider{p}, Config{CacheTTL: time.Minute})

	o.GetRate(context.Background())
	o.GetRate(context.Background())
	assert.Equal(t, 1, p.calls, "second lookup must hit the cache")
}

func TestGetRateFallsThroughToSecondProvider(t *testing.T) {
	broken := &fakeProvider{name: "free", err: errors.New("down")}
	paid := &fakeProvider{name: "paid", rate: decimal.NewFromInt(44_500)}
	o := newTestOracle([]Provider{broken, paid}, Config{})

	quote := o.GetRate(context.Background())
	assert.Equal(t, "paid", quote.Source)
}

func TestOutOfBandRateNeverReturned(t *testing.T) {
	tooLow := &fakeProvider{name: "low", rate: decimal.NewFromInt(9_999)}
	tooHigh := &fakeProvider{name: "high", rate: decimal.NewFromInt(200_001)}
	o := newTestOracle([]Provider{tooLow, tooHigh}, Config{})

	quote := o.GetRate(context.Background())
	assert.Equal(t, "static-fallback", quote.Source)
	assert.True(t, quote.Rate.Equal(decimal.NewFromInt(40_000)))

	// The bogus quote must not have been cached either.
	info := o.CurrentRateInfo()
	assert.True(t, info.Rate.IsZero())
}

func TestAllProvidersDownFallsBackToStatic(t *testing.T) {
	broken := &fakeProvider{name: "free", err: errors.New("down")}
	o := newTestOracle([]Provider{broken}, Config{
		FallbackRate: decimal.NewFromInt(42_000),
	})

	quote := o.GetRate(context.Background())
	assert.Equal(t, "static-fallback", quote.Source)
	assert.True(t, quote.Rate.Equal(decimal.NewFromInt(42_000)))
}

func TestBreakerSkipsProvidersWhileOpen(t *testing.T) {
	broken := &fakeProvider{name: "free", err: errors.New("down")}
	o := newTestOracle([]Provider{broken}, Config{
		BreakerMaxFailures: 1,
		BreakerOpenTimeout: 50 * time.Millisecond,
	})

	o.GetRate(context.Background())
	assert.Equal(t, 1, broken.calls)
	assert.True(t, o.CurrentRateInfo().CircuitOpen)

	// While open the provider is not touched.
	o.GetRate(context.Background())
	assert.Equal(t, 1, broken.calls)

	// After the cooldown exactly one trial resolution goes through.
	time.Sleep(60 * time.Millisecond)
	broken.err = nil
	broken.rate = decimal.NewFromInt(45_000)
	quote := o.GetRate(context.Background())
	assert.Equal(t, 2, broken.calls)
	assert.Equal(t, "free", quote.Source)
	assert.False(t, o.CurrentRateInfo().CircuitOpen)
}

func TestConvertRoundTripWithinOneCent(t *testing.T) {
	p := &fakeProvider{name: "free", rate: decimal.NewFromInt(45_000)}
	o := newTestOracle([]Provider{p}, Config{CacheTTL: time.Minute})
	ctx := context.Background()

	for _, amount := range []string{"0.01", "1", "99.99", "123.45", "5000", "48211.37"} {
		eur := decimal.RequireFromString(amount)
		btc, err := o.ConvertEURToBTC(ctx, eur)
		require.NoError(t, err)
		back, err := o.ConvertBTCToEUR(ctx, btc)
		require.NoError(t, err)

		diff := back.Sub(eur).Abs()
		assert.True(t, diff.LessThanOrEqual(decimal.NewFromFloat(0.01)),
			"round trip of %s drifted by %s", amount, diff)
	}
}

func TestConvertRejectsNonPositiveAmounts(t *testing.T) {
	o := newTestOracle(nil, Config{})
	ctx := context.Background()

	_, err := o.ConvertEURToBTC(ctx, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = o.ConvertEURToBTC(ctx, decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = o.ConvertBTCToEUR(ctx, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConvertRounding(t *testing.T) {
	p := &fakeProvider{name: "free", rate: decimal.NewFromInt(45_000)}
	o := newTestOracle([]Provider{p}, Config{CacheTTL: time.Minute})
	ctx := context.Background()

	btc, err := o.ConvertEURToBTC(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "0.00222222", btc.StringFixed(8))

	eur, err := o.ConvertBTCToEUR(ctx, decimal.NewFromFloat(0.5))
	require.NoError(t, err)
	assert.Equal(t, "22500.00", eur.StringFixed(2))
}

func TestCurrentRateInfoReportsAge(t *testing.T) {
	p := &fakeProvider{name: "free", rate: decimal.NewFromInt(45_000)}
	o := newTestOracle([]Provider{p}, Config{CacheTTL: time.Minute})

	o.GetRate(context.Background())
	info := o.CurrentRateInfo()
	assert.Equal(t, "free", info.Source)
	assert.GreaterOrEqual(t, info.Age, time.Duration(0))
	assert.Less(t, info.Age, time.Minute)
	assert.False(t, info.CircuitOpen)
}
