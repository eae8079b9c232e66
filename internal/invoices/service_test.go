package invoices

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/internal/rates"
	"github.com/fiscalight/fiscalight/pkg/models"
)

type recordingTaxRecorder struct {
	calls      int
	eurAmounts []decimal.Decimal
	err        error
}

func (r *recordingTaxRecorder) PreRecord(ctx context.Context, inv *models.LightningInvoice, rate models.ExchangeRate, eurAmount decimal.Decimal, acquisitionCostEUR *decimal.Decimal) error {
	r.calls++
	r.eurAmounts = append(r.eurAmounts, eurAmount)
	return r.err
}

type serviceFixture struct {
	svc  *Service
	repo *GormRepository
	gw   *gateway.StubGateway
	bus  *eventbus.InMemoryBus
	tax  *recordingTaxRecorder
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)

	logger := zap.NewNop()
	gw := gateway.NewStubGateway(gateway.Config{RetryBackoff: time.Millisecond}, logger)
	oracle := rates.NewOracle(rates.Config{CacheTTL: time.Minute},
		[]rates.Provider{rates.NewStaticProvider(decimal.NewFromInt(45_000))}, logger, nil)
	bus := eventbus.NewInMemoryBus(logger, 16)
	tax := &recordingTaxRecorder{}

	return &serviceFixture{
		svc:  NewService(repo, gw, oracle, tax, bus, logger),
		repo: repo,
		gw:   gw,
		bus:  bus,
		tax:  tax,
	}
}

func TestMintInvoiceConvertsEURAtCurrentRate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inv, err := f.svc.MintInvoice(ctx, MintRequest{
		AmountEUR:   decimal.NewFromInt(100),
		Description: "fattura 2026/042",
	})
	require.NoError(t, err)

	// 100 EUR / 45000 EUR/BTC = 222222 sat after rounding.
	require.NotNil(t, inv.AmountMsat)
	assert.Equal(t, int64(222_222_000), *inv.AmountMsat)
	assert.Equal(t, models.InvoiceStatusPending, inv.Status)
	assert.True(t, models.ValidPaymentHash(inv.PaymentHash))

	stored, err := f.repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPending, stored.Status)
}

func TestMintInvoiceRejectsNonPositiveAmount(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.MintInvoice(context.Background(), MintRequest{AmountEUR: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.MintInvoice(context.Background(), MintRequest{AmountEUR: decimal.NewFromInt(-10)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMintInvoiceRejectsAmountBelowOneSatoshi(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// One millionth of a euro at 45000 EUR/BTC rounds to zero satoshi; a
	// zero msat invoice would be open-amount on the node.
	_, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.RequireFromString("0.000001")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, 0, f.tax.calls)

	// The smallest representable total at this rate is exactly one satoshi.
	inv, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.RequireFromString("0.00045")})
	require.NoError(t, err)
	require.NotNil(t, inv.AmountMsat)
	assert.Equal(t, int64(1000), *inv.AmountMsat)
}

func TestMintInvoiceTruncatesDescriptionOnRuneBoundary(t *testing.T) {
	f := newServiceFixture(t)

	// 400 two-byte runes: 800 bytes, and the 639-byte limit falls mid-rune.
	long := strings.Repeat("è", 400)
	inv, err := f.svc.MintInvoice(context.Background(), MintRequest{
		AmountEUR:   decimal.NewFromInt(50),
		Description: long,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(inv.Description), 639)
	assert.True(t, utf8.ValidString(inv.Description))
	assert.True(t, strings.HasPrefix(long, inv.Description))
}

func TestMintInvoiceSurvivesTaxRecorderFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.tax.err = errors.New("fiscal store down")

	inv, err := f.svc.MintInvoice(context.Background(), MintRequest{AmountEUR: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.Equal(t, 1, f.tax.calls)
	assert.True(t, f.tax.eurAmounts[0].Equal(decimal.NewFromInt(25)))

	_, err = f.repo.ByPaymentHash(context.Background(), inv.PaymentHash)
	assert.NoError(t, err)
}

func TestMintInvoiceFailsWhenNodeUnreachable(t *testing.T) {
	f := newServiceFixture(t)
	f.gw.FailNext(10)

	_, err := f.svc.MintInvoice(context.Background(), MintRequest{AmountEUR: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.True(t, gateway.IsConnectivityError(err))
	assert.Equal(t, 0, f.tax.calls, "tax hook must not run for a failed mint")
}

func TestMarkSettledIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	var settledEvents int
	require.NoError(t, f.bus.Subscribe(eventbus.EventPaymentSettled, "test", func(ctx context.Context, e eventbus.Event) error {
		settledEvents++
		return nil
	}))

	inv, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.NewFromInt(100)})
	require.NoError(t, err)

	settledAt := time.Now().Add(-time.Minute)
	st := gateway.SettlementStatus{Settled: true, SettledAt: &settledAt, Preimage: strings.Repeat("ab", 32)}

	updated, transitioned, err := f.svc.MarkSettled(ctx, inv.PaymentHash, st)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.InvoiceStatusSettled, updated.Status)
	require.NotNil(t, updated.SettledAt)
	assert.WithinDuration(t, settledAt, *updated.SettledAt, time.Second)

	// The polling monitor and the webhook path may both report the same
	// settlement; the second application must change nothing.
	again, transitioned, err := f.svc.MarkSettled(ctx, inv.PaymentHash, st)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.InvoiceStatusSettled, again.Status)
	assert.Equal(t, 1, settledEvents, "exactly one settlement event")
}

func TestMarkSettledUnknownHash(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.MarkSettled(context.Background(),
		strings.Repeat("cd", 32), gateway.SettlementStatus{Settled: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkExpiredOnlyAfterExpiry(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inv, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.NewFromInt(10), ExpirySeconds: 3600})
	require.NoError(t, err)

	transitioned, err := f.svc.MarkExpired(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.False(t, transitioned, "expiry is in the future")

	// Force the deadline into the past and retry.
	stored, err := f.repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.repo.Update(ctx, stored))

	transitioned, err = f.svc.MarkExpired(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.True(t, transitioned)

	stored, err = f.repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusExpired, stored.Status)
}

func TestSettledInvoiceNeverExpires(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inv, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, _, err = f.svc.MarkSettled(ctx, inv.PaymentHash, gateway.SettlementStatus{Settled: true})
	require.NoError(t, err)

	stored, err := f.repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.repo.Update(ctx, stored))

	transitioned, err := f.svc.MarkExpired(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.False(t, transitioned)

	stored, err = f.repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSettled, stored.Status)
}

func TestCancelFromTerminalStateIsAnError(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inv, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.NewFromInt(10)})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, inv.PaymentHash))

	err = f.svc.Cancel(ctx, inv.PaymentHash)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.InvoiceStatusCancelled, te.From)
}

func TestByAccountingInvoiceGroupsMints(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountingID := "FT-2026-042"

	for i := 0; i < 2; i++ {
		_, err := f.svc.MintInvoice(ctx, MintRequest{
			AmountEUR:           decimal.NewFromInt(50),
			AccountingInvoiceID: &accountingID,
		})
		require.NoError(t, err)
	}
	_, err := f.svc.MintInvoice(ctx, MintRequest{AmountEUR: decimal.NewFromInt(50)})
	require.NoError(t, err)

	invs, err := f.svc.ByAccountingInvoice(ctx, accountingID)
	require.NoError(t, err)
	assert.Len(t, invs, 2)
}
