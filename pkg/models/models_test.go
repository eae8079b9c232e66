package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, InvoiceStatusPending.Terminal())
	assert.True(t, InvoiceStatusSettled.Terminal())
	assert.True(t, InvoiceStatusExpired.Terminal())
	assert.True(t, InvoiceStatusCancelled.Terminal())
}

func TestValidPaymentHash(t *testing.T) {
	assert.True(t, ValidPaymentHash(strings.Repeat("ab", 32)))
	assert.True(t, ValidPaymentHash(strings.Repeat("09", 32)))

	assert.False(t, ValidPaymentHash(""))
	assert.False(t, ValidPaymentHash(strings.Repeat("ab", 31)))
	assert.False(t, ValidPaymentHash(strings.Repeat("ab", 33)))
	assert.False(t, ValidPaymentHash(strings.Repeat("AB", 32)), "uppercase hex is rejected")
	assert.False(t, ValidPaymentHash(strings.Repeat("zz", 32)))
}

func TestExchangeRateExpiry(t *testing.T) {
	fresh := ExchangeRate{FetchedAt: time.Now(), TTL: time.Minute}
	assert.False(t, fresh.Expired())

	stale := ExchangeRate{FetchedAt: time.Now().Add(-2 * time.Minute), TTL: time.Minute}
	assert.True(t, stale.Expired())
	assert.Greater(t, stale.Age(), time.Minute)
}

func TestChannelRatios(t *testing.T) {
	ch := ChannelInfo{CapacitySat: 1_000_000, LocalBalanceSat: 800_000, RemoteBalanceSat: 200_000}
	assert.InDelta(t, 0.8, ch.OutboundRatio(), 1e-9)
	assert.InDelta(t, 0.2, ch.InboundRatio(), 1e-9)

	// Zero capacity must not divide by zero.
	empty := ChannelInfo{}
	assert.Zero(t, empty.OutboundRatio())
	assert.Zero(t, empty.InboundRatio())
}

func TestSettlementYear(t *testing.T) {
	inv := &LightningInvoice{}
	assert.Zero(t, inv.SettlementYear())

	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	inv.SettledAt = &at
	assert.Equal(t, 2026, inv.SettlementYear())
}
