// Package models defines the persisted records and value objects shared by the
// Lightning settlement and fiscal-compliance services.
package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the lifecycle state of a Lightning invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusSettled   InvoiceStatus = "settled"
	InvoiceStatusExpired   InvoiceStatus = "expired"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Terminal reports whether no further transition is defined out of the status.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusSettled || s == InvoiceStatusExpired || s == InvoiceStatusCancelled
}

var paymentHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidPaymentHash reports whether h is a well-formed 64-character hex payment hash.
func ValidPaymentHash(h string) bool {
	return paymentHashRe.MatchString(h)
}

// LightningInvoice is the record of a single Lightning invoice together with
// its settlement data and fiscal tax block. It is owned exclusively by the
// settlement engine; the accounting layer only holds the weak back-reference
// in AccountingInvoiceID. Records are never hard-deleted, only transitioned
// to terminal states.
type LightningInvoice struct {
	PaymentHash    string        `gorm:"primaryKey;size:64" json:"payment_hash"`
	PaymentRequest string        `gorm:"type:text" json:"payment_request"`
	AmountMsat     *int64        `json:"amount_msat,omitempty"` // nil for "any amount" invoices
	Description    string        `gorm:"size:1024" json:"description"`
	Status         InvoiceStatus `gorm:"size:16;index" json:"status"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// Settlement data, written by the settlement monitor.
	SettledAt   *time.Time `gorm:"index" json:"settled_at,omitempty"`
	Preimage    string     `gorm:"size:64" json:"preimage,omitempty"`
	FeePaidMsat int64      `json:"fee_paid_msat"`

	// Weak link to the accounting invoice this payment settles, if any.
	AccountingInvoiceID *string `gorm:"size:64;index" json:"accounting_invoice_id,omitempty"`

	// Tax block, written by the tax & compliance engine.
	// Explicit column name: gorm's naming strategy would otherwise collapse
	// the initialism run to btceur_rate.
	BTCEURRate          decimal.NullDecimal `gorm:"column:btc_eur_rate;type:decimal(20,8)" json:"btc_eur_rate,omitempty"`
	EURAmountDeclared   decimal.NullDecimal `gorm:"type:decimal(20,2)" json:"eur_amount_declared,omitempty"`
	AcquisitionCostEUR  decimal.NullDecimal `gorm:"type:decimal(20,2)" json:"acquisition_cost_eur,omitempty"`
	CapitalGainEUR      decimal.NullDecimal `gorm:"type:decimal(20,2)" json:"capital_gain_eur,omitempty"`
	ExceedsAMLThreshold bool                `gorm:"index" json:"exceeds_aml_threshold"`
	AMLVerified         bool                `json:"aml_verified"`
	AMLVerifiedAt       *time.Time          `json:"aml_verified_at,omitempty"`
}

// TableName overrides the default gorm table name.
func (LightningInvoice) TableName() string {
	return "lightning_invoices"
}

// HasTaxData reports whether the settlement tax block has been finalized.
func (i *LightningInvoice) HasTaxData() bool {
	return i.BTCEURRate.Valid && i.EURAmountDeclared.Valid
}

// SettlementYear returns the calendar year of settlement, or 0 when unsettled.
func (i *LightningInvoice) SettlementYear() int {
	if i.SettledAt == nil {
		return 0
	}
	return i.SettledAt.Year()
}

// ExchangeRate is a point-in-time BTC/EUR rate quote. It lives only in the
// oracle's cache and is never persisted.
type ExchangeRate struct {
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTL       time.Duration   `json:"ttl"`
}

// Expired reports whether the quote has outlived its TTL.
func (r ExchangeRate) Expired() bool {
	return time.Since(r.FetchedAt) >= r.TTL
}

// Age returns how long ago the quote was fetched.
func (r ExchangeRate) Age() time.Duration {
	return time.Since(r.FetchedAt)
}

// ChannelInfo is a read-only snapshot of one Lightning channel as reported by
// the node. It is never persisted.
type ChannelInfo struct {
	ChannelID        uint64 `json:"channel_id"`
	RemotePubkey     string `json:"remote_pubkey"`
	CapacitySat      int64  `json:"capacity_sat"`
	LocalBalanceSat  int64  `json:"local_balance_sat"`
	RemoteBalanceSat int64  `json:"remote_balance_sat"`
	Active           bool   `json:"active"`
}

// OutboundRatio returns the share of channel capacity spendable locally.
func (c ChannelInfo) OutboundRatio() float64 {
	if c.CapacitySat <= 0 {
		return 0
	}
	return float64(c.LocalBalanceSat) / float64(c.CapacitySat)
}

// InboundRatio returns the share of channel capacity receivable remotely.
func (c ChannelInfo) InboundRatio() float64 {
	if c.CapacitySat <= 0 {
		return 0
	}
	return float64(c.RemoteBalanceSat) / float64(c.CapacitySat)
}

// ChannelMetrics carries the computed per-channel liquidity ratios produced by
// the liquidity analyzer.
type ChannelMetrics struct {
	ChannelID      uint64  `json:"channel_id"`
	RemotePubkey   string  `json:"remote_pubkey"`
	CapacitySat    int64   `json:"capacity_sat"`
	InboundRatio   float64 `json:"inbound_ratio"`
	OutboundRatio  float64 `json:"outbound_ratio"`
	ImbalanceScore float64 `json:"imbalance_score"`
}

// NodeInfo is a read-only snapshot of the connected node's identity and state.
type NodeInfo struct {
	Pubkey            string `json:"pubkey"`
	Alias             string `json:"alias"`
	Network           string `json:"network"`
	SyncedToChain     bool   `json:"synced_to_chain"`
	NumActiveChannels uint32 `json:"num_active_channels"`
	BlockHeight       uint32 `json:"block_height"`
}

// CapitalGain is the derived taxable result of one settled payment. It is
// recomputed on demand and never independently stored.
type CapitalGain struct {
	PaymentHash        string          `json:"payment_hash"`
	SettledAt          time.Time       `json:"settled_at"`
	EURAmount          decimal.Decimal `json:"eur_amount"`
	AcquisitionCostEUR decimal.Decimal `json:"acquisition_cost_eur"`
	GainEUR            decimal.Decimal `json:"gain_eur"`
	Taxable            bool            `json:"taxable"`
}

// QuadroRWData aggregates the crypto-asset holdings figures needed for the
// Italian Quadro RW declaration section of a tax year.
type QuadroRWData struct {
	Year               int             `json:"year"`
	PaymentsReceived   int             `json:"payments_received"`
	TotalBTCReceived   decimal.Decimal `json:"total_btc_received"`
	TotalEURValue      decimal.Decimal `json:"total_eur_value"`
	AverageBTCEURRate  decimal.Decimal `json:"average_btc_eur_rate"`
	MaxSinglePaymentEU decimal.Decimal `json:"max_single_payment_eur"`
}
