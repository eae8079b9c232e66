package eventbus

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceCreatedPayload accompanies EventInvoiceCreated.
type InvoiceCreatedPayload struct {
	PaymentHash         string    `json:"payment_hash"`
	PaymentRequest      string    `json:"payment_request"`
	AmountMsat          *int64    `json:"amount_msat,omitempty"`
	AccountingInvoiceID *string   `json:"accounting_invoice_id,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// PaymentSettledPayload accompanies EventPaymentSettled.
type PaymentSettledPayload struct {
	PaymentHash         string    `json:"payment_hash"`
	SettledAt           time.Time `json:"settled_at"`
	AmountMsat          *int64    `json:"amount_msat,omitempty"`
	FeePaidMsat         int64     `json:"fee_paid_msat"`
	AccountingInvoiceID *string   `json:"accounting_invoice_id,omitempty"`
}

// InvoiceExpiredPayload accompanies EventInvoiceExpired.
type InvoiceExpiredPayload struct {
	PaymentHash         string    `json:"payment_hash"`
	ExpiredAt           time.Time `json:"expired_at"`
	AccountingInvoiceID *string   `json:"accounting_invoice_id,omitempty"`
}

// ChannelEventPayload accompanies EventChannelOpened and EventChannelClosed.
type ChannelEventPayload struct {
	ChannelID    uint64 `json:"channel_id"`
	RemotePubkey string `json:"remote_pubkey,omitempty"`
	CapacitySat  int64  `json:"capacity_sat,omitempty"`
}

// LiquidityAlertPayload accompanies EventLiquidityAlert.
type LiquidityAlertPayload struct {
	Severity   string   `json:"severity"` // "critical" or "warning"
	Reason     string   `json:"reason"`
	ChannelIDs []uint64 `json:"channel_ids"`
}

// AMLAlertPayload accompanies EventAMLAlert.
type AMLAlertPayload struct {
	PaymentHash          string          `json:"payment_hash"`
	AccountingInvoiceID  *string         `json:"accounting_invoice_id,omitempty"`
	EURAmount            decimal.Decimal `json:"eur_amount"`
	ThresholdEUR         decimal.Decimal `json:"threshold_eur"`
	VerificationRequired bool            `json:"verification_required"`
}

// AMLVerifiedPayload accompanies EventAMLVerified.
type AMLVerifiedPayload struct {
	PaymentHash string    `json:"payment_hash"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// TaxDataStoredPayload accompanies EventTaxDataStored.
type TaxDataStoredPayload struct {
	PaymentHash    string           `json:"payment_hash"`
	EURAmount      decimal.Decimal  `json:"eur_amount"`
	BTCEURRate     decimal.Decimal  `json:"btc_eur_rate"`
	CapitalGainEUR *decimal.Decimal `json:"capital_gain_eur,omitempty"`
}

// PaymentTaxablePayload accompanies EventPaymentTaxable.
type PaymentTaxablePayload struct {
	PaymentHash string          `json:"payment_hash"`
	TaxYear     int             `json:"tax_year"`
	GainEUR     decimal.Decimal `json:"gain_eur"`
}
