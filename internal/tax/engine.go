// Package tax computes capital gains and AML compliance data for settled
// Lightning payments under Italian fiscal rules, and aggregates the annual
// reports.
package tax

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/internal/invoices"
	"github.com/fiscalight/fiscalight/pkg/models"
)

// Capital gains tax rates: 26% through tax year 2025, 33% from 2026.
var (
	rateThrough2025 = decimal.NewFromFloat(0.26)
	rateFrom2026    = decimal.NewFromFloat(0.33)
)

// TaxRateForYear returns the capital-gains tax rate applicable to a tax year.
func TaxRateForYear(year int) decimal.Decimal {
	if year <= 2025 {
		return rateThrough2025
	}
	return rateFrom2026
}

// Config holds the compliance settings.
type Config struct {
	AMLThresholdEUR decimal.Decimal
}

// Engine is the tax & compliance calculator. It owns the tax block of the
// invoice record and the AML flags.
type Engine struct {
	repo      invoices.Repository
	bus       eventbus.Bus
	threshold decimal.Decimal
	logger    *zap.Logger
}

// NewEngine creates the engine. A non-positive threshold falls back to the
// regulatory default of EUR 5,000.
func NewEngine(cfg Config, repo invoices.Repository, bus eventbus.Bus, logger *zap.Logger) *Engine {
	threshold := cfg.AMLThresholdEUR
	if threshold.LessThanOrEqual(decimal.Zero) {
		threshold = decimal.NewFromInt(5000)
	}
	return &Engine{
		repo:      repo,
		bus:       bus,
		threshold: threshold,
		logger:    logger,
	}
}

// PreRecord stores the BTC/EUR rate and declared EUR amount on a freshly
// minted invoice for later finalization, computes the capital gain when the
// acquisition cost is supplied, and runs the AML check. Implements
// invoices.TaxRecorder.
func (e *Engine) PreRecord(ctx context.Context, inv *models.LightningInvoice, rate models.ExchangeRate, eurAmount decimal.Decimal, acquisitionCostEUR *decimal.Decimal) error {
	inv.BTCEURRate = decimal.NewNullDecimal(rate.Rate)
	inv.EURAmountDeclared = decimal.NewNullDecimal(eurAmount.Round(2))
	if acquisitionCostEUR != nil {
		inv.AcquisitionCostEUR = decimal.NewNullDecimal(acquisitionCostEUR.Round(2))
		inv.CapitalGainEUR = decimal.NewNullDecimal(eurAmount.Sub(*acquisitionCostEUR).Round(2))
	}
	e.applyAMLCheck(ctx, inv, eurAmount)

	if err := e.repo.Update(ctx, inv); err != nil {
		return fmt.Errorf("failed to store tax pre-record: %w", err)
	}
	return nil
}

// ProcessSettledPayment finalizes the tax block of a settled invoice: it
// fills any missing declared amount from the settlement rate, recomputes the
// capital gain, reruns the AML check and emits the tax events.
func (e *Engine) ProcessSettledPayment(ctx context.Context, paymentHash string) error {
	inv, err := e.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}
	if inv.Status != models.InvoiceStatusSettled || inv.SettledAt == nil {
		return fmt.Errorf("invoice %s is not settled", paymentHash)
	}

	// Derive the declared EUR amount from the invoice amount and the
	// recorded rate when the mint-time pre-record was skipped or failed.
	if !inv.EURAmountDeclared.Valid && inv.BTCEURRate.Valid && inv.AmountMsat != nil {
		btc := decimal.NewFromInt(*inv.AmountMsat).Div(decimal.NewFromInt(100_000_000_000))
		inv.EURAmountDeclared = decimal.NewNullDecimal(btc.Mul(inv.BTCEURRate.Decimal).Round(2))
	}
	if !inv.EURAmountDeclared.Valid {
		return fmt.Errorf("invoice %s has no declared EUR amount and no recorded rate", paymentHash)
	}
	eurAmount := inv.EURAmountDeclared.Decimal

	// Capital gain is defined only when the acquisition cost is known; the
	// accounting layer must supply it, the engine never infers it.
	if inv.AcquisitionCostEUR.Valid {
		inv.CapitalGainEUR = decimal.NewNullDecimal(eurAmount.Sub(inv.AcquisitionCostEUR.Decimal).Round(2))
	}
	e.applyAMLCheck(ctx, inv, eurAmount)

	if err := e.repo.Update(ctx, inv); err != nil {
		return fmt.Errorf("failed to store tax data: %w", err)
	}

	var gainPtr *decimal.Decimal
	if inv.CapitalGainEUR.Valid {
		gain := inv.CapitalGainEUR.Decimal
		gainPtr = &gain
	}
	_ = e.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTaxDataStored, "tax", inv.PaymentHash,
		eventbus.TaxDataStoredPayload{
			PaymentHash:    inv.PaymentHash,
			EURAmount:      eurAmount,
			BTCEURRate:     inv.BTCEURRate.Decimal,
			CapitalGainEUR: gainPtr,
		}))

	// Only positive gains are taxable events.
	if inv.CapitalGainEUR.Valid && inv.CapitalGainEUR.Decimal.IsPositive() {
		_ = e.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventPaymentTaxable, "tax", inv.PaymentHash,
			eventbus.PaymentTaxablePayload{
				PaymentHash: inv.PaymentHash,
				TaxYear:     inv.SettlementYear(),
				GainEUR:     inv.CapitalGainEUR.Decimal,
			}))
	}

	e.logger.Info("tax data stored",
		zap.String("payment_hash", inv.PaymentHash),
		zap.String("eur_amount", eurAmount.String()))
	return nil
}

// applyAMLCheck flags the invoice when the declared amount meets the
// threshold and raises an alert while verification is outstanding. The
// exceeds flag, once set, is never cleared here.
func (e *Engine) applyAMLCheck(ctx context.Context, inv *models.LightningInvoice, eurAmount decimal.Decimal) {
	if eurAmount.LessThan(e.threshold) {
		return
	}
	inv.ExceedsAMLThreshold = true
	if inv.AMLVerified {
		return
	}
	_ = e.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventAMLAlert, "tax", inv.PaymentHash,
		eventbus.AMLAlertPayload{
			PaymentHash:          inv.PaymentHash,
			AccountingInvoiceID:  inv.AccountingInvoiceID,
			EURAmount:            eurAmount,
			ThresholdEUR:         e.threshold,
			VerificationRequired: true,
		}))
	e.logger.Warn("payment exceeds AML threshold, verification outstanding",
		zap.String("payment_hash", inv.PaymentHash),
		zap.String("eur_amount", eurAmount.String()),
		zap.String("threshold_eur", e.threshold.String()))
}

// MarkAMLVerified records the explicit identity-verification action for an
// over-threshold payment and emits the AML-verified event.
func (e *Engine) MarkAMLVerified(ctx context.Context, paymentHash string) error {
	inv, err := e.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}
	if inv.AMLVerified {
		return nil
	}
	now := time.Now()
	inv.AMLVerified = true
	inv.AMLVerifiedAt = &now
	if err := e.repo.Update(ctx, inv); err != nil {
		return fmt.Errorf("failed to store AML verification: %w", err)
	}

	_ = e.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventAMLVerified, "tax", inv.PaymentHash,
		eventbus.AMLVerifiedPayload{PaymentHash: inv.PaymentHash, VerifiedAt: now}))

	e.logger.Info("AML verification recorded", zap.String("payment_hash", paymentHash))
	return nil
}

// Threshold returns the configured AML threshold.
func (e *Engine) Threshold() decimal.Decimal {
	return e.threshold
}

// settledInYear loads all settled invoices of a calendar year.
func (e *Engine) settledInYear(ctx context.Context, year int) ([]*models.LightningInvoice, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year, time.December, 31, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	return e.repo.BySettlementDateRange(ctx, from, to)
}
