package tax

import (
	"bytes"
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// TaxYearSummary aggregates the fiscal figures of one tax year. All report
// types are pure functions of the settled invoices in the year.
type TaxYearSummary struct {
	Year                 int                 `json:"year"`
	TaxRate              decimal.Decimal     `json:"tax_rate"`
	SettledCount         int                 `json:"settled_count"`
	TotalRevenueEUR      decimal.Decimal     `json:"total_revenue_eur"`
	TotalCapitalGainsEUR decimal.Decimal     `json:"total_capital_gains_eur"`
	TotalTaxOwedEUR      decimal.Decimal     `json:"total_tax_owed_eur"`
	AveragePaymentEUR    decimal.Decimal     `json:"average_payment_eur"`
	MaxPaymentEUR        decimal.Decimal     `json:"max_payment_eur"`
	AMLAlertCount        int                 `json:"aml_alert_count"`
	AMLVerifiedCount     int                 `json:"aml_verified_count"`
	UnverifiedPayments   []UnverifiedPayment `json:"unverified_payments"`
}

// UnverifiedPayment is an over-threshold payment still awaiting identity
// verification.
type UnverifiedPayment struct {
	PaymentHash         string          `json:"payment_hash"`
	AccountingInvoiceID *string         `json:"accounting_invoice_id,omitempty"`
	EURAmount           decimal.Decimal `json:"eur_amount"`
	SettledAt           time.Time       `json:"settled_at"`
	DaysSinceSettlement int             `json:"days_since_settlement"`
}

// GenerateTaxYearSummary scans all settled invoices within the calendar year
// and computes the annual fiscal aggregate.
func (e *Engine) GenerateTaxYearSummary(ctx context.Context, year int) (*TaxYearSummary, error) {
	invs, err := e.settledInYear(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled invoices for %d: %w", year, err)
	}

	summary := &TaxYearSummary{
		Year:               year,
		TaxRate:            TaxRateForYear(year),
		UnverifiedPayments: []UnverifiedPayment{},
	}

	now := time.Now()
	for _, inv := range invs {
		if !inv.EURAmountDeclared.Valid {
			continue
		}
		amount := inv.EURAmountDeclared.Decimal
		summary.SettledCount++
		summary.TotalRevenueEUR = summary.TotalRevenueEUR.Add(amount)
		if amount.GreaterThan(summary.MaxPaymentEUR) {
			summary.MaxPaymentEUR = amount
		}
		if inv.CapitalGainEUR.Valid {
			summary.TotalCapitalGainsEUR = summary.TotalCapitalGainsEUR.Add(inv.CapitalGainEUR.Decimal)
		}
		if inv.ExceedsAMLThreshold {
			summary.AMLAlertCount++
			if inv.AMLVerified {
				summary.AMLVerifiedCount++
			} else {
				summary.UnverifiedPayments = append(summary.UnverifiedPayments, UnverifiedPayment{
					PaymentHash:         inv.PaymentHash,
					AccountingInvoiceID: inv.AccountingInvoiceID,
					EURAmount:           amount,
					SettledAt:           *inv.SettledAt,
					DaysSinceSettlement: int(now.Sub(*inv.SettledAt).Hours() / 24),
				})
			}
		}
	}

	if summary.SettledCount > 0 {
		summary.AveragePaymentEUR = summary.TotalRevenueEUR.
			Div(decimal.NewFromInt(int64(summary.SettledCount))).Round(2)
	}
	// Losses offset gains inside the year; tax is owed on a positive net only.
	if summary.TotalCapitalGainsEUR.IsPositive() {
		summary.TotalTaxOwedEUR = summary.TotalCapitalGainsEUR.Mul(summary.TaxRate).Round(2)
	}

	return summary, nil
}

// RenderText renders the summary as an aligned text table.
func (s *TaxYearSummary) RenderText() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Tax year summary\t%d\n", s.Year)
	fmt.Fprintf(w, "Settled payments\t%d\n", s.SettledCount)
	fmt.Fprintf(w, "Total revenue\t%s EUR\n", s.TotalRevenueEUR.StringFixed(2))
	fmt.Fprintf(w, "Total capital gains\t%s EUR\n", s.TotalCapitalGainsEUR.StringFixed(2))
	fmt.Fprintf(w, "Tax rate\t%s%%\n", s.TaxRate.Mul(decimal.NewFromInt(100)).StringFixed(0))
	fmt.Fprintf(w, "Tax owed\t%s EUR\n", s.TotalTaxOwedEUR.StringFixed(2))
	fmt.Fprintf(w, "Average payment\t%s EUR\n", s.AveragePaymentEUR.StringFixed(2))
	fmt.Fprintf(w, "Largest payment\t%s EUR\n", s.MaxPaymentEUR.StringFixed(2))
	fmt.Fprintf(w, "AML alerts\t%d (verified %d)\n", s.AMLAlertCount, s.AMLVerifiedCount)
	for _, p := range s.UnverifiedPayments {
		fmt.Fprintf(w, "  unverified\t%s\t%s EUR\t%d days\n",
			shortHash(p.PaymentHash), p.EURAmount.StringFixed(2), p.DaysSinceSettlement)
	}
	w.Flush()
	return buf.String()
}

// QuadroRWReport carries the crypto-asset figures for the Quadro RW section
// of the Italian tax declaration.
type QuadroRWReport struct {
	Data models.QuadroRWData `json:"data"`
}

// GenerateQuadroRWReport computes total BTC received and its EUR value over
// the tax year for the foreign/crypto asset holdings declaration.
func (e *Engine) GenerateQuadroRWReport(ctx context.Context, year int) (*QuadroRWReport, error) {
	invs, err := e.settledInYear(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled invoices for %d: %w", year, err)
	}

	data := models.QuadroRWData{Year: year}
	var rateSum decimal.Decimal
	var rateCount int64
	for _, inv := range invs {
		if inv.AmountMsat == nil || !inv.EURAmountDeclared.Valid {
			continue
		}
		btc := decimal.NewFromInt(*inv.AmountMsat).Div(decimal.NewFromInt(100_000_000_000))
		data.PaymentsReceived++
		data.TotalBTCReceived = data.TotalBTCReceived.Add(btc)
		data.TotalEURValue = data.TotalEURValue.Add(inv.EURAmountDeclared.Decimal)
		if inv.EURAmountDeclared.Decimal.GreaterThan(data.MaxSinglePaymentEU) {
			data.MaxSinglePaymentEU = inv.EURAmountDeclared.Decimal
		}
		if inv.BTCEURRate.Valid {
			rateSum = rateSum.Add(inv.BTCEURRate.Decimal)
			rateCount++
		}
	}
	if rateCount > 0 {
		data.AverageBTCEURRate = rateSum.Div(decimal.NewFromInt(rateCount)).Round(2)
	}
	data.TotalBTCReceived = data.TotalBTCReceived.Round(8)
	data.TotalEURValue = data.TotalEURValue.Round(2)

	return &QuadroRWReport{Data: data}, nil
}

// RenderText renders the Quadro RW figures as an aligned text table.
func (r *QuadroRWReport) RenderText() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Quadro RW\t%d\n", r.Data.Year)
	fmt.Fprintf(w, "Payments received\t%d\n", r.Data.PaymentsReceived)
	fmt.Fprintf(w, "Total BTC received\t%s BTC\n", r.Data.TotalBTCReceived.StringFixed(8))
	fmt.Fprintf(w, "Total EUR value\t%s EUR\n", r.Data.TotalEURValue.StringFixed(2))
	fmt.Fprintf(w, "Average BTC/EUR rate\t%s\n", r.Data.AverageBTCEURRate.StringFixed(2))
	fmt.Fprintf(w, "Largest payment\t%s EUR\n", r.Data.MaxSinglePaymentEU.StringFixed(2))
	w.Flush()
	return buf.String()
}

// AMLComplianceReport lists the year's over-threshold payments and their
// verification state.
type AMLComplianceReport struct {
	Year               int                 `json:"year"`
	ThresholdEUR       decimal.Decimal     `json:"threshold_eur"`
	FlaggedCount       int                 `json:"flagged_count"`
	VerifiedCount      int                 `json:"verified_count"`
	UnverifiedPayments []UnverifiedPayment `json:"unverified_payments"`
}

// GenerateAMLComplianceReport aggregates the AML verification state of the
// year's flagged payments.
func (e *Engine) GenerateAMLComplianceReport(ctx context.Context, year int) (*AMLComplianceReport, error) {
	invs, err := e.settledInYear(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled invoices for %d: %w", year, err)
	}

	report := &AMLComplianceReport{
		Year:               year,
		ThresholdEUR:       e.threshold,
		UnverifiedPayments: []UnverifiedPayment{},
	}
	now := time.Now()
	for _, inv := range invs {
		if !inv.ExceedsAMLThreshold {
			continue
		}
		report.FlaggedCount++
		if inv.AMLVerified {
			report.VerifiedCount++
			continue
		}
		amount := decimal.Zero
		if inv.EURAmountDeclared.Valid {
			amount = inv.EURAmountDeclared.Decimal
		}
		report.UnverifiedPayments = append(report.UnverifiedPayments, UnverifiedPayment{
			PaymentHash:         inv.PaymentHash,
			AccountingInvoiceID: inv.AccountingInvoiceID,
			EURAmount:           amount,
			SettledAt:           *inv.SettledAt,
			DaysSinceSettlement: int(now.Sub(*inv.SettledAt).Hours() / 24),
		})
	}
	return report, nil
}

// RenderText renders the AML report as an aligned text table.
func (r *AMLComplianceReport) RenderText() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "AML compliance\t%d\n", r.Year)
	fmt.Fprintf(w, "Threshold\t%s EUR\n", r.ThresholdEUR.StringFixed(2))
	fmt.Fprintf(w, "Flagged payments\t%d\n", r.FlaggedCount)
	fmt.Fprintf(w, "Verified\t%d\n", r.VerifiedCount)
	fmt.Fprintf(w, "Outstanding\t%d\n", len(r.UnverifiedPayments))
	for _, p := range r.UnverifiedPayments {
		fmt.Fprintf(w, "  %s\t%s EUR\t%d days\n",
			shortHash(p.PaymentHash), p.EURAmount.StringFixed(2), p.DaysSinceSettlement)
	}
	w.Flush()
	return buf.String()
}

// CapitalGainsReport lists the year's per-payment capital gains.
type CapitalGainsReport struct {
	Year         int                  `json:"year"`
	TaxRate      decimal.Decimal      `json:"tax_rate"`
	Gains        []models.CapitalGain `json:"gains"`
	TotalGainEUR decimal.Decimal      `json:"total_gain_eur"`
	TaxOwedEUR   decimal.Decimal      `json:"tax_owed_eur"`
}

// GenerateCapitalGainsReport recomputes the per-payment gains of the year.
// Invoices without a known acquisition cost are excluded: their gain is
// undefined, not zero.
func (e *Engine) GenerateCapitalGainsReport(ctx context.Context, year int) (*CapitalGainsReport, error) {
	invs, err := e.settledInYear(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled invoices for %d: %w", year, err)
	}

	report := &CapitalGainsReport{
		Year:    year,
		TaxRate: TaxRateForYear(year),
		Gains:   []models.CapitalGain{},
	}
	for _, inv := range invs {
		if !inv.CapitalGainEUR.Valid || !inv.EURAmountDeclared.Valid || !inv.AcquisitionCostEUR.Valid {
			continue
		}
		gain := inv.CapitalGainEUR.Decimal
		report.Gains = append(report.Gains, models.CapitalGain{
			PaymentHash:        inv.PaymentHash,
			SettledAt:          *inv.SettledAt,
			EURAmount:          inv.EURAmountDeclared.Decimal,
			AcquisitionCostEUR: inv.AcquisitionCostEUR.Decimal,
			GainEUR:            gain,
			Taxable:            gain.IsPositive(),
		})
		report.TotalGainEUR = report.TotalGainEUR.Add(gain)
	}
	if report.TotalGainEUR.IsPositive() {
		report.TaxOwedEUR = report.TotalGainEUR.Mul(report.TaxRate).Round(2)
	}
	return report, nil
}

// RenderText renders the capital-gains report as an aligned text table.
func (r *CapitalGainsReport) RenderText() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Capital gains\t%d\n", r.Year)
	fmt.Fprintf(w, "hash\tproceeds\tcost\tgain\ttaxable\n")
	for _, g := range r.Gains {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			shortHash(g.PaymentHash),
			g.EURAmount.StringFixed(2),
			g.AcquisitionCostEUR.StringFixed(2),
			g.GainEUR.StringFixed(2),
			g.Taxable)
	}
	fmt.Fprintf(w, "Total\t\t\t%s\t\n", r.TotalGainEUR.StringFixed(2))
	fmt.Fprintf(w, "Tax owed\t\t\t%s\t\n", r.TaxOwedEUR.StringFixed(2))
	w.Flush()
	return buf.String()
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "…"
}
