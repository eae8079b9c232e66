// Package invoices holds the Lightning invoice record store and the
// lifecycle state machine: PENDING is the only state with outgoing
// transitions, to SETTLED, EXPIRED or CANCELLED.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/internal/rates"
	"github.com/fiscalight/fiscalight/pkg/models"
)

// Lightning protocol limit for invoice memos.
const maxDescriptionBytes = 639

// ErrInvalidAmount rejects mints of non-positive EUR totals.
var ErrInvalidAmount = errors.New("invoice amount must be positive")

// TransitionError reports an attempted transition out of a terminal state.
type TransitionError struct {
	PaymentHash string
	From        models.InvoiceStatus
	To          models.InvoiceStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invoice %s: illegal transition %s -> %s", e.PaymentHash, e.From, e.To)
}

// TaxRecorder is the best-effort fiscal bookkeeping hook invoked after a
// successful mint. Failures are logged and never block invoice creation.
type TaxRecorder interface {
	PreRecord(ctx context.Context, inv *models.LightningInvoice, rate models.ExchangeRate, eurAmount decimal.Decimal, acquisitionCostEUR *decimal.Decimal) error
}

// MintRequest asks for a new Lightning invoice covering an EUR total.
type MintRequest struct {
	AmountEUR           decimal.Decimal
	Description         string
	ExpirySeconds       int64
	AccountingInvoiceID *string
	// AcquisitionCostEUR is caller-supplied; capital gain stays undefined
	// without it.
	AcquisitionCostEUR *decimal.Decimal
}

// Service drives the invoice lifecycle.
type Service struct {
	repo   Repository
	gw     gateway.Gateway
	oracle *rates.Oracle
	tax    TaxRecorder
	bus    eventbus.Bus
	logger *zap.Logger
}

// NewService creates the lifecycle service. tax may be nil when fiscal
// bookkeeping is disabled.
func NewService(repo Repository, gw gateway.Gateway, oracle *rates.Oracle, tax TaxRecorder, bus eventbus.Bus, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		gw:     gw,
		oracle: oracle,
		tax:    tax,
		bus:    bus,
		logger: logger,
	}
}

// MintInvoice converts the EUR total at the current rate, requests invoice
// creation from the node, persists the PENDING record and emits an
// invoice-created event. Tax pre-recording is a fallible post-step whose
// failure never fails the mint.
func (s *Service) MintInvoice(ctx context.Context, req MintRequest) (*models.LightningInvoice, error) {
	if req.AmountEUR.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if req.ExpirySeconds <= 0 {
		req.ExpirySeconds = 3600
	}

	quote := s.oracle.GetRate(ctx)

	// sats = round(eur / rate * 1e8), msat = sats * 1000.
	sats := req.AmountEUR.Div(quote.Rate).Mul(decimal.NewFromInt(100_000_000)).Round(0)
	amountMsat := sats.Mul(decimal.NewFromInt(1000)).IntPart()
	if amountMsat <= 0 {
		// The EUR total rounds below one satoshi; a zero msat value would
		// ask the node for an any-amount invoice.
		return nil, ErrInvalidAmount
	}

	description := truncateDescription(req.Description)

	created, err := s.gw.CreateInvoice(ctx, &amountMsat, description, req.ExpirySeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice on node: %w", err)
	}

	now := time.Now()
	inv := &models.LightningInvoice{
		PaymentHash:         created.PaymentHash,
		PaymentRequest:      created.PaymentRequest,
		AmountMsat:          &amountMsat,
		Description:         description,
		Status:              models.InvoiceStatusPending,
		ExpiresAt:           created.ExpiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
		AccountingInvoiceID: req.AccountingInvoiceID,
	}
	if err := s.repo.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to persist invoice record: %w", err)
	}

	// Best-effort fiscal pre-recording; its error channel is separate from
	// the mint result.
	if s.tax != nil {
		if err := s.tax.PreRecord(ctx, inv, quote, req.AmountEUR, req.AcquisitionCostEUR); err != nil {
			s.logger.Warn("tax pre-recording failed, invoice creation unaffected",
				zap.String("payment_hash", inv.PaymentHash),
				zap.Error(err))
		}
	}

	_ = s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventInvoiceCreated, "invoices", inv.PaymentHash,
		eventbus.InvoiceCreatedPayload{
			PaymentHash:         inv.PaymentHash,
			PaymentRequest:      inv.PaymentRequest,
			AmountMsat:          inv.AmountMsat,
			AccountingInvoiceID: inv.AccountingInvoiceID,
			ExpiresAt:           inv.ExpiresAt,
		}))

	s.logger.Info("lightning invoice minted",
		zap.String("payment_hash", inv.PaymentHash),
		zap.Int64("amount_msat", amountMsat),
		zap.String("rate_source", quote.Source))

	return inv, nil
}

// MarkSettled applies the idempotent settled transition. Both the polling
// monitor and the webhook path funnel into it; applying it twice is a no-op.
// The second return reports whether a transition actually happened.
func (s *Service) MarkSettled(ctx context.Context, paymentHash string, st gateway.SettlementStatus) (*models.LightningInvoice, bool, error) {
	inv, err := s.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return nil, false, err
	}
	if inv.Status != models.InvoiceStatusPending {
		// Already settled by the other path, or terminal: nothing to do.
		return inv, false, nil
	}

	now := time.Now()
	settledAt := st.SettledAt
	if settledAt == nil {
		settledAt = &now
	}
	inv.Status = models.InvoiceStatusSettled
	inv.SettledAt = settledAt
	inv.Preimage = st.Preimage
	inv.FeePaidMsat = st.FeePaidMsat
	inv.UpdatedAt = now
	applied, err := s.repo.UpdateFromPending(ctx, inv)
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist settlement: %w", err)
	}
	if !applied {
		// The other settlement path won the race between our read and the
		// conditional update; it owns the event.
		current, err := s.repo.ByPaymentHash(ctx, paymentHash)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	_ = s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventPaymentSettled, "invoices", inv.PaymentHash,
		eventbus.PaymentSettledPayload{
			PaymentHash:         inv.PaymentHash,
			SettledAt:           *settledAt,
			AmountMsat:          inv.AmountMsat,
			FeePaidMsat:         inv.FeePaidMsat,
			AccountingInvoiceID: inv.AccountingInvoiceID,
		}))

	s.logger.Info("invoice settled",
		zap.String("payment_hash", inv.PaymentHash),
		zap.Time("settled_at", *settledAt))

	return inv, true, nil
}

// MarkExpired transitions a pending invoice whose expiry has passed. It is a
// no-op on non-pending invoices.
func (s *Service) MarkExpired(ctx context.Context, paymentHash string) (bool, error) {
	inv, err := s.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return false, err
	}
	if inv.Status != models.InvoiceStatusPending {
		return false, nil
	}
	if time.Now().Before(inv.ExpiresAt) {
		return false, nil
	}

	now := time.Now()
	inv.Status = models.InvoiceStatusExpired
	inv.UpdatedAt = now
	applied, err := s.repo.UpdateFromPending(ctx, inv)
	if err != nil {
		return false, fmt.Errorf("failed to persist expiry: %w", err)
	}
	if !applied {
		// Settled or cancelled concurrently.
		return false, nil
	}

	_ = s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventInvoiceExpired, "invoices", inv.PaymentHash,
		eventbus.InvoiceExpiredPayload{
			PaymentHash:         inv.PaymentHash,
			ExpiredAt:           now,
			AccountingInvoiceID: inv.AccountingInvoiceID,
		}))

	s.logger.Info("invoice expired", zap.String("payment_hash", inv.PaymentHash))
	return true, nil
}

// Cancel transitions a pending invoice to cancelled. Cancelling a terminal
// invoice is an error.
func (s *Service) Cancel(ctx context.Context, paymentHash string) error {
	inv, err := s.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}
	if inv.Status != models.InvoiceStatusPending {
		return &TransitionError{PaymentHash: paymentHash, From: inv.Status, To: models.InvoiceStatusCancelled}
	}

	inv.Status = models.InvoiceStatusCancelled
	inv.UpdatedAt = time.Now()
	applied, err := s.repo.UpdateFromPending(ctx, inv)
	if err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	if !applied {
		current, err := s.repo.ByPaymentHash(ctx, paymentHash)
		if err != nil {
			return err
		}
		return &TransitionError{PaymentHash: paymentHash, From: current.Status, To: models.InvoiceStatusCancelled}
	}
	s.logger.Info("invoice cancelled", zap.String("payment_hash", paymentHash))
	return nil
}

// Get returns the invoice record for a payment hash.
func (s *Service) Get(ctx context.Context, paymentHash string) (*models.LightningInvoice, error) {
	return s.repo.ByPaymentHash(ctx, paymentHash)
}

// ByAccountingInvoice returns all Lightning invoices minted against one
// accounting invoice.
func (s *Service) ByAccountingInvoice(ctx context.Context, accountingInvoiceID string) ([]*models.LightningInvoice, error) {
	return s.repo.ByAccountingInvoiceID(ctx, accountingInvoiceID)
}

// truncateDescription cuts the memo to the protocol byte limit without
// splitting a UTF-8 sequence.
func truncateDescription(s string) string {
	if len(s) <= maxDescriptionBytes {
		return s
	}
	cut := maxDescriptionBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
