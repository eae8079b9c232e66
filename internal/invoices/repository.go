package invoices

import (
	"context"
	"errors"
	"time"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// ErrNotFound is the typed result for unknown payment hashes in the record
// store.
var ErrNotFound = errors.New("lightning invoice record not found")

// Repository is the narrow record-store interface for LightningInvoice
// records. The engine never issues storage queries outside of it.
type Repository interface {
	Save(ctx context.Context, inv *models.LightningInvoice) error
	Update(ctx context.Context, inv *models.LightningInvoice) error
	// UpdateFromPending persists inv only while the stored row is still
	// pending, reporting whether the update applied. Lifecycle transitions
	// use it so racing settlement paths cannot both win.
	UpdateFromPending(ctx context.Context, inv *models.LightningInvoice) (bool, error)

	ByPaymentHash(ctx context.Context, paymentHash string) (*models.LightningInvoice, error)
	ByAccountingInvoiceID(ctx context.Context, accountingInvoiceID string) ([]*models.LightningInvoice, error)

	// Pending returns all invoices still awaiting settlement.
	Pending(ctx context.Context) ([]*models.LightningInvoice, error)
	// ExpiredPending returns pending invoices whose expiry has passed at now.
	ExpiredPending(ctx context.Context, now time.Time) ([]*models.LightningInvoice, error)

	// BySettlementDateRange returns settled invoices with from <= settled_at <= to.
	BySettlementDateRange(ctx context.Context, from, to time.Time) ([]*models.LightningInvoice, error)

	// Compliance predicates.
	OverAMLThreshold(ctx context.Context) ([]*models.LightningInvoice, error)
	UnverifiedOverThreshold(ctx context.Context) ([]*models.LightningInvoice, error)
	WithCapitalGain(ctx context.Context) ([]*models.LightningInvoice, error)
	MissingTaxData(ctx context.Context) ([]*models.LightningInvoice, error)
}
