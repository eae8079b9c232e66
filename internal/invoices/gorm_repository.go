package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// GormRepository is the gorm-backed Repository implementation.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates the repository and migrates the invoice table.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.LightningInvoice{}); err != nil {
		return nil, fmt.Errorf("failed to migrate lightning_invoices: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Save(ctx context.Context, inv *models.LightningInvoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *GormRepository) Update(ctx context.Context, inv *models.LightningInvoice) error {
	return r.db.WithContext(ctx).Save(inv).Error
}

// UpdateFromPending persists inv only while the stored row is still pending,
// so concurrent settlement paths cannot both apply a transition. It reports
// whether the update took effect.
func (r *GormRepository) UpdateFromPending(ctx context.Context, inv *models.LightningInvoice) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LightningInvoice{}).
		Where("payment_hash = ? AND status = ?", inv.PaymentHash, models.InvoiceStatusPending).
		Select("*").
		Updates(inv)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRepository) ByPaymentHash(ctx context.Context, paymentHash string) (*models.LightningInvoice, error) {
	var inv models.LightningInvoice
	err := r.db.WithContext(ctx).First(&inv, "payment_hash = ?", paymentHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *GormRepository) ByAccountingInvoiceID(ctx context.Context, accountingInvoiceID string) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("accounting_invoice_id = ?", accountingInvoiceID).
		Order("created_at desc").
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) Pending(ctx context.Context) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("status = ?", models.InvoiceStatusPending).
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) ExpiredPending(ctx context.Context, now time.Time) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.InvoiceStatusPending, now).
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) BySettlementDateRange(ctx context.Context, from, to time.Time) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND settled_at >= ? AND settled_at <= ?", models.InvoiceStatusSettled, from, to).
		Order("settled_at asc").
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) OverAMLThreshold(ctx context.Context) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("exceeds_aml_threshold = ?", true).
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) UnverifiedOverThreshold(ctx context.Context) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("exceeds_aml_threshold = ? AND aml_verified = ?", true, false).
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) WithCapitalGain(ctx context.Context) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("capital_gain_eur IS NOT NULL").
		Find(&invs).Error
	return invs, err
}

func (r *GormRepository) MissingTaxData(ctx context.Context) ([]*models.LightningInvoice, error) {
	var invs []*models.LightningInvoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND (btc_eur_rate IS NULL OR eur_amount_declared IS NULL)", models.InvoiceStatusSettled).
		Find(&invs).Error
	return invs, err
}
