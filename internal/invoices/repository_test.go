package invoices

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fiscalight/fiscalight/pkg/models"
)

func newTestRepo(t *testing.T) *GormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)
	return repo
}

func testHash(n int) string {
	return fmt.Sprintf("%064x", n)
}

func seedInvoice(t *testing.T, repo *GormRepository, n int, mutate func(*models.LightningInvoice)) *models.LightningInvoice {
	t.Helper()
	amount := int64(1_000_000)
	now := time.Now()
	inv := &models.LightningInvoice{
		PaymentHash:    testHash(n),
		PaymentRequest: "lnbctest" + testHash(n)[:16],
		AmountMsat:     &amount,
		Status:         models.InvoiceStatusPending,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if mutate != nil {
		mutate(inv)
	}
	require.NoError(t, repo.Save(context.Background(), inv))
	return inv
}

func settled(at time.Time) func(*models.LightningInvoice) {
	return func(inv *models.LightningInvoice) {
		inv.Status = models.InvoiceStatusSettled
		inv.SettledAt = &at
	}
}

func TestByPaymentHashNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.ByPaymentHash(context.Background(), testHash(99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingExcludesTerminalStates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedInvoice(t, repo, 1, nil)
	seedInvoice(t, repo, 2, settled(time.Now()))
	seedInvoice(t, repo, 3, func(inv *models.LightningInvoice) {
		inv.Status = models.InvoiceStatusExpired
	})

	pending, err := repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, testHash(1), pending[0].PaymentHash)
}

func TestExpiredPendingUsesDeadline(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	seedInvoice(t, repo, 1, func(inv *models.LightningInvoice) {
		inv.ExpiresAt = now.Add(-time.Minute)
	})
	seedInvoice(t, repo, 2, nil) // expires in an hour
	seedInvoice(t, repo, 3, func(inv *models.LightningInvoice) {
		inv.Status = models.InvoiceStatusSettled
		inv.ExpiresAt = now.Add(-time.Minute)
	})

	overdue, err := repo.ExpiredPending(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, testHash(1), overdue[0].PaymentHash)
}

func TestBySettlementDateRange(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	prev := time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)

	seedInvoice(t, repo, 1, settled(jan))
	seedInvoice(t, repo, 2, settled(jun))
	seedInvoice(t, repo, 3, settled(prev))
	seedInvoice(t, repo, 4, nil)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	invs, err := repo.BySettlementDateRange(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	// Ordered by settlement time ascending.
	assert.Equal(t, testHash(1), invs[0].PaymentHash)
	assert.Equal(t, testHash(2), invs[1].PaymentHash)
}

func TestAMLPredicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedInvoice(t, repo, 1, func(inv *models.LightningInvoice) {
		inv.ExceedsAMLThreshold = true
	})
	seedInvoice(t, repo, 2, func(inv *models.LightningInvoice) {
		inv.ExceedsAMLThreshold = true
		inv.AMLVerified = true
	})
	seedInvoice(t, repo, 3, nil)

	over, err := repo.OverAMLThreshold(ctx)
	require.NoError(t, err)
	assert.Len(t, over, 2)

	unverified, err := repo.UnverifiedOverThreshold(ctx)
	require.NoError(t, err)
	require.Len(t, unverified, 1)
	assert.Equal(t, testHash(1), unverified[0].PaymentHash)
}

func TestWithCapitalGain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedInvoice(t, repo, 1, func(inv *models.LightningInvoice) {
		inv.CapitalGainEUR = decimal.NewNullDecimal(decimal.NewFromInt(150))
	})
	seedInvoice(t, repo, 2, nil)

	invs, err := repo.WithCapitalGain(ctx)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, testHash(1), invs[0].PaymentHash)
}

func TestMissingTaxDataOnlyCoversSettledInvoices(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	// Settled without any fiscal snapshot: needs backfill.
	seedInvoice(t, repo, 1, settled(now))
	// Settled with a complete snapshot.
	seedInvoice(t, repo, 2, func(inv *models.LightningInvoice) {
		inv.Status = models.InvoiceStatusSettled
		inv.SettledAt = &now
		inv.BTCEURRate = decimal.NewNullDecimal(decimal.NewFromInt(45_000))
		inv.EURAmountDeclared = decimal.NewNullDecimal(decimal.NewFromInt(100))
	})
	// Pending invoices are never reported.
	seedInvoice(t, repo, 3, nil)

	invs, err := repo.MissingTaxData(ctx)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, testHash(1), invs[0].PaymentHash)
}

// The fiscal predicates address columns by name in raw SQL, so the migrated
// schema has to keep those exact names.
func TestFiscalColumnNames(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	_, err = NewGormRepository(db)
	require.NoError(t, err)

	for _, col := range []string{
		"btc_eur_rate",
		"eur_amount_declared",
		"acquisition_cost_eur",
		"capital_gain_eur",
		"exceeds_aml_threshold",
		"aml_verified",
	} {
		assert.True(t, db.Migrator().HasColumn(&models.LightningInvoice{}, col), col)
	}
}

func TestUpdateFromPendingGuardsTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	inv := seedInvoice(t, repo, 1, nil)

	inv.Status = models.InvoiceStatusSettled
	inv.SettledAt = &now
	applied, err := repo.UpdateFromPending(ctx, inv)
	require.NoError(t, err)
	assert.True(t, applied)

	// The stored row is no longer pending, so a second conditional
	// transition must not apply.
	inv.Status = models.InvoiceStatusExpired
	applied, err = repo.UpdateFromPending(ctx, inv)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := repo.ByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSettled, stored.Status)
}
