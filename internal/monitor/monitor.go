// Package monitor runs the polling loop that discovers settled and expired
// invoices and drives their lifecycle transitions.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/invoices"
	"github.com/fiscalight/fiscalight/pkg/metrics"
	"github.com/fiscalight/fiscalight/pkg/models"
)

// TaxProcessor finalizes the fiscal bookkeeping of a settled payment. It is
// invoked asynchronously after the settlement transition; failures are logged
// and never undo the settlement.
type TaxProcessor interface {
	ProcessSettledPayment(ctx context.Context, paymentHash string) error
}

// Config holds monitor settings.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Monitor is the settlement-detection loop.
type Monitor struct {
	repo      invoices.Repository
	gw        gateway.Gateway
	lifecycle *invoices.Service
	tax       TaxProcessor
	logger    *zap.Logger
	metrics   *metrics.Metrics

	interval    time.Duration
	concurrency int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor. tax may be nil when fiscal bookkeeping is disabled.
func New(cfg Config, repo invoices.Repository, gw gateway.Gateway, lifecycle *invoices.Service, tax TaxProcessor, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Monitor{
		repo:        repo,
		gw:          gw,
		lifecycle:   lifecycle,
		tax:         tax,
		logger:      logger,
		metrics:     m,
		interval:    cfg.PollInterval,
		concurrency: cfg.Concurrency,
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("settlement monitor is already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("settlement monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("concurrency", m.concurrency))
	return nil
}

// Stop cancels the in-flight sleep and exits the loop cleanly.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("settlement monitor is not running")
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("settlement monitor stopped")
	return nil
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Tick(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Tick runs one monitor pass: concurrent settlement checks over all pending
// invoices, then the expiry scan. Errors on one invoice never abort the
// batch.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	m.checkPending(ctx)
	m.expireOverdue(ctx)
	m.metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
}

func (m *Monitor) checkPending(ctx context.Context) {
	pending, err := m.repo.Pending(ctx)
	if err != nil {
		m.logger.Error("failed to load pending invoices", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	// Bounded concurrency: a slow check must not block the others.
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for _, inv := range pending {
		wg.Add(1)
		go func(inv *models.LightningInvoice) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := m.checkOne(ctx, inv.PaymentHash); err != nil {
				m.metrics.MonitorCheckErrors.Inc()
				m.logger.Warn("settlement check failed, continuing with batch",
					zap.String("payment_hash", inv.PaymentHash),
					zap.Error(err))
			}
		}(inv)
	}
	wg.Wait()
}

// checkOne asks the gateway whether one invoice settled and applies the
// transition when it did.
func (m *Monitor) checkOne(ctx context.Context, paymentHash string) error {
	st, err := m.gw.LookupInvoice(ctx, paymentHash)
	if err != nil {
		return err
	}
	if !st.Settled {
		return nil
	}

	_, transitioned, err := m.lifecycle.MarkSettled(ctx, paymentHash, *st)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	m.metrics.SettlementsTotal.Inc()

	// Fiscal bookkeeping runs asynchronously; its failure never affects the
	// settlement transition.
	if m.tax != nil {
		go func() {
			taxCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.tax.ProcessSettledPayment(taxCtx, paymentHash); err != nil {
				m.logger.Error("tax processing failed for settled payment",
					zap.String("payment_hash", paymentHash),
					zap.Error(err))
			}
		}()
	}
	return nil
}

func (m *Monitor) expireOverdue(ctx context.Context) {
	overdue, err := m.repo.ExpiredPending(ctx, time.Now())
	if err != nil {
		m.logger.Error("failed to load overdue invoices", zap.Error(err))
		return
	}
	for _, inv := range overdue {
		transitioned, err := m.lifecycle.MarkExpired(ctx, inv.PaymentHash)
		if err != nil {
			m.logger.Warn("failed to expire invoice, continuing with batch",
				zap.String("payment_hash", inv.PaymentHash),
				zap.Error(err))
			continue
		}
		if transitioned {
			m.metrics.ExpirationsTotal.Inc()
		}
	}
}

// ForceCheck checks a single invoice outside the loop, for operator-triggered
// reconciliation. It is a no-op if the invoice is not pending.
func (m *Monitor) ForceCheck(ctx context.Context, paymentHash string) error {
	inv, err := m.repo.ByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}
	if inv.Status != models.InvoiceStatusPending {
		m.logger.Debug("force check skipped, invoice not pending",
			zap.String("payment_hash", paymentHash),
			zap.String("status", string(inv.Status)))
		return nil
	}
	return m.checkOne(ctx, paymentHash)
}
