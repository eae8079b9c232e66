// Package liquidity inspects the node's channel balances, raises alerts on
// depleted inbound or saturated outbound capacity, and proposes rebalancing
// moves. The analysis is read-only advisory output; it never mutates channel
// state.
package liquidity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/pkg/metrics"
	"github.com/fiscalight/fiscalight/pkg/models"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Rebalance priority tiers.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
)

// Config holds the analyzer thresholds.
type Config struct {
	CheckInterval        time.Duration
	MinInboundRatio      float64
	CriticalInboundRatio float64
	MaxOutboundRatio     float64
	RebalanceCapSat      int64
	RebalanceFeePPM      int64
}

// Report is one liquidity analysis snapshot.
type Report struct {
	GeneratedAt         time.Time               `json:"generated_at"`
	ChannelCount        int                     `json:"channel_count"`
	TotalCapacitySat    int64                   `json:"total_capacity_sat"`
	TotalInboundSat     int64                   `json:"total_inbound_sat"`
	TotalOutboundSat    int64                   `json:"total_outbound_sat"`
	InboundRatio        float64                 `json:"inbound_ratio"`
	OutboundRatio       float64                 `json:"outbound_ratio"`
	ImbalanceScore      float64                 `json:"imbalance_score"`
	Channels            []models.ChannelMetrics `json:"channels"`
	LowInboundChannels  []uint64                `json:"low_inbound_channels"`
	HighOutboundChannel []uint64                `json:"high_outbound_channels"`
	Opportunities       []RebalanceOpportunity  `json:"opportunities"`
}

// RebalanceOpportunity pairs an over-saturated-outbound channel with an
// under-saturated-inbound one.
type RebalanceOpportunity struct {
	FromChannelID uint64 `json:"from_channel_id"`
	ToChannelID   uint64 `json:"to_channel_id"`
	AmountSat     int64  `json:"amount_sat"`
	EstFeeSat     int64  `json:"est_fee_sat"`
	Priority      string `json:"priority"`
}

// Analyzer is the periodic channel-balance inspector.
type Analyzer struct {
	gw      gateway.Gateway
	bus     eventbus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an analyzer with defaults for unset thresholds.
func New(cfg Config, gw gateway.Gateway, bus eventbus.Bus, logger *zap.Logger, m *metrics.Metrics) *Analyzer {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.MinInboundRatio <= 0 {
		cfg.MinInboundRatio = 0.1
	}
	if cfg.CriticalInboundRatio <= 0 {
		cfg.CriticalInboundRatio = 0.05
	}
	if cfg.MaxOutboundRatio <= 0 {
		cfg.MaxOutboundRatio = 0.8
	}
	if cfg.RebalanceCapSat <= 0 {
		cfg.RebalanceCapSat = 1_000_000
	}
	if cfg.RebalanceFeePPM <= 0 {
		cfg.RebalanceFeePPM = 1000
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Analyzer{gw: gw, bus: bus, logger: logger, metrics: m, cfg: cfg}
}

// Start launches the periodic analysis loop.
func (a *Analyzer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("liquidity analyzer is already running")
	}
	a.running = true
	a.stopChan = make(chan struct{})
	a.wg.Add(1)
	go a.loop()
	a.logger.Info("liquidity analyzer started", zap.Duration("interval", a.cfg.CheckInterval))
	return nil
}

// Stop cancels the in-flight sleep and exits the loop cleanly.
func (a *Analyzer) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("liquidity analyzer is not running")
	}
	a.running = false
	close(a.stopChan)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("liquidity analyzer stopped")
	return nil
}

func (a *Analyzer) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CheckInterval)
			if _, err := a.Analyze(ctx); err != nil {
				a.logger.Error("liquidity analysis failed", zap.Error(err))
			}
			cancel()
		case <-a.stopChan:
			return
		}
	}
}

// Analyze takes a channel snapshot from the gateway, computes the liquidity
// report and emits alert events for crossed thresholds.
func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	channels, err := a.gw.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	report := a.buildReport(channels)
	a.emitAlerts(ctx, report)
	return report, nil
}

// buildReport computes the aggregate and per-channel metrics. Pure function
// of the snapshot.
func (a *Analyzer) buildReport(channels []models.ChannelInfo) *Report {
	report := &Report{
		GeneratedAt:  time.Now(),
		ChannelCount: len(channels),
	}

	var critical, warning, highOutbound []uint64
	for _, ch := range channels {
		report.TotalCapacitySat += ch.CapacitySat
		report.TotalInboundSat += ch.RemoteBalanceSat
		report.TotalOutboundSat += ch.LocalBalanceSat

		in, out := ch.InboundRatio(), ch.OutboundRatio()
		report.Channels = append(report.Channels, models.ChannelMetrics{
			ChannelID:      ch.ChannelID,
			RemotePubkey:   ch.RemotePubkey,
			CapacitySat:    ch.CapacitySat,
			InboundRatio:   in,
			OutboundRatio:  out,
			ImbalanceScore: math.Abs(in - out),
		})

		switch {
		case in < a.cfg.CriticalInboundRatio:
			critical = append(critical, ch.ChannelID)
		case in < a.cfg.MinInboundRatio:
			warning = append(warning, ch.ChannelID)
		}
		if out > a.cfg.MaxOutboundRatio {
			highOutbound = append(highOutbound, ch.ChannelID)
		}
	}

	if report.TotalCapacitySat > 0 {
		report.InboundRatio = float64(report.TotalInboundSat) / float64(report.TotalCapacitySat)
		report.OutboundRatio = float64(report.TotalOutboundSat) / float64(report.TotalCapacitySat)
	}
	report.ImbalanceScore = math.Abs(report.InboundRatio - report.OutboundRatio)
	report.LowInboundChannels = append(critical, warning...)
	report.HighOutboundChannel = highOutbound
	report.Opportunities = a.findOpportunities(report.Channels)

	return report
}

// emitAlerts publishes one alert event per severity tier that has affected
// channels.
func (a *Analyzer) emitAlerts(ctx context.Context, report *Report) {
	var critical, warning []uint64
	for _, ch := range report.Channels {
		switch {
		case ch.InboundRatio < a.cfg.CriticalInboundRatio:
			critical = append(critical, ch.ChannelID)
		case ch.InboundRatio < a.cfg.MinInboundRatio:
			warning = append(warning, ch.ChannelID)
		}
	}

	if len(critical) > 0 {
		a.metrics.LiquidityAlerts.WithLabelValues(SeverityCritical).Inc()
		_ = a.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventLiquidityAlert, "liquidity", channelKey(critical),
			eventbus.LiquidityAlertPayload{
				Severity:   SeverityCritical,
				Reason:     "inbound capacity critically depleted",
				ChannelIDs: critical,
			}))
		a.logger.Warn("critical liquidity alert", zap.Uint64s("channels", critical))
	}
	if len(warning) > 0 {
		a.metrics.LiquidityAlerts.WithLabelValues(SeverityWarning).Inc()
		_ = a.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventLiquidityAlert, "liquidity", channelKey(warning),
			eventbus.LiquidityAlertPayload{
				Severity:   SeverityWarning,
				Reason:     "inbound capacity below minimum ratio",
				ChannelIDs: warning,
			}))
		a.logger.Warn("liquidity warning", zap.Uint64s("channels", warning))
	}
}

// findOpportunities pairs over-saturated-outbound channels with
// under-saturated-inbound ones. The transferable amount is bounded by the
// source excess, the target need and the configured hard cap. Results are
// ranked by amount descending within priority tiers.
func (a *Analyzer) findOpportunities(channels []models.ChannelMetrics) []RebalanceOpportunity {
	var sources, targets []models.ChannelMetrics
	for _, ch := range channels {
		if ch.OutboundRatio > a.cfg.MaxOutboundRatio {
			sources = append(sources, ch)
		}
		if ch.InboundRatio < a.cfg.MinInboundRatio {
			targets = append(targets, ch)
		}
	}

	var opportunities []RebalanceOpportunity
	for _, src := range sources {
		for _, dst := range targets {
			if src.ChannelID == dst.ChannelID {
				continue
			}
			// Source excess and target need are both measured against the
			// balanced midpoint.
			excess := int64((src.OutboundRatio - 0.5) * float64(src.CapacitySat))
			need := int64((0.5 - dst.InboundRatio) * float64(dst.CapacitySat))
			amount := minInt64(excess, need, a.cfg.RebalanceCapSat)
			if amount <= 0 {
				continue
			}
			priority := PriorityMedium
			if amount > 500_000 {
				priority = PriorityHigh
			}
			opportunities = append(opportunities, RebalanceOpportunity{
				FromChannelID: src.ChannelID,
				ToChannelID:   dst.ChannelID,
				AmountSat:     amount,
				EstFeeSat:     amount * a.cfg.RebalanceFeePPM / 1_000_000,
				Priority:      priority,
			})
		}
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		if opportunities[i].Priority != opportunities[j].Priority {
			return opportunities[i].Priority == PriorityHigh
		}
		return opportunities[i].AmountSat > opportunities[j].AmountSat
	})
	return opportunities
}

func channelKey(ids []uint64) string {
	if len(ids) == 0 {
		return ""
	}
	return fmt.Sprintf("%d", ids[0])
}

func minInt64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
