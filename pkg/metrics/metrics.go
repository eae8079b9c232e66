// Package metrics exposes the prometheus collectors used by the settlement
// engine's long-running loops and external-service clients.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered by the service.
type Metrics struct {
	SettlementsTotal    prometheus.Counter
	ExpirationsTotal    prometheus.Counter
	MonitorTickDuration prometheus.Histogram
	MonitorCheckErrors  prometheus.Counter
	OracleRequestsTotal *prometheus.CounterVec
	OracleCacheHits     prometheus.Counter
	OracleFallbacks     prometheus.Counter
	BreakerState        *prometheus.GaugeVec
	WebhooksReceived    *prometheus.CounterVec
	LiquidityAlerts     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SettlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "settlements_total",
			Help:      "Number of invoices observed settled.",
		}),
		ExpirationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "expirations_total",
			Help:      "Number of pending invoices transitioned to expired.",
		}),
		MonitorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fiscalight",
			Name:      "monitor_tick_duration_seconds",
			Help:      "Duration of one settlement-monitor tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		MonitorCheckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "monitor_check_errors_total",
			Help:      "Per-invoice settlement check failures, tolerated and skipped.",
		}),
		OracleRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "oracle_requests_total",
			Help:      "Exchange-rate provider requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		OracleCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "oracle_cache_hits_total",
			Help:      "Rate lookups served from the in-memory cache.",
		}),
		OracleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "oracle_fallbacks_total",
			Help:      "Rate lookups that fell back to the static rate.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fiscalight",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "webhooks_received_total",
			Help:      "Node webhook deliveries by event kind and outcome.",
		}, []string{"event", "outcome"}),
		LiquidityAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalight",
			Name:      "liquidity_alerts_total",
			Help:      "Liquidity alerts emitted by severity.",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		m.SettlementsTotal,
		m.ExpirationsTotal,
		m.MonitorTickDuration,
		m.MonitorCheckErrors,
		m.OracleRequestsTotal,
		m.OracleCacheHits,
		m.OracleFallbacks,
		m.BreakerState,
		m.WebhooksReceived,
		m.LiquidityAlerts,
	)

	return m
}

// NewNop returns collectors registered on a throwaway registry, for tests and
// for callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
