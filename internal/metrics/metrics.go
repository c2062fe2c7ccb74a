package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resolver"

// Metrics holds the resolver's collectors on a dedicated registry.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry        *prometheus.Registry
	bids            *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	navFallbacks    prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	refreshFailures prometheus.Counter
	ledgerActions   *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	walletReady     prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bid",
			Name:      "computed_total",
			Help:      "Bids computed segmented by operation, NAV source and outcome.",
		}, []string{"operation", "nav_source", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Settlement attempts segmented by operation, result and error kind.",
		}, []string{"operation", "result", "kind"}),
		navFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "nav_fallback_total",
			Help:      "NAV figures computed locally because the coordinator NAV was unavailable.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price_cache",
			Name:      "lookups_total",
			Help:      "Price cache lookups segmented by hit or miss.",
		}, []string{"result"}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price_cache",
			Name:      "refresh_failures_total",
			Help:      "Background price refreshes that failed.",
		}),
		ledgerActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "actions_total",
			Help:      "Ledger-mutating calls issued during settlement segmented by step and outcome.",
		}, []string{"step", "outcome"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "step_duration_seconds",
			Help:      "Latency of individual settlement steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		walletReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "ready",
			Help:      "1 when the resolver wallet holds settlement funds, inventory and approvals.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bids,
		m.settlements,
		m.navFallbacks,
		m.cacheLookups,
		m.refreshFailures,
		m.ledgerActions,
		m.stepLatency,
		m.walletReady,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBid records a bid computation.
func (m *Metrics) ObserveBid(operation, navSource string, err error) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(operation, navSource, outcome(err)).Inc()
}

// ObserveSettlement records the result of a settlement attempt. kind is empty on success.
func (m *Metrics) ObserveSettlement(operation, result, kind string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(operation, result, kind).Inc()
}

// NavFallback counts a locally computed NAV.
func (m *Metrics) NavFallback() {
	if m == nil {
		return
	}
	m.navFallbacks.Inc()
}

// CacheHits adds n cache hits.
func (m *Metrics) CacheHits(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Add(float64(n))
}

// CacheMisses adds n cache misses.
func (m *Metrics) CacheMisses(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Add(float64(n))
}

// RefreshFailed counts a failed background refresh.
func (m *Metrics) RefreshFailed() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

// LedgerAction records a ledger-mutating call.
func (m *Metrics) LedgerAction(step string, err error) {
	if m == nil {
		return
	}
	m.ledgerActions.WithLabelValues(step, outcome(err)).Inc()
}

// ObserveStep records the duration of a settlement step.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step).Observe(d.Seconds())
}

// WalletReady records the latest wallet readiness.
func (m *Metrics) WalletReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.walletReady.Set(1)
		return
	}
	m.walletReady.Set(0)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
