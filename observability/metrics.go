package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	signreqdMetricsOnce sync.Once
	signreqdRegistry    *SignreqdMetrics
)

// SignreqdMetrics wraps collectors tracking the signing requirement cache.
type SignreqdMetrics struct {
	refreshes      *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	notified       prometheus.Counter
	breakerState   *prometheus.GaugeVec
	cleanupRemoved *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	resolveMisses  *prometheus.CounterVec
}

// Signreqd exposes the metrics registry for signreqd.
func Signreqd() *SignreqdMetrics {
	signreqdMetricsOnce.Do(func() {
		signreqdRegistry = &SignreqdMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "refreshes_total",
				Help:      "Cache entity refresh attempts segmented by network, entity kind, and outcome.",
			}, []string{"network", "kind", "outcome"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "refresh_skipped_total",
				Help:      "Stale entities not attempted because the network circuit was open.",
			}, []string{"network"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "refresh_cycle_seconds",
				Help:      "Duration of completed refresh cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			notified: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "transactions_notified_total",
				Help:      "Transactions announced as potentially changed after a refresh.",
			}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "breaker_open",
				Help:      "Indicates whether the mirror circuit for a network is open (1) or not (0).",
			}, []string{"network"}),
			cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "cleanup_removed_total",
				Help:      "Cached entities removed by the cleanup job segmented by kind.",
			}, []string{"kind"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "resolutions_total",
				Help:      "Signing requirement resolutions segmented by mode.",
			}, []string{"mode"}),
			resolveMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "signreqd",
				Name:      "resolve_misses_total",
				Help:      "Entities omitted from a resolved requirement segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			signreqdRegistry.refreshes,
			signreqdRegistry.skipped,
			signreqdRegistry.cycleDuration,
			signreqdRegistry.notified,
			signreqdRegistry.breakerState,
			signreqdRegistry.cleanupRemoved,
			signreqdRegistry.resolutions,
			signreqdRegistry.resolveMisses,
		)
	})
	return signreqdRegistry
}

// RecordRefresh counts one entity refresh attempt.
func (m *SignreqdMetrics) RecordRefresh(network, kind, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(label(network), label(kind), label(outcome)).Inc()
}

// RecordSkipped counts entities skipped behind an open circuit.
func (m *SignreqdMetrics) RecordSkipped(network string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.skipped.WithLabelValues(label(network)).Add(float64(count))
}

// ObserveCycle records the duration of a refresh cycle.
func (m *SignreqdMetrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// RecordNotified counts transactions announced as changed.
func (m *SignreqdMetrics) RecordNotified(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notified.Add(float64(count))
}

// SetBreakerOpen toggles the circuit gauge for network.
func (m *SignreqdMetrics) SetBreakerOpen(network string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1
	}
	m.breakerState.WithLabelValues(label(network)).Set(value)
}

// RecordCleanup counts removed cache rows.
func (m *SignreqdMetrics) RecordCleanup(accounts, nodes int64) {
	if m == nil {
		return
	}
	if accounts > 0 {
		m.cleanupRemoved.WithLabelValues("account").Add(float64(accounts))
	}
	if nodes > 0 {
		m.cleanupRemoved.WithLabelValues("node").Add(float64(nodes))
	}
}

// RecordResolution counts a resolution and the entities it had to omit.
func (m *SignreqdMetrics) RecordResolution(mode string, missedAccounts, missedNodes int) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label(mode)).Inc()
	if missedAccounts > 0 {
		m.resolveMisses.WithLabelValues("account").Add(float64(missedAccounts))
	}
	if missedNodes > 0 {
		m.resolveMisses.WithLabelValues("node").Add(float64(missedNodes))
	}
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
