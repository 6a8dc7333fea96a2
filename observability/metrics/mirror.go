package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MirrorMetrics tracks calls made to mirror node REST APIs.
type MirrorMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateWaits   *prometheus.HistogramVec
	decodeFails *prometheus.CounterVec
}

var (
	mirrorOnce     sync.Once
	mirrorRegistry *MirrorMetrics
)

func Mirror() *MirrorMetrics {
	mirrorOnce.Do(func() {
		mirrorRegistry = &MirrorMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mirror_requests_total",
				Help: "Mirror node requests by network, resource and response code.",
			}, []string{"network", "resource", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mirror_request_duration_seconds",
				Help:    "Latency of mirror node requests.",
				Buckets: prometheus.DefBuckets,
			}, []string{"network", "resource"}),
			rateWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mirror_rate_wait_seconds",
				Help:    "Time spent waiting on the per-network rate limiter.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"network"}),
			decodeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mirror_decode_failures_total",
				Help: "Mirror responses that could not be decoded.",
			}, []string{"network", "resource"}),
		}
		prometheus.MustRegister(
			mirrorRegistry.requests,
			mirrorRegistry.latency,
			mirrorRegistry.rateWaits,
			mirrorRegistry.decodeFails,
		)
	})
	return mirrorRegistry
}

// ObserveRequest records one completed request. A zero code means the request
// never produced a response.
func (m *MirrorMetrics) ObserveRequest(network, resource string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.requests.WithLabelValues(network, resource, label).Inc()
	m.latency.WithLabelValues(network, resource).Observe(elapsed.Seconds())
}

func (m *MirrorMetrics) ObserveRateWait(network string, waited time.Duration) {
	if m == nil {
		return
	}
	m.rateWaits.WithLabelValues(network).Observe(waited.Seconds())
}

func (m *MirrorMetrics) RecordDecodeFailure(network, resource string) {
	if m == nil {
		return
	}
	m.decodeFails.WithLabelValues(network, resource).Inc()
}
