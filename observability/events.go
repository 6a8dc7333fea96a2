package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks notifications emitted to downstream consumers.
type EventMetrics struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking published notifications.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of notification events published segmented by subject.",
			}, []string{"subject"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orgsign",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of notification events dropped for slow subscribers.",
			}, []string{"subject"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "orgsign",
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Connected websocket subscribers.",
			}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.dropped, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordPublished increments the published counter for subject by count.
func (m *EventMetrics) RecordPublished(subject string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.published.WithLabelValues(normaliseSubject(subject)).Add(float64(count))
}

// RecordDropped counts one event dropped for a subscriber.
func (m *EventMetrics) RecordDropped(subject string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normaliseSubject(subject)).Inc()
}

// SetSubscribers reports the number of connected subscribers.
func (m *EventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func normaliseSubject(subject string) string {
	normalized := strings.TrimSpace(strings.ToLower(subject))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
