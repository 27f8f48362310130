package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted  *prometheus.CounterVec
	forwards *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking conversion lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of conversion events segmented by type.",
			}, []string{"type"}),
			forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "events",
				Name:      "forwarded_total",
				Help:      "Count of event deliveries to remote sinks segmented by sink and outcome.",
			}, []string{"sink", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.forwards)
	})
	return eventRegistry
}

// RecordEmit increments the emitted counter for the supplied event type.
func (m *eventMetrics) RecordEmit(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordForward tracks the outcome of a delivery to a remote sink.
func (m *eventMetrics) RecordForward(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.forwards.WithLabelValues(sink, outcome).Inc()
}
