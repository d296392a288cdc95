package gate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the generation gate.
type Metrics struct {
	InFlight     prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	RetriesTotal prometheus.Counter
	WaitSeconds  prometheus.Histogram
	CallDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gate metrics once per process.
//
// Metrics:
//   - tabledoc_gate_in_flight - generation calls currently holding a slot
//   - tabledoc_gate_calls_total{outcome} - finished backend calls
//   - tabledoc_gate_retries_total - retries after transient failures
//   - tabledoc_gate_wait_seconds - time spent waiting for a slot
//   - tabledoc_gate_call_duration_seconds{role} - backend call latency
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tabledoc_gate_in_flight",
				Help: "Generation calls currently holding a gate slot",
			}),
			CallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabledoc_gate_calls_total",
					Help: "Backend generation calls by outcome",
				},
				[]string{"outcome"}, // "success", "transient", "permanent"
			),
			RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tabledoc_gate_retries_total",
				Help: "Retries issued after transient generation failures",
			}),
			WaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tabledoc_gate_wait_seconds",
				Help:    "Time spent waiting for a gate slot",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			}),
			CallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tabledoc_gate_call_duration_seconds",
					Help:    "Backend generation call latency",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
				},
				[]string{"role"},
			),
		}
	})
	return globalMetrics
}
