package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for pipeline execution, namespaced
// "chatgraph_":
//
//   - runs_total (counter, label status): finished runs by outcome.
//   - node_latency_ms (histogram, labels node_kind, status): node
//     execution duration.
//   - inflight_nodes (gauge): nodes currently executing.
//   - history_compressions_total (counter, label mode): compression
//     checkpoints that rewrote a summary.
//
// Expose via promhttp against the registry passed to NewMetrics.
type Metrics struct {
	runs         *prometheus.CounterVec
	nodeLatency  *prometheus.HistogramVec
	inflight     prometheus.Gauge
	compressions *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set. A nil registry uses
// the default global registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgraph",
			Name:      "runs_total",
			Help:      "Finished pipeline runs by outcome",
		}, []string{"status"}), // completed, aborted, suspended, failed
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatgraph",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_kind", "status"}), // status: success, error
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatgraph",
			Name:      "inflight_nodes",
			Help:      "Nodes currently executing",
		}),
		compressions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgraph",
			Name:      "history_compressions_total",
			Help:      "History compression checkpoints that rewrote a summary",
		}, []string{"mode"}),
	}
}

// RecordRun counts one finished run by outcome.
func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// RecordNodeLatency observes one node execution.
func (m *Metrics) RecordNodeLatency(nodeKind string, latency time.Duration, status string) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(nodeKind, status).Observe(float64(latency.Milliseconds()))
}

// NodeStarted / NodeFinished track the inflight gauge.
func (m *Metrics) NodeStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// NodeFinished decrements the inflight gauge.
func (m *Metrics) NodeFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// RecordCompression counts one summary-rewriting checkpoint.
func (m *Metrics) RecordCompression(mode string) {
	if m == nil {
		return
	}
	m.compressions.WithLabelValues(mode).Inc()
}
