// Package treemetrics wires operation-level Prometheus metrics for the
// treestore and shardedtree engines: counters and histograms for store
// operations, gauges for node count and shard-roster size, and a counter
// of lazily created shards. It drops
// everything HTTP-shaped: this module has no listener of its own, so
// callers that already expose a /metrics endpoint register these
// against their own prometheus.Registerer.
package treemetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the Prometheus collectors for one store instance.
type Metrics struct {
	opsTotal      *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	nodesTotal    prometheus.Gauge
	shardsTotal   prometheus.Gauge
	shardsCreated prometheus.Counter
}

// NewMetrics creates and registers the collectors against reg. A nil reg
// creates the collectors without registering them with any registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		opsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tree_operations_total",
				Help:      "Total number of tree store operations.",
			},
			[]string{"operation", "status"},
		),
		opDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tree_operation_duration_seconds",
				Help:      "Tree store operation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		nodesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tree_nodes_total",
				Help:      "Current number of nodes in the store.",
			},
		),
		shardsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tree_shards_total",
				Help:      "Current number of shards in the roster (ShardedTreeStore only).",
			},
		),
		shardsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tree_shards_created_total",
				Help:      "Total number of shards lazily created (ShardedTreeStore only).",
			},
		),
	}
}

// Observe records one operation's outcome and duration. ok is false when
// the operation returned an error.
func (m *Metrics) Observe(operation string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := statusSuccess
	if !ok {
		status = statusError
	}
	m.opsTotal.WithLabelValues(operation, status).Inc()
	m.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetNodesTotal updates the current node-count gauge.
func (m *Metrics) SetNodesTotal(n int) {
	if m == nil {
		return
	}
	m.nodesTotal.Set(float64(n))
}

// SetShardsTotal updates the current shard-roster-size gauge.
func (m *Metrics) SetShardsTotal(n int) {
	if m == nil {
		return
	}
	m.shardsTotal.Set(float64(n))
}

// IncShardsCreated records that a new shard was lazily created.
func (m *Metrics) IncShardsCreated() {
	if m == nil {
		return
	}
	m.shardsCreated.Inc()
}

// Track times a single call to fn, recording it under operation
// regardless of whether fn returns an error.
func Track(m *Metrics, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Observe(operation, err == nil, time.Since(start))
	return err
}
