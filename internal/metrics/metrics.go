// Package metrics instruments run execution with Prometheus collectors
// (spec §5 "engines expose execution metrics for operability"). There is no
// bundled HTTP exporter here: the caller registers a Registerer and wires
// promhttp itself if it wants scraping, following the registry-injection
// pattern used elsewhere in the corpus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder instruments a single run's node executions, token outcomes, and
// retry/checkpoint activity. All methods are safe for concurrent use.
type Recorder struct {
	nodeLatency   *prometheus.HistogramVec
	tokenOutcomes *prometheus.CounterVec
	retries       *prometheus.CounterVec
	forksTotal    *prometheus.CounterVec
	bufferDepth   *prometheus.GaugeVec
	checkpoints   *prometheus.CounterVec

	enabled bool
}

// New creates and registers the elspeth_* collectors against registry. A nil
// registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Recorder{
		enabled: true,

		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds, from dispatch to terminal outcome",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"run_id", "node_id", "outcome"}),

		tokenOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "token_outcomes_total",
			Help:      "Terminal token outcomes by kind (spec RowOutcome)",
		}, []string{"run_id", "node_id", "outcome"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "retries_total",
			Help:      "Retry attempts made by the RetryManager, by node and outcome",
		}, []string{"run_id", "node_id", "outcome"}),

		forksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "forks_total",
			Help:      "Fork events emitted by gates, per gate node",
		}, []string{"run_id", "node_id"}),

		bufferDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elspeth",
			Name:      "aggregation_buffer_depth",
			Help:      "Current number of buffered tokens held by an aggregation node",
		}, []string{"run_id", "node_id"}),

		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written, by node and policy kind",
		}, []string{"run_id", "node_id", "policy"}),
	}
}

// ObserveNodeLatency records how long a node took to produce outcome.
func (r *Recorder) ObserveNodeLatency(runID, nodeID, outcome string, d time.Duration) {
	if !r.enabled {
		return
	}

	r.nodeLatency.WithLabelValues(runID, nodeID, outcome).Observe(float64(d.Milliseconds()))
}

// IncrementTokenOutcome records a terminal token outcome at nodeID.
func (r *Recorder) IncrementTokenOutcome(runID, nodeID, outcome string) {
	if !r.enabled {
		return
	}

	r.tokenOutcomes.WithLabelValues(runID, nodeID, outcome).Inc()
}

// IncrementRetry records one retry attempt at nodeID, tagged with its
// eventual outcome ("succeeded", "exhausted", "non_retryable").
func (r *Recorder) IncrementRetry(runID, nodeID, outcome string) {
	if !r.enabled {
		return
	}

	r.retries.WithLabelValues(runID, nodeID, outcome).Inc()
}

// IncrementForks records a fork event at a gate node.
func (r *Recorder) IncrementForks(runID, nodeID string, n int) {
	if !r.enabled {
		return
	}

	r.forksTotal.WithLabelValues(runID, nodeID).Add(float64(n))
}

// SetBufferDepth reports the current buffered-token count for an
// aggregation node.
func (r *Recorder) SetBufferDepth(runID, nodeID string, depth int) {
	if !r.enabled {
		return
	}

	r.bufferDepth.WithLabelValues(runID, nodeID).Set(float64(depth))
}

// IncrementCheckpoint records a checkpoint write for nodeID under the given
// checkpoint policy kind.
func (r *Recorder) IncrementCheckpoint(runID, nodeID, policy string) {
	if !r.enabled {
		return
	}

	r.checkpoints.WithLabelValues(runID, nodeID, policy).Inc()
}

// Disable stops recording without unregistering collectors (useful in
// tests that share a process-global registry across cases).
func (r *Recorder) Disable() { r.enabled = false }

// Enable re-enables recording after Disable.
func (r *Recorder) Enable() { r.enabled = true }
