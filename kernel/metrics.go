package kernel

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors the teacher's habit of a single struct of registered
// collectors constructed once per process (SPEC_FULL.md §2 DOMAIN STACK:
// "kernel/metrics.go: crank duration histogram, run-queue depth gauge, GC
// actions counter, reconnect-attempt counter").
type metrics struct {
	crankDuration  prometheus.Histogram
	runQueueDepth  prometheus.Gauge
	gcActions      prometheus.Counter
	reconnectTries prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		crankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ocap_kernel",
			Name:      "crank_duration_seconds",
			Help:      "Time taken to execute one crank (dequeue, deliver, commit or roll back).",
			Buckets:   prometheus.DefBuckets,
		}),
		runQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocap_kernel",
			Name:      "run_queue_depth",
			Help:      "Number of items currently queued on the run queue.",
		}),
		gcActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocap_kernel",
			Name:      "gc_actions_total",
			Help:      "Number of GC actions (dropExports/retireExports/dropImports/retireImports) delivered.",
		}),
		reconnectTries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocap_kernel",
			Name:      "remote_reconnect_attempts_total",
			Help:      "Number of remote peer reconnection attempts made.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.crankDuration, m.runQueueDepth, m.gcActions, m.reconnectTries)
	}
	return m
}

// ObserveCrank/SetRunQueueDepth/IncGCAction/IncReconnectAttempt satisfy the
// MetricsSink interfaces gc.Engine, queue.Queue, and remote.RemoteNetwork
// each declare locally (to avoid importing this package and cycling back).

func (m *metrics) ObserveCrank(seconds float64) {
	if m == nil {
		return
	}
	m.crankDuration.Observe(seconds)
}

func (m *metrics) SetRunQueueDepth(n int) {
	if m == nil {
		return
	}
	m.runQueueDepth.Set(float64(n))
}

func (m *metrics) IncGCAction() {
	if m == nil {
		return
	}
	m.gcActions.Inc()
}

func (m *metrics) IncReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectTries.Inc()
}
