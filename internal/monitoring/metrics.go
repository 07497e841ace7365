// Package monitoring exposes the daemon's own operational metrics: collection
// cycle outcomes, SSH pool pressure, sink health, push fabric traffic, and the
// process's resource footprint.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Collection metrics
	CycleDuration *prometheus.HistogramVec
	CycleTotal    *prometheus.CounterVec
	ParseWarnings *prometheus.CounterVec

	// SSH pool metrics
	DialTotal    *prometheus.CounterVec
	PoolSessions *prometheus.GaugeVec
	PoolWait     prometheus.Histogram

	// Sample store metrics
	SamplesStored prometheus.Counter
	RingEvictions prometheus.Counter
	FlushTotal    *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	SinkDegraded  prometheus.Gauge

	// Status metrics
	StatusTransitions *prometheus.CounterVec
	ServersByStatus   *prometheus.GaugeVec

	// Push fabric metrics
	WSConnections  prometheus.Gauge
	WSMessagesSent prometheus.Counter
	WSDrops        *prometheus.CounterVec
	WSDisconnects  *prometheus.CounterVec

	// Self metrics
	SelfCPUPercent prometheus.Gauge
	SelfRSSBytes   prometheus.Gauge
	SelfHeapBytes  prometheus.Gauge
	SelfGoroutines prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
// A nil registerer falls back to the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Cycle Duration Histogram
		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cwatcher_collect_cycle_duration_seconds",
				Help:    "Wall time of one collection cycle per server",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"server_id"},
		),

		// Cycle Outcome Counter
		CycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_collect_cycles_total",
				Help: "Total collection cycles by outcome",
			},
			[]string{"server_id", "outcome"}, // outcome: ok, partial, error
		),

		// Parse Warning Counter
		ParseWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_parse_warnings_total",
				Help: "Probe outputs that failed to parse, by metric key",
			},
			[]string{"key"},
		),

		// SSH Dial Counter
		DialTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_ssh_dials_total",
				Help: "SSH dial attempts by outcome",
			},
			[]string{"outcome"}, // outcome: ok, auth_failed, connect_failed, host_key_mismatch
		),

		// Pool Session Gauge
		PoolSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cwatcher_ssh_pool_sessions",
				Help: "Open pooled SSH sessions per server",
			},
			[]string{"server_id"},
		),

		// Pool Wait Histogram
		PoolWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cwatcher_ssh_pool_wait_seconds",
				Help:    "Time spent waiting for a free pooled session",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		// Stored Sample Counter
		SamplesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cwatcher_samples_stored_total",
				Help: "Samples accepted into the in-memory rings",
			},
		),

		// Ring Eviction Counter
		RingEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cwatcher_ring_evictions_total",
				Help: "Samples evicted from full rings",
			},
		),

		// Sink Flush Counter
		FlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_sink_flushes_total",
				Help: "Sink flush attempts by outcome",
			},
			[]string{"outcome"}, // outcome: ok, retried, failed
		),

		// Sink Flush Duration Histogram
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cwatcher_sink_flush_duration_seconds",
				Help:    "Duration of sink batch writes",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Sink Degraded Gauge
		SinkDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_sink_degraded",
				Help: "Whether the persistence sink is degraded (1) or healthy (0)",
			},
		),

		// Status Transition Counter
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_status_transitions_total",
				Help: "Server status transitions by destination state",
			},
			[]string{"to"},
		),

		// Servers By Status Gauge
		ServersByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cwatcher_servers",
				Help: "Monitored servers by current status",
			},
			[]string{"status"},
		),

		// WebSocket Connection Gauge
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_ws_connections",
				Help: "Currently connected WebSocket clients",
			},
		),

		// WebSocket Sent Counter
		WSMessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cwatcher_ws_messages_sent_total",
				Help: "Messages written to WebSocket clients",
			},
		),

		// WebSocket Drop Counter
		WSDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_ws_drops_total",
				Help: "Messages dropped instead of enqueued, by reason",
			},
			[]string{"reason"}, // reason: queue_full, shutdown
		),

		// WebSocket Disconnect Counter
		WSDisconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwatcher_ws_disconnects_total",
				Help: "Client disconnects by reason",
			},
			[]string{"reason"}, // reason: client, heartbeat, slow_consumer, cap, shutdown
		),

		// Self CPU Gauge
		SelfCPUPercent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_self_cpu_percent",
				Help: "Smoothed CPU usage of the daemon process",
			},
		),

		// Self RSS Gauge
		SelfRSSBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_self_rss_bytes",
				Help: "Resident set size of the daemon process",
			},
		),

		// Self Heap Gauge
		SelfHeapBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_self_heap_alloc_bytes",
				Help: "Heap bytes currently allocated",
			},
		),

		// Self Goroutine Gauge
		SelfGoroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cwatcher_self_goroutines",
				Help: "Live goroutine count",
			},
		),
	}
}

// RecordCycle records one finished collection cycle.
func (m *Metrics) RecordCycle(serverID, outcome string, seconds float64) {
	m.CycleTotal.WithLabelValues(serverID, outcome).Inc()
	m.CycleDuration.WithLabelValues(serverID).Observe(seconds)
}

// RecordParseWarning counts a probe section that could not be parsed.
func (m *Metrics) RecordParseWarning(key string) {
	m.ParseWarnings.WithLabelValues(key).Inc()
}

// RecordDial records an SSH dial attempt.
func (m *Metrics) RecordDial(outcome string) {
	m.DialTotal.WithLabelValues(outcome).Inc()
}

// SetPoolSessions updates the open-session gauge for a server.
func (m *Metrics) SetPoolSessions(serverID string, n int) {
	m.PoolSessions.WithLabelValues(serverID).Set(float64(n))
}

// ObservePoolWait records how long a caller waited for a session lease.
func (m *Metrics) ObservePoolWait(seconds float64) {
	m.PoolWait.Observe(seconds)
}

// RecordFlush records a sink flush attempt.
func (m *Metrics) RecordFlush(outcome string, seconds float64) {
	m.FlushTotal.WithLabelValues(outcome).Inc()
	m.FlushDuration.Observe(seconds)
}

// SetSinkDegraded flips the sink health gauge.
func (m *Metrics) SetSinkDegraded(degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.SinkDegraded.Set(v)
}

// RecordStatusTransition counts a server entering a new status.
func (m *Metrics) RecordStatusTransition(to string) {
	m.StatusTransitions.WithLabelValues(to).Inc()
}

// RecordWSDrop counts a message dropped instead of queued.
func (m *Metrics) RecordWSDrop(reason string) {
	m.WSDrops.WithLabelValues(reason).Inc()
}

// RecordWSDisconnect counts a closed client connection.
func (m *Metrics) RecordWSDisconnect(reason string) {
	m.WSDisconnects.WithLabelValues(reason).Inc()
}

// ForgetServer drops per-server label series after a server is deleted.
func (m *Metrics) ForgetServer(serverID string) {
	m.CycleDuration.DeleteLabelValues(serverID)
	m.PoolSessions.DeleteLabelValues(serverID)
	m.CycleTotal.DeletePartialMatch(prometheus.Labels{"server_id": serverID})
}
