// Package metrics holds the Prometheus instruments for the monitor engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the monitor engine.
type Metrics struct {
	// Scan metrics
	ScansTotal   *prometheus.CounterVec
	ScanDuration prometheus.Histogram
	ScanInterval prometheus.Gauge

	// Sequence metrics
	ProcessesObserved prometheus.Gauge
	SuspicionLevels   *prometheus.GaugeVec

	// Collector metrics
	CollectorFailures *prometheus.CounterVec

	// Signature pipeline metrics
	SigCacheHits     prometheus.Gauge
	SigCacheMisses   prometheus.Gauge
	PoolWorkersAlive prometheus.Gauge

	// Push metrics
	PushClients prometheus.Gauge
	PushFrames  *prometheus.CounterVec

	// Audit metrics
	AuditEvents  prometheus.Counter
	AuditDropped prometheus.Counter
}

// New creates and registers all engine metrics against reg. Tests pass a
// fresh registry so engines can be constructed repeatedly.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procscope_scans_total",
				Help: "Total number of scans, by result",
			},
			[]string{"result"}, // result: ok, timeout, unchanged
		),

		ScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "procscope_scan_duration_seconds",
				Help:    "Wall-clock duration of one full scan",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
		),

		ScanInterval: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_scan_interval_seconds",
				Help: "Adaptive interval until the next scan",
			},
		),

		ProcessesObserved: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_processes_observed",
				Help: "Number of processes in the last committed sequence",
			},
		),

		SuspicionLevels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "procscope_suspicion_level_count",
				Help: "Processes in the last committed sequence, by level",
			},
			[]string{"level"},
		),

		CollectorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procscope_collector_failures_total",
				Help: "Collector invocations that timed out or errored",
			},
			[]string{"collector"}, // collector: processes, sockets, launchd
		),

		SigCacheHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_sigcache_hits",
				Help: "Lifetime signature cache hits",
			},
		),

		SigCacheMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_sigcache_misses",
				Help: "Lifetime signature cache misses",
			},
		),

		PoolWorkersAlive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_sigpool_workers_alive",
				Help: "Live codesign workers",
			},
		),

		PushClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "procscope_push_clients",
				Help: "Connected push subscribers",
			},
		),

		PushFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procscope_push_frames_total",
				Help: "Frames pushed to subscribers, by type",
			},
			[]string{"type"}, // type: initial, delta, heartbeat
		),

		AuditEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "procscope_audit_events_total",
				Help: "Suspicious events appended to the audit log",
			},
		),

		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "procscope_audit_dropped_total",
				Help: "Audit events dropped because the queue was full",
			},
		),
	}
}

// ObserveSequence updates the per-commit gauges.
func (m *Metrics) ObserveSequence(total, critical, high, medium int) {
	m.ProcessesObserved.Set(float64(total))
	m.SuspicionLevels.WithLabelValues("critical").Set(float64(critical))
	m.SuspicionLevels.WithLabelValues("high").Set(float64(high))
	m.SuspicionLevels.WithLabelValues("medium").Set(float64(medium))
	m.SuspicionLevels.WithLabelValues("low").Set(float64(total - critical - high - medium))
}
