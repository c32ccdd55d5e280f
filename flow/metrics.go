package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metric collection for the engine, namespaced
// with "flowcoord_".
//
// Metrics exposed:
//
//  1. runs_started_total (counter): Runs materialized by a trigger.
//  2. runs_completed_total (counter): Runs that reached Completed.
//  3. runs_failed_total (counter): Runs that reached Failed, labeled by
//     reason (task_failed, stopped, worker_lost, restart).
//  4. task_duration_ms (histogram): Completed task durations, labeled by
//     flow and task. Buckets cover 10ms to 5m.
//  5. dispatch_queue_depth (gauge): Undelivered execution requests.
//  6. persist_failures_total (counter): Store writes that failed and were
//     not rolled back (the in-memory state runs ahead of disk).
//  7. outliers_detected_total (counter): Slow-outlier warnings attached.
//  8. watchdog_fired_total (counter): Heartbeat-timeout firings.
//
// All methods are safe on a nil receiver, so the engine can record
// unconditionally whether or not metrics are configured.
type Metrics struct {
	runsStarted     prometheus.Counter
	runsCompleted   prometheus.Counter
	runsFailed      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	persistFailures prometheus.Counter
	outliers        prometheus.Counter
	watchdogFired   prometheus.Counter
}

// NewMetrics creates and registers the engine metrics with the provided
// registry (prometheus.DefaultRegisterer when nil).
//
// Use a private registry for isolation:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "runs_started_total",
			Help:      "Total number of flow runs started.",
		}),
		runsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "runs_completed_total",
			Help:      "Total number of flow runs that completed successfully.",
		}),
		runsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "runs_failed_total",
			Help:      "Total number of flow runs that failed, by reason.",
		}, []string{"reason"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcoord",
			Name:      "task_duration_ms",
			Help:      "Completed task durations in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
		}, []string{"flow", "task"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcoord",
			Name:      "dispatch_queue_depth",
			Help:      "Number of undelivered execution requests.",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "persist_failures_total",
			Help:      "Total number of store writes that failed (in-memory state kept).",
		}),
		outliers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "outliers_detected_total",
			Help:      "Total number of slow-outlier warnings attached to tasks.",
		}),
		watchdogFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcoord",
			Name:      "watchdog_fired_total",
			Help:      "Total number of heartbeat-timeout firings.",
		}),
	}
}

// RunStarted increments the started-runs counter.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted increments the completed-runs counter.
func (m *Metrics) RunCompleted() {
	if m == nil {
		return
	}
	m.runsCompleted.Inc()
}

// RunFailed increments the failed-runs counter for the given reason.
func (m *Metrics) RunFailed(reason string) {
	if m == nil {
		return
	}
	m.runsFailed.WithLabelValues(reason).Inc()
}

// TaskDuration records one completed task duration.
func (m *Metrics) TaskDuration(flowName, taskName string, ms float64) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(flowName, taskName).Observe(ms)
}

// SetQueueDepth records the dispatcher queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// PersistFailure counts one failed store write.
func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// OutlierDetected counts one attached slow-outlier warning.
func (m *Metrics) OutlierDetected() {
	if m == nil {
		return
	}
	m.outliers.Inc()
}

// WatchdogFired counts one heartbeat-timeout firing.
func (m *Metrics) WatchdogFired() {
	if m == nil {
		return
	}
	m.watchdogFired.Inc()
}
