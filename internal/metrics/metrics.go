// Package metrics collects and exposes Prometheus metrics for the fiber
// scheduler: task throughput, fiber population state, sync counter
// waiter pressure, and queue depths.
//
// Metric Categories:
//
//   1. Task Counters - cumulative, monotonically increasing:
//      - fiber_tasks_submitted_total
//      - fiber_tasks_completed_total
//      - fiber_tasks_panicked_total
//
//   2. Task Duration (Histogram):
//      - fiber_task_duration_seconds
//
//   3. Status Gauges - instantaneous values:
//      - fiber_fibers_idle
//      - fiber_fibers_awake
//      - fiber_task_queue_depth
//      - fiber_counter_waiters
//
// Prometheus Query Examples:
//
//   # Tasks per minute
//   rate(fiber_tasks_completed_total[1m])
//
//   # 95th percentile task duration
//   histogram_quantile(0.95, fiber_task_duration_seconds_bucket)
//
//   # Panic rate
//   rate(fiber_tasks_panicked_total[5m]) / rate(fiber_tasks_submitted_total[5m])
//
// Exposed via /metrics, scraped by Prometheus. Default port 9090.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for a running scheduler Pool.
type Collector struct {
	tasksSubmitted prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksPanicked  prometheus.Counter

	taskDuration prometheus.Histogram

	fibersIdle     prometheus.Gauge
	fibersAwake    prometheus.Gauge
	taskQueueDepth prometheus.Gauge
	counterWaiters prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiber_tasks_submitted_total",
			Help: "Total number of tasks submitted to the pool",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiber_tasks_completed_total",
			Help: "Total number of tasks that ran to completion",
		}),
		tasksPanicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiber_tasks_panicked_total",
			Help: "Total number of tasks whose fiber panicked",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fiber_task_duration_seconds",
			Help:    "Task execution duration in seconds, from SetRun to final return to main",
			Buckets: prometheus.DefBuckets,
		}),
		fibersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fiber_fibers_idle",
			Help: "Current number of fibers sitting in the idle queue",
		}),
		fibersAwake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fiber_fibers_awake",
			Help: "Current number of fibers sitting in the awake queue",
		}),
		taskQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fiber_task_queue_depth",
			Help: "Current number of tasks waiting in the task queue",
		}),
		counterWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fiber_counter_waiters",
			Help: "Current total number of fibers parked on a sync counter's waiter list, across all slots",
		}),
	}

	prometheus.MustRegister(c.tasksSubmitted)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.tasksPanicked)
	prometheus.MustRegister(c.taskDuration)
	prometheus.MustRegister(c.fibersIdle)
	prometheus.MustRegister(c.fibersAwake)
	prometheus.MustRegister(c.taskQueueDepth)
	prometheus.MustRegister(c.counterWaiters)

	return c
}

// RecordSubmitted records a task entering the task queue.
func (c *Collector) RecordSubmitted() {
	c.tasksSubmitted.Inc()
}

// RecordCompleted records a task finishing normally, with its duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.tasksCompleted.Inc()
	c.taskDuration.Observe(durationSeconds)
}

// RecordPanicked records a task whose fiber panicked and was trapped.
func (c *Collector) RecordPanicked() {
	c.tasksPanicked.Inc()
}

// UpdatePoolStats updates the instantaneous fiber and queue gauges. It is
// meant to be called on a short ticker against Pool.FiberCounts and
// Pool.TaskQueueDepth.
func (c *Collector) UpdatePoolStats(idleFibers, awakeFibers, taskQueueDepth int) {
	c.fibersIdle.Set(float64(idleFibers))
	c.fibersAwake.Set(float64(awakeFibers))
	c.taskQueueDepth.Set(float64(taskQueueDepth))
}

// UpdateWaiterCount updates the counter-table waiter gauge. It is meant
// to be called on the same short ticker as UpdatePoolStats, against
// counter.Table.TotalWaiters (reached via Pool.TotalWaiters).
func (c *Collector) UpdateWaiterCount(n int) {
	c.counterWaiters.Set(float64(n))
}

// StartServer starts the Prometheus metrics HTTP server. It blocks until
// the server errors out.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
