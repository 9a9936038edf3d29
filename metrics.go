package fleetq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the orchestrator feeds. Exposition
// is up to the embedding process; mount promhttp wherever it serves HTTP.
type Metrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	cancelled *prometheus.CounterVec

	duration *prometheus.HistogramVec

	queueDepth     *prometheus.GaugeVec
	healthyWorkers *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors. A nil registerer uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetq_tasks_submitted_total",
				Help: "Total number of tasks accepted by Submit",
			},
			[]string{"type"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetq_tasks_completed_total",
				Help: "Total number of tasks that reached COMPLETED",
			},
			[]string{"type"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetq_tasks_failed_total",
				Help: "Total number of tasks that reached FAILED",
			},
			[]string{"type"},
		),
		cancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetq_tasks_cancelled_total",
				Help: "Total number of tasks that reached CANCELLED",
			},
			[]string{"type"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetq_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"type"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetq_queue_depth",
				Help: "Current number of queued tasks per type",
			},
			[]string{"type"},
		),
		healthyWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetq_healthy_workers",
				Help: "Current number of healthy workers per worker type",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.submitted,
		m.completed,
		m.failed,
		m.cancelled,
		m.duration,
		m.queueDepth,
		m.healthyWorkers,
	)

	return m
}

// TaskSubmitted records one accepted submission.
func (m *Metrics) TaskSubmitted(taskType string) {
	m.submitted.WithLabelValues(taskType).Inc()
}

// TaskCompleted records one completed task and its execution duration.
func (m *Metrics) TaskCompleted(taskType string, d time.Duration) {
	m.completed.WithLabelValues(taskType).Inc()
	m.duration.WithLabelValues(taskType).Observe(d.Seconds())
}

// TaskFailed records one failed task.
func (m *Metrics) TaskFailed(taskType string) {
	m.failed.WithLabelValues(taskType).Inc()
}

// TaskCancelled records one cancelled task.
func (m *Metrics) TaskCancelled(taskType string) {
	m.cancelled.WithLabelValues(taskType).Inc()
}

// SetQueueDepth publishes the queued-task gauge for one type.
func (m *Metrics) SetQueueDepth(taskType string, n float64) {
	m.queueDepth.WithLabelValues(taskType).Set(n)
}

// SetHealthyWorkers publishes the healthy-worker gauge for one worker type.
func (m *Metrics) SetHealthyWorkers(workerType string, n float64) {
	m.healthyWorkers.WithLabelValues(workerType).Set(n)
}
