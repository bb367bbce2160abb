// Package metrics exports Prometheus instrumentation and samples host
// resource usage for the health monitor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflow/docflow/internal/job"
)

const namespace = "docflow"

// Registry owns the process's Prometheus collectors. All methods are safe to
// call on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobRetries    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueLength   prometheus.Gauge
	activeWorkers prometheus.Gauge
	alerts        *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
	memory        prometheus.Gauge
	cpu           prometheus.Gauge
	disk          prometheus.Gauge
	errorRate     prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}, []string{"job_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"job_type", "status"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_retries_total",
			Help: "Retries scheduled after a failed attempt.",
		}, []string{"job_type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Wall time of a single processing attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"job_type"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_length",
			Help: "Jobs waiting for a worker.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers",
			Help: "Workers currently executing a job.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_alerts_total",
			Help: "Health threshold violations.",
		}, []string{"rule"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduled_task_runs_total",
			Help: "Scheduled task executions by outcome.",
		}, []string{"task", "outcome"}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_used_percent", Help: "Host memory in use.",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_used_percent", Help: "Host CPU busy time since the previous sample.",
		}),
		disk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "disk_used_percent", Help: "Used space on the data volume.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_error_rate", Help: "failed / (completed + failed).",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.jobsEnqueued, r.jobsFinished, r.jobRetries, r.jobDuration,
		r.queueLength, r.activeWorkers, r.alerts, r.taskRuns,
		r.memory, r.cpu, r.disk, r.errorRate,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) JobEnqueued(jobType string) {
	if r == nil {
		return
	}
	r.jobsEnqueued.WithLabelValues(jobType).Inc()
}

func (r *Registry) JobFinished(jobType string, status job.Status, took time.Duration) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(jobType, string(status)).Inc()
	if took > 0 {
		r.jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	}
}

func (r *Registry) JobRetried(jobType string) {
	if r == nil {
		return
	}
	r.jobRetries.WithLabelValues(jobType).Inc()
}

func (r *Registry) SetQueueLength(n int) {
	if r == nil {
		return
	}
	r.queueLength.Set(float64(n))
}

func (r *Registry) SetActiveWorkers(n int) {
	if r == nil {
		return
	}
	r.activeWorkers.Set(float64(n))
}

func (r *Registry) Alert(rule string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(rule).Inc()
}

func (r *Registry) TaskRun(task string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.taskRuns.WithLabelValues(task, outcome).Inc()
}

// ObserveSample mirrors a health sample into the resource gauges.
func (r *Registry) ObserveSample(s *job.MetricsSample) {
	if r == nil || s == nil {
		return
	}
	r.memory.Set(s.MemoryPercent)
	r.cpu.Set(s.CPUPercent)
	r.disk.Set(s.DiskPercent)
	r.errorRate.Set(s.ErrorRate)
	r.queueLength.Set(float64(s.QueueLength))
}
