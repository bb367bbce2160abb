// Package health samples system and queue metrics, checks them against
// thresholds and raises alerts on the event bus.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/job"
	"github.com/docflow/docflow/internal/metrics"
)

// Rule names, also used as the alert type on system_error events.
const (
	RuleMemory       = "memory_high"
	RuleCPU          = "cpu_high"
	RuleDisk         = "disk_high"
	RuleErrorRate    = "error_rate_high"
	RuleQueueBacklog = "queue_backlog"
)

// Thresholds configure the alert rules. A zero value disables its rule.
// Percentages are 0-100; ErrorRatePercent compares against the failed share
// of finished jobs.
type Thresholds struct {
	MemoryPercent    float64 `json:"memory_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
	DiskPercent      float64 `json:"disk_percent"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
	QueueBacklog     int     `json:"queue_backlog"`
}

// Alert is one violated rule.
type Alert struct {
	Rule      string  `json:"rule"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Report is the outcome of one Check.
type Report struct {
	Sample  *job.MetricsSample `json:"sample"`
	Uptime  time.Duration      `json:"uptime_ns"`
	Alerts  []Alert            `json:"alerts"`
	Healthy bool               `json:"healthy"`
}

// Sampler produces metrics samples. *metrics.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context) (*job.MetricsSample, error)
}

// SampleStore persists samples. job.Store implements it.
type SampleStore interface {
	AppendMetrics(ctx context.Context, s *job.MetricsSample) error
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher receives alerts. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) int
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l.With("component", "health") }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(m *Monitor) { m.metrics = r }
}

type Monitor struct {
	sampler    Sampler
	store      SampleStore
	bus        Publisher
	logger     *slog.Logger
	metrics    *metrics.Registry
	thresholds atomic.Pointer[Thresholds]

	mu      sync.Mutex
	started time.Time
	running bool
	last    *Report
}

func New(sampler Sampler, store SampleStore, bus Publisher, th Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		sampler: sampler,
		store:   store,
		bus:     bus,
		logger:  slog.Default().With("component", "health"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetThresholds(th)
	return m
}

// Start marks the monitor active and resets the uptime clock. Checks are
// driven externally, typically by the scheduler.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.started = time.Now()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) SetThresholds(th Thresholds) {
	m.thresholds.Store(&th)
}

func (m *Monitor) Thresholds() Thresholds {
	return *m.thresholds.Load()
}

// LastReport returns the most recent Check result, or nil before the first.
func (m *Monitor) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check samples, persists the sample, evaluates every rule and publishes one
// system_error event per violation.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("take sample: %w", err)
	}
	if m.store != nil {
		if err := m.store.AppendMetrics(ctx, sample); err != nil {
			m.logger.Warn("persist metrics sample", "error", err)
		}
	}
	m.metrics.ObserveSample(sample)

	alerts := Evaluate(sample, m.Thresholds())

	m.mu.Lock()
	var uptime time.Duration
	if !m.started.IsZero() {
		uptime = time.Since(m.started)
	}
	report := &Report{Sample: sample, Uptime: uptime, Alerts: alerts, Healthy: len(alerts) == 0}
	m.last = report
	m.mu.Unlock()

	for _, a := range alerts {
		m.metrics.Alert(a.Rule)
		m.logger.Warn("health threshold exceeded", "rule", a.Rule, "value", a.Value, "threshold", a.Threshold)
		m.bus.Publish(ctx, eventbus.SystemError, eventbus.SystemAlertPayload{
			Type: a.Rule, Message: a.Message, Value: a.Value, Threshold: a.Threshold,
		})
	}
	return report, nil
}

// PurgeSamples deletes samples older than retention.
func (m *Monitor) PurgeSamples(ctx context.Context, retention time.Duration) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	return m.store.DeleteMetricsBefore(ctx, time.Now().UTC().Add(-retention))
}

// Evaluate returns the alerts a sample triggers under th.
func Evaluate(s *job.MetricsSample, th Thresholds) []Alert {
	var alerts []Alert
	check := func(rule, what string, value, limit float64) {
		if limit > 0 && value > limit {
			alerts = append(alerts, Alert{
				Rule: rule, Value: value, Threshold: limit,
				Message: fmt.Sprintf("%s at %.1f exceeds %.1f", what, value, limit),
			})
		}
	}
	check(RuleMemory, "memory usage", s.MemoryPercent, th.MemoryPercent)
	check(RuleCPU, "cpu usage", s.CPUPercent, th.CPUPercent)
	check(RuleDisk, "disk usage", s.DiskPercent, th.DiskPercent)
	check(RuleErrorRate, "job error rate", s.ErrorRate*100, th.ErrorRatePercent)
	check(RuleQueueBacklog, "queue length", float64(s.QueueLength), float64(th.QueueBacklog))
	return alerts
}
