// Package orchestrator owns the lifecycle of the job store, queue, scheduler
// and health monitor, and is the single entry point callers use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/health"
	"github.com/docflow/docflow/internal/input"
	"github.com/docflow/docflow/internal/job"
	"github.com/docflow/docflow/internal/metrics"
	"github.com/docflow/docflow/internal/processor"
	"github.com/docflow/docflow/internal/queue"
	"github.com/docflow/docflow/internal/scheduler"
)

// Scheduled task names.
const (
	TaskFetch   = "web_download_check"
	TaskHealth  = "health_check"
	TaskCleanup = "daily_cleanup"
)

var (
	// ErrConfigReloadDisabled is returned by ReloadConfig when the active
	// configuration has hot_reload off.
	ErrConfigReloadDisabled = errors.New("config reload disabled")
	// ErrNotRunning is returned by job operations before Start or after Stop.
	ErrNotRunning = errors.New("coordinator not running")
)

// StartError reports which component failed during Start.
type StartError struct {
	Component string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Component, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StoreOpener opens the job store at path.
type StoreOpener func(path string) (job.Store, error)

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.base = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = r }
}

func WithStoreOpener(fn StoreOpener) Option {
	return func(c *Coordinator) { c.openStore = fn }
}

// WithUsageReader replaces the procfs host usage reader.
func WithUsageReader(r metrics.UsageReader) Option {
	return func(c *Coordinator) { c.usage = r }
}

// WithInputChecker replaces the default local file checker used to validate
// input references on enqueue.
func WithInputChecker(ic queue.InputChecker) Option {
	return func(c *Coordinator) { c.inputs = ic }
}

// components holds everything built by one Start.
type components struct {
	store     job.Store
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	health    *health.Monitor
	startedAt time.Time
}

// Coordinator is created once by the entry point and shared by every
// consumer. The event bus exists from construction so subscribers can attach
// before Start.
type Coordinator struct {
	cfg        atomic.Pointer[config.Config]
	processors queue.Registry
	bus        *eventbus.Bus
	metrics    *metrics.Registry
	base       *slog.Logger
	logger     *slog.Logger
	openStore  StoreOpener
	usage      metrics.UsageReader
	inputs     queue.InputChecker

	lifecycle sync.Mutex
	current   atomic.Pointer[components]
}

// New validates cfg and builds a stopped Coordinator. Processors configured
// under cfg.Processors are added to processors unless a routine is already
// registered for that job type.
func New(cfg *config.Config, processors queue.Registry, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Coordinator{
		base:      slog.Default(),
		openStore: func(path string) (job.Store, error) { return job.NewSQLiteStore(path) },
		inputs:    input.NewRouter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry()
	}
	c.bus = eventbus.New(c.base)
	c.logger = c.base.With("component", "orchestrator")

	c.processors = maps.Clone(processors)
	if c.processors == nil {
		c.processors = queue.Registry{}
	}
	for name, pc := range cfg.Processors {
		if _, ok := c.processors[name]; ok {
			continue
		}
		cmd := &processor.Command{
			Path:   pc.Command,
			Args:   pc.Args,
			Env:    pc.Env,
			Logger: c.base.With("component", "processor", "job_type", name),
		}
		c.processors[name] = cmd.Process
	}
	if err := c.checkWatch(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c.cfg.Store(cfg)
	return c, nil
}

// checkWatch rejects a watch job type with no registered processor.
func (c *Coordinator) checkWatch(cfg *config.Config) error {
	if cfg.Watch.Dir == "" {
		return nil
	}
	if _, ok := c.processors[cfg.Watch.JobType]; !ok {
		return fmt.Errorf("watch.job_type %q has no processor (registered: %v)", cfg.Watch.JobType, c.JobTypes())
	}
	return nil
}

// Start opens the store, recovers and starts the worker pool, registers the
// scheduled tasks, starts the scheduler and the health monitor. It is a no-op
// when already running. On failure everything started so far is torn down.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.current.Load() != nil {
		return nil
	}
	cfg := c.cfg.Load()
	comp := &components{}

	fail := func(component string, err error) error {
		_ = c.teardown(context.WithoutCancel(ctx), comp)
		c.logger.Error("start failed", "failed_component", component, "error", err)
		return &StartError{Component: component, Err: err}
	}

	store, err := c.openStore(cfg.Store.Path)
	if err != nil {
		return fail("store", err)
	}
	comp.store = store

	comp.queue = queue.New(store, c.bus, c.processors, queueSettings(cfg),
		queue.WithLogger(c.base),
		queue.WithMetrics(c.metrics),
		queue.WithInputChecker(c.inputs),
	)
	recovered, err := comp.queue.Recovery(ctx)
	if err != nil {
		return fail("queue", err)
	}
	comp.queue.Start()
	c.logger.Info("queue recovered", "pending", recovered)

	usage := c.usage
	if usage == nil && cfg.Health.ProcPath != "" {
		pr, err := metrics.NewProcReader(cfg.Health.ProcPath, cfg.Health.DiskPath)
		if err != nil {
			return fail("health", err)
		}
		usage = pr
	}
	comp.health = health.New(metrics.NewSampler(usage, comp.queue.Status), store, c.bus, thresholds(cfg),
		health.WithLogger(c.base),
		health.WithMetrics(c.metrics),
	)

	comp.scheduler = scheduler.New(
		scheduler.WithLogger(c.base),
		scheduler.WithMinInterval(cfg.Schedule.MinInterval),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithErrorListener(c.taskFailed),
	)
	if err := c.registerTasks(comp, cfg); err != nil {
		return fail("scheduler", err)
	}
	comp.scheduler.Start()
	comp.health.Start()

	comp.startedAt = time.Now().UTC()
	c.current.Store(comp)
	c.logger.Info("coordinator started", "workers", cfg.Workers, "tasks", comp.scheduler.Names())
	return nil
}

func (c *Coordinator) registerTasks(comp *components, cfg *config.Config) error {
	if err := comp.scheduler.Every(TaskFetch, cfg.Schedule.FetchInterval, func(ctx context.Context) error {
		return c.fetchInputs(ctx, comp)
	}); err != nil {
		return err
	}
	if err := comp.scheduler.Every(TaskHealth, cfg.Schedule.HealthInterval, func(ctx context.Context) error {
		_, err := comp.health.Check(ctx)
		return err
	}); err != nil {
		return err
	}
	return comp.scheduler.Cron(TaskCleanup, cfg.Schedule.Cleanup, func(ctx context.Context) error {
		cfg := c.cfg.Load()
		_, jobErr := comp.queue.Cleanup(ctx, cfg.Retention)
		_, sampleErr := comp.health.PurgeSamples(ctx, cfg.MetricsRetention)
		return errors.Join(jobErr, sampleErr)
	})
}

// fetchInputs enqueues every watched file that was never queued before.
func (c *Coordinator) fetchInputs(ctx context.Context, comp *components) error {
	w := c.cfg.Load().Watch
	if w.Dir == "" {
		return nil
	}
	paths, err := input.Watcher{Dir: w.Dir, Patterns: w.Patterns}.Scan()
	if err != nil {
		return err
	}
	queued := 0
	for _, p := range paths {
		exists, err := comp.store.ExistsByInput(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := comp.queue.Enqueue(ctx, queue.EnqueueRequest{
			JobType:  w.JobType,
			InputRef: p,
			Priority: w.Priority,
		}); err != nil {
			return fmt.Errorf("enqueue %s: %w", p, err)
		}
		queued++
	}
	if queued > 0 {
		c.logger.Info("queued new inputs", "count", queued, "dir", w.Dir)
	}
	return nil
}

func (c *Coordinator) taskFailed(task string, err error) {
	c.bus.Publish(context.Background(), eventbus.SystemError, eventbus.SystemAlertPayload{
		Type:    "task_failed",
		Message: fmt.Sprintf("%s: %v", task, err),
	})
}

// Stop stops the scheduler, drains the worker pool, stops the health
// monitor and closes the store. It is a no-op when not running.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	comp := c.current.Load()
	if comp == nil {
		return nil
	}
	err := c.teardown(ctx, comp)
	c.current.Store(nil)
	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) teardown(ctx context.Context, comp *components) error {
	var errs []error
	if comp.scheduler != nil {
		errs = append(errs, comp.scheduler.Stop(ctx))
	}
	if comp.queue != nil {
		errs = append(errs, comp.queue.Stop(ctx))
	}
	if comp.health != nil {
		comp.health.Stop()
	}
	if comp.store != nil {
		errs = append(errs, comp.store.Close())
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running    bool              `json:"running"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	Uptime     float64           `json:"uptime_seconds"`
	Components map[string]bool   `json:"components"`
	Queue      job.QueueStatus   `json:"queue"`
	Tasks      []string          `json:"tasks"`
	Health     *health.Report    `json:"health,omitempty"`
	Thresholds health.Thresholds `json:"thresholds"`
}

func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	cfg := c.cfg.Load()
	st := &Status{
		Components: map[string]bool{"store": false, "queue": false, "scheduler": false, "health": false},
		Tasks:      []string{},
		Thresholds: thresholds(cfg),
	}
	comp := c.current.Load()
	if comp == nil {
		return st, nil
	}
	started := comp.startedAt
	st.Running = true
	st.StartedAt = &started
	st.Uptime = time.Since(started).Seconds()

	qs, err := comp.queue.Status(ctx)
	if err != nil {
		c.logger.Warn("queue status unavailable", "error", err)
	} else {
		st.Queue = qs
	}
	st.Components["store"] = err == nil
	st.Components["queue"] = err == nil
	st.Components["scheduler"] = comp.scheduler.Running()
	st.Components["health"] = comp.health.Running()
	st.Tasks = comp.scheduler.Names()
	st.Health = comp.health.LastReport()
	return st, nil
}

// ReloadConfig swaps in cfg and pushes queue settings and health thresholds
// to the running components. Store location and schedule intervals take
// effect on the next Start.
func (c *Coordinator) ReloadConfig(cfg *config.Config) error {
	if !c.cfg.Load().HotReload {
		return ErrConfigReloadDisabled
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.checkWatch(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.cfg.Store(cfg)
	if comp := c.current.Load(); comp != nil {
		comp.queue.Reconfigure(queueSettings(cfg))
		comp.health.SetThresholds(thresholds(cfg))
	}
	c.logger.Info("config reloaded")
	return nil
}

func (c *Coordinator) running() (*components, error) {
	comp := c.current.Load()
	if comp == nil {
		return nil, ErrNotRunning
	}
	return comp, nil
}

func (c *Coordinator) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*job.Job, error) {
	comp, err := c.running()
	if err != nil {
		return nil, err
	}
	return comp.queue.Enqueue(ctx, req)
}

func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	comp, err := c.running()
	if err != nil {
		return false, err
	}
	return comp.queue.Cancel(ctx, id)
}

func (c *Coordinator) Retry(ctx context.Context, id string) (bool, error) {
	comp, err := c.running()
	if err != nil {
		return false, err
	}
	return comp.queue.Retry(ctx, id)
}

// Job returns the stored job or job.ErrNotFound.
func (c *Coordinator) Job(ctx context.Context, id string) (*job.Job, error) {
	comp, err := c.running()
	if err != nil {
		return nil, err
	}
	return comp.store.Get(ctx, id)
}

// Jobs returns one page of jobs in dequeue order, optionally filtered by
// status, and the total number of matching jobs.
func (c *Coordinator) Jobs(ctx context.Context, limit, offset int, statuses ...job.Status) ([]*job.Job, int, error) {
	comp, err := c.running()
	if err != nil {
		return nil, 0, err
	}
	return comp.store.List(ctx, limit, offset, statuses...)
}

func (c *Coordinator) ProgressLog(ctx context.Context, id string) ([]*job.ProgressEntry, error) {
	comp, err := c.running()
	if err != nil {
		return nil, err
	}
	if _, err := comp.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return comp.store.ProgressLog(ctx, id)
}

func (c *Coordinator) QueueStatus(ctx context.Context) (job.QueueStatus, error) {
	comp, err := c.running()
	if err != nil {
		return job.QueueStatus{}, err
	}
	return comp.queue.Status(ctx)
}

// TriggerTask runs a scheduled task immediately.
func (c *Coordinator) TriggerTask(ctx context.Context, name string) error {
	comp, err := c.running()
	if err != nil {
		return err
	}
	return comp.scheduler.Trigger(ctx, name)
}

// Bus returns the event bus. It is valid before Start.
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

func (c *Coordinator) Metrics() *metrics.Registry { return c.metrics }

// Config returns the active configuration. Callers must not modify it.
func (c *Coordinator) Config() *config.Config { return c.cfg.Load() }

// JobTypes lists the registered job types in lexical order.
func (c *Coordinator) JobTypes() []string {
	return slices.Sorted(maps.Keys(c.processors))
}

func queueSettings(cfg *config.Config) queue.Settings {
	return queue.Settings{
		Workers:         cfg.Workers,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		RetryJitter:     cfg.RetryJitter,
		ResetRetryCount: cfg.ResetRetryCount,
		JobTimeout:      cfg.JobTimeout,
		MaxQueueSize:    cfg.QueueSize,
		DrainTimeout:    cfg.DrainTimeout,
	}
}

func thresholds(cfg *config.Config) health.Thresholds {
	return health.Thresholds{
		MemoryPercent:    cfg.Health.MemoryPercent,
		CPUPercent:       cfg.Health.CPUPercent,
		DiskPercent:      cfg.Health.DiskPercent,
		ErrorRatePercent: cfg.Health.ErrorRatePercent,
		QueueBacklog:     cfg.QueueBacklog(),
	}
}
