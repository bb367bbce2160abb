// Package scheduler runs named periodic tasks on top of robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/docflow/docflow/internal/metrics"
)

var (
	ErrIntervalTooShort = errors.New("schedule interval below minimum")
	ErrDuplicateTask    = errors.New("task already registered")
	ErrUnknownTask      = errors.New("unknown task")
)

// DefaultMinInterval is the shortest schedule accepted unless overridden.
const DefaultMinInterval = time.Second

// Task is a unit of periodic work. Its context is cancelled by Stop.
type Task func(ctx context.Context) error

// ErrorListener is told about every failed or panicking task run.
type ErrorListener func(task string, err error)

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("component", "scheduler") }
}

// WithMinInterval sets the floor for task intervals. Values under one second
// are raised to one second, the resolution of the underlying cron engine.
func WithMinInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.minInterval = max(d, DefaultMinInterval) }
}

func WithErrorListener(fn ErrorListener) Option {
	return func(s *Scheduler) { s.onError = fn }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type task struct {
	id       cron.EntryID
	fn       Task
	schedule string
}

// Scheduler fires registered tasks on their schedules. A run of a task is
// skipped while the previous run of the same task is still in progress.
type Scheduler struct {
	logger      *slog.Logger
	minInterval time.Duration
	onError     ErrorListener
	metrics     *metrics.Registry

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:      slog.Default().With("component", "scheduler"),
		minInterval: DefaultMinInterval,
		tasks:       make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{l: s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Every registers fn to run every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval < s.minInterval {
		return fmt.Errorf("%w: task %s every %s, minimum %s", ErrIntervalTooShort, name, interval, s.minInterval)
	}
	return s.add(name, "@every "+interval.String(), cron.Every(interval), fn)
}

// Cron registers fn with a standard five-field cron expression or a
// descriptor such as "@daily". Expressions firing more often than the
// minimum interval are rejected.
func (s *Scheduler) Cron(name, spec string, fn Task) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for task %s: %w", spec, name, err)
	}
	first := sched.Next(time.Now())
	if gap := sched.Next(first).Sub(first); gap < s.minInterval {
		return fmt.Errorf("%w: task %s fires every %s, minimum %s", ErrIntervalTooShort, name, gap, s.minInterval)
	}
	return s.add(name, spec, sched, fn)
}

func (s *Scheduler) add(name, spec string, sched cron.Schedule, fn Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		_ = s.run(s.ctx, name, fn)
	}))
	s.tasks[name] = &task{id: id, fn: fn, schedule: spec}
	s.logger.Info("task registered", "task", name, "schedule", spec)
	return nil
}

// Remove unregisters a task. It reports whether the task existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	s.cron.Remove(t.id)
	delete(s.tasks, name)
	return true
}

// Names returns the registered task names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Next returns the next scheduled run of a task. The zero time is returned
// while the scheduler is stopped.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(t.id).Next, true
}

// Trigger runs a task immediately on the calling goroutine and returns its
// error. Failures also reach the error listener.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, name, t.fn)
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts scheduling, cancels the context of running tasks and waits for
// them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
		s.metrics.TaskRun(name, err)
		if err != nil {
			s.logger.Error("task failed", "task", name, "error", err)
			if s.onError != nil {
				s.onError(name, err)
			}
			return
		}
		s.logger.Debug("task finished", "task", name, "took", time.Since(start))
	}()
	return fn(ctx)
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
