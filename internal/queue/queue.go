package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/input"
	"github.com/docflow/docflow/internal/job"
	"github.com/docflow/docflow/internal/metrics"
	"github.com/docflow/docflow/internal/retry"
)

var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrUnknownJobType = fmt.Errorf("%w: unknown job type", ErrInvalidRequest)
	ErrQueueSaturated = errors.New("queue is full")

	errNotRunnable = errors.New("job is not in a runnable state")
)

// ProgressFunc reports intermediate progress of a running job. percent is
// clamped to [0, 100]. A non-nil error means the job is no longer running
// and the processor should return.
type ProgressFunc func(percent int, stage string, data map[string]any) error

// Processor executes one job. The returned value is stored as the job result
// after JSON encoding. ctx is cancelled when the job is cancelled, times out
// or the pool shuts down.
type Processor func(ctx context.Context, j *job.Job, progress ProgressFunc) (any, error)

// Registry maps job types to their processors.
type Registry map[string]Processor

// Publisher receives lifecycle events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) int
}

// InputChecker verifies that an input reference points at something that
// exists.
type InputChecker interface {
	Check(ctx context.Context, ref string) error
}

// Settings are the tunables that may change while the pool is running.
// Workers is only read by Start.
type Settings struct {
	Workers         int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     bool
	ResetRetryCount bool
	JobTimeout      time.Duration
	MaxQueueSize    int
	DrainTimeout    time.Duration
}

func (s Settings) policy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		Base:       s.RetryBaseDelay,
		Max:        s.RetryMaxDelay,
		Jitter:     s.RetryJitter,
	}
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	JobType    string
	InputRef   string
	Priority   int
	Parameters map[string]any
	// MaxRetries overrides the configured default when non-nil.
	MaxRetries *int
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l.With("component", "queue") }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithInputChecker(c InputChecker) Option {
	return func(q *Queue) { q.inputs = c }
}

type execution struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Queue is a persistent priority queue drained by a fixed pool of workers.
type Queue struct {
	store      job.Store
	bus        Publisher
	processors Registry
	settings   atomic.Pointer[Settings]
	logger     *slog.Logger
	metrics    *metrics.Registry
	inputs     InputChecker

	mu       sync.Mutex
	pending  *pendingHeap
	seq      uint64
	running  map[string]*execution
	started  bool
	stopping bool

	wake       chan struct{}
	stopCh     chan struct{}
	execCtx    context.Context
	execCancel context.CancelFunc
	workers    sync.WaitGroup
	retries    sync.WaitGroup
}

// New creates a Queue. Jobs may be enqueued before Start; they wait in the
// pending heap until workers exist.
func New(store job.Store, bus Publisher, processors Registry, settings Settings, opts ...Option) *Queue {
	execCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:      store,
		bus:        bus,
		processors: processors,
		logger:     slog.Default().With("component", "queue"),
		pending:    newPendingHeap(),
		running:    make(map[string]*execution),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		execCtx:    execCtx,
		execCancel: cancel,
	}
	if q.processors == nil {
		q.processors = Registry{}
	}
	for _, opt := range opts {
		opt(q)
	}
	q.Reconfigure(settings)
	return q
}

// Reconfigure atomically replaces the runtime settings. Jobs already running
// keep the timeout they started with.
func (q *Queue) Reconfigure(s Settings) {
	if s.Workers < 1 {
		s.Workers = 1
	}
	q.settings.Store(&s)
}

// Settings returns the active settings.
func (q *Queue) Settings() Settings {
	return *q.settings.Load()
}

// Enqueue validates and persists a new pending job, then makes it available
// to workers.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Job, error) {
	settings := q.Settings()

	switch {
	case req.InputRef == "":
		return nil, fmt.Errorf("%w: input reference must not be empty", ErrInvalidRequest)
	case req.JobType == "":
		return nil, fmt.Errorf("%w: job type must not be empty", ErrInvalidRequest)
	case req.Priority < 0:
		return nil, fmt.Errorf("%w: priority must be >= 0", ErrInvalidRequest)
	case req.MaxRetries != nil && *req.MaxRetries < 0:
		return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidRequest)
	}
	if _, ok := q.processors[req.JobType]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJobType, req.JobType)
	}
	if q.inputs != nil {
		err := q.inputs.Check(ctx, req.InputRef)
		if errors.Is(err, input.ErrUnsupportedScheme) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err != nil {
			return nil, err
		}
	}
	if settings.MaxQueueSize > 0 && q.Len() >= settings.MaxQueueSize {
		return nil, ErrQueueSaturated
	}

	maxRetries := settings.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	j := &job.Job{
		ID:         uuid.NewString(),
		Status:     job.StatusPending,
		Priority:   req.Priority,
		JobType:    req.JobType,
		InputRef:   req.InputRef,
		Parameters: req.Parameters,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := q.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.push(j.ID, j.Priority)
	q.metrics.JobEnqueued(j.JobType)
	q.logger.Info("job queued", "job_id", j.ID, "job_type", j.JobType, "priority", j.Priority)
	q.bus.Publish(ctx, eventbus.JobQueued, eventbus.JobQueuedPayload{
		JobID: j.ID, JobType: j.JobType, InputRef: j.InputRef, Priority: j.Priority,
	})
	return j, nil
}

// Cancel moves a pending, retrying or running job to cancelled. Running jobs
// have their context cancelled; the processor is expected to return promptly
// and its outcome is discarded. It returns false for unknown or terminal jobs.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	removed, wasQueued := q.pending.remove(id)
	q.mu.Unlock()

	var prev job.Status
	j, err := q.store.Mutate(ctx, id, func(j *job.Job) error {
		if !j.Status.Cancellable() {
			return errNotRunnable
		}
		prev = j.Status
		now := time.Now().UTC()
		j.Status = job.StatusCancelled
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if wasQueued && !errors.Is(err, job.ErrNotFound) && !errors.Is(err, errNotRunnable) {
			q.mu.Lock()
			q.pending.push(removed)
			q.mu.Unlock()
		}
		if errors.Is(err, job.ErrNotFound) || errors.Is(err, errNotRunnable) {
			return false, nil
		}
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	q.metrics.SetQueueLength(q.Len())

	if prev == job.StatusRunning {
		q.mu.Lock()
		if exec, ok := q.running[id]; ok {
			exec.cancelled = true
			exec.cancel()
		}
		q.mu.Unlock()
	}

	q.metrics.JobFinished(j.JobType, job.StatusCancelled, 0)
	q.logger.Info("job cancelled", "job_id", id, "previous_status", prev)
	q.bus.Publish(ctx, eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{
		JobID: id, JobType: j.JobType, Status: string(job.StatusCancelled),
		RetryCount: j.RetryCount, CallbackURL: j.CallbackURL(),
	})
	return true, nil
}

// Retry re-queues a failed job. It returns false for jobs that are not failed.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	reset := q.Settings().ResetRetryCount
	j, err := q.store.Mutate(ctx, id, func(j *job.Job) error {
		if j.Status != job.StatusFailed {
			return errNotRunnable
		}
		j.Status = job.StatusPending
		if reset {
			j.RetryCount = 0
		}
		j.ProgressPercent = 0
		j.CurrentStage = ""
		j.Result = nil
		j.LastError = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		return nil
	})
	if errors.Is(err, job.ErrNotFound) || errors.Is(err, errNotRunnable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}

	q.push(j.ID, j.Priority)
	q.logger.Info("job re-queued", "job_id", id, "retry_count", j.RetryCount)
	q.bus.Publish(ctx, eventbus.JobQueued, eventbus.JobQueuedPayload{
		JobID: j.ID, JobType: j.JobType, InputRef: j.InputRef, Priority: j.Priority,
	})
	return true, nil
}

// Recovery resets jobs left running or retrying by a previous process and
// loads every pending job into the heap in priority order. It returns the
// number of jobs made available to workers.
func (q *Queue) Recovery(ctx context.Context) (int, error) {
	ids, err := q.store.ResetRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset running: %w", err)
	}
	if len(ids) > 0 {
		q.logger.Warn("recovered interrupted jobs", "count", len(ids))
	}

	pending, err := q.store.ListByStatus(ctx, job.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	n := 0
	for _, j := range pending {
		if q.push(j.ID, j.Priority) {
			n++
		}
	}
	return n, nil
}

// Cleanup deletes terminal jobs that finished more than retention ago.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.store.DeleteCompletedBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("cleaned up finished jobs", "count", n, "retention", retention)
	}
	return n, nil
}

// Status returns job counts plus the in-memory queue length and the number
// of busy workers.
func (q *Queue) Status(ctx context.Context) (job.QueueStatus, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return job.QueueStatus{}, err
	}
	qs := job.StatusFromCounts(counts)
	q.mu.Lock()
	qs.QueueLength = q.pending.Len()
	qs.ActiveWorkers = len(q.running)
	q.mu.Unlock()
	return qs, nil
}

// Len returns the number of jobs waiting in the heap.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopping {
		return
	}
	q.started = true
	workers := q.Settings().Workers
	for i := range workers {
		q.workers.Add(1)
		go q.runWorker(i)
	}
	q.logger.Info("worker pool started", "workers", workers)
	q.signal()
}

// Stop stops dequeuing and waits for in-flight jobs. Jobs still running when
// the drain timeout (or ctx) expires are cancelled and returned to pending.
// Jobs waiting for a retry are returned to pending immediately.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	close(q.stopCh)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(drained)
	}()

	var timeout <-chan time.Time
	if d := q.Settings().DrainTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var err error
	select {
	case <-drained:
	case <-timeout:
		q.logger.Warn("drain timeout reached, interrupting running jobs")
		q.execCancel()
		<-drained
	case <-ctx.Done():
		err = ctx.Err()
		q.execCancel()
		<-drained
	}
	q.retries.Wait()
	q.execCancel()
	q.logger.Info("worker pool stopped")
	return err
}

func (q *Queue) push(id string, priority int) bool {
	q.mu.Lock()
	q.seq++
	ok := q.pending.push(&entry{id: id, priority: priority, seq: q.seq})
	n := q.pending.Len()
	q.mu.Unlock()
	if ok {
		q.metrics.SetQueueLength(n)
		q.signal()
	}
	return ok
}

// next pops the highest priority entry. When more work remains it passes the
// wake-up on to another idle worker.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return "", false
	}
	e, ok := q.pending.pop()
	if !ok {
		return "", false
	}
	if q.pending.Len() > 0 {
		q.signal()
	}
	q.metrics.SetQueueLength(q.pending.Len())
	return e.id, true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
