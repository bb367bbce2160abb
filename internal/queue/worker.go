package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/job"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// runWorker is a worker loop: dequeues jobs and processes them until Stop.
func (q *Queue) runWorker(n int) {
	defer q.workers.Done()
	for {
		id, ok := q.next()
		if ok {
			q.processJob(id)
			continue
		}
		select {
		case <-q.stopCh:
			q.logger.Debug("worker exiting", "worker", n)
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) processJob(id string) {
	// Store writes outlive the execution context so outcomes are recorded
	// even while shutting down.
	bg := context.Background()

	settings := q.Settings()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if settings.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(q.execCtx, settings.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(q.execCtx)
	}
	exec := &execution{cancel: cancel}

	// Register before marking the job running so a concurrent Cancel always
	// finds the execution to interrupt.
	q.mu.Lock()
	q.running[id] = exec
	active := len(q.running)
	q.mu.Unlock()
	q.metrics.SetActiveWorkers(active)

	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.running, id)
		active := len(q.running)
		q.mu.Unlock()
		q.metrics.SetActiveWorkers(active)
	}()

	j, err := q.store.Mutate(bg, id, func(j *job.Job) error {
		if j.Status != job.StatusPending {
			return errNotRunnable
		}
		now := time.Now().UTC()
		j.Status = job.StatusRunning
		j.StartedAt = &now
		j.CompletedAt = nil
		return nil
	})
	if errors.Is(err, errNotRunnable) || errors.Is(err, job.ErrNotFound) {
		q.logger.Debug("skipping job", "job_id", id, "reason", err)
		return
	}
	if err != nil {
		q.logger.Error("mark job running", "job_id", id, "error", err)
		return
	}

	q.logger.Info("job started", "job_id", id, "job_type", j.JobType, "attempt", j.RetryCount+1)
	q.bus.Publish(bg, eventbus.ProcessingStarted, eventbus.JobStartedPayload{
		JobID: id, JobType: j.JobType, Attempt: j.RetryCount + 1,
	})

	proc, ok := q.processors[j.JobType]
	var result any
	var runErr error
	if !ok {
		runErr = Permanent(fmt.Errorf("no processor registered for job type %q", j.JobType))
	} else {
		result, runErr = q.invoke(ctx, proc, j.Clone(), q.progressFunc(ctx, j))
	}

	q.mu.Lock()
	cancelled := exec.cancelled
	q.mu.Unlock()

	switch {
	case cancelled:
		q.logger.Info("job interrupted by cancel", "job_id", id)
	case runErr == nil:
		q.complete(bg, j, result)
	case q.execCtx.Err() != nil:
		q.requeueInterrupted(bg, j)
	default:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s: %w", settings.JobTimeout, runErr)
		}
		q.fail(bg, j, runErr)
	}
}

func (q *Queue) invoke(ctx context.Context, p Processor, j *job.Job, progress ProgressFunc) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, j, progress)
}

func (q *Queue) progressFunc(ctx context.Context, j *job.Job) ProgressFunc {
	return func(percent int, stage string, data map[string]any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		percent = max(0, min(100, percent))

		_, err := q.store.Mutate(ctx, j.ID, func(cur *job.Job) error {
			if cur.Status != job.StatusRunning {
				return errNotRunnable
			}
			cur.ProgressPercent = percent
			cur.CurrentStage = stage
			return nil
		})
		if err != nil {
			return fmt.Errorf("report progress: %w", err)
		}
		if err := q.store.AppendProgress(ctx, &job.ProgressEntry{
			JobID: j.ID, Stage: stage, Percent: percent, Data: data,
		}); err != nil {
			return fmt.Errorf("report progress: %w", err)
		}

		q.bus.Publish(ctx, eventbus.ProcessingProgress, eventbus.JobProgressPayload{
			JobID: j.ID, Percent: percent, Stage: stage, Data: data,
		})
		return nil
	}
}

func (q *Queue) complete(ctx context.Context, j *job.Job, result any) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			q.fail(ctx, j, Permanent(fmt.Errorf("encode result: %w", err)))
			return
		}
		raw = b
	}

	done, err := q.store.Mutate(ctx, j.ID, func(cur *job.Job) error {
		if cur.Status != job.StatusRunning {
			return errNotRunnable
		}
		now := time.Now().UTC()
		cur.Status = job.StatusCompleted
		cur.ProgressPercent = 100
		cur.Result = raw
		cur.LastError = ""
		cur.CompletedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotRunnable) {
			q.logger.Error("mark job completed", "job_id", j.ID, "error", err)
		}
		return
	}

	took := elapsed(done)
	q.metrics.JobFinished(done.JobType, job.StatusCompleted, took)
	q.logger.Info("job completed", "job_id", done.ID, "duration", took)
	q.bus.Publish(ctx, eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{
		JobID: done.ID, JobType: done.JobType, Status: string(job.StatusCompleted),
		Result: done.Result, RetryCount: done.RetryCount,
		CallbackURL: done.CallbackURL(), Duration: took,
	})
}

func (q *Queue) fail(ctx context.Context, j *job.Job, runErr error) {
	attempt := j.RetryCount + 1
	delay, retryable := q.Settings().policy(j.MaxRetries).Next(attempt)
	if IsPermanent(runErr) {
		retryable = false
	}

	updated, err := q.store.Mutate(ctx, j.ID, func(cur *job.Job) error {
		if cur.Status != job.StatusRunning {
			return errNotRunnable
		}
		cur.LastError = runErr.Error()
		if retryable {
			cur.Status = job.StatusRetrying
			cur.RetryCount = attempt
			return nil
		}
		now := time.Now().UTC()
		cur.Status = job.StatusFailed
		cur.CompletedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotRunnable) {
			q.logger.Error("record job failure", "job_id", j.ID, "error", err)
		}
		return
	}

	if retryable {
		q.metrics.JobRetried(updated.JobType)
		q.logger.Warn("job failed, retrying",
			"job_id", updated.ID, "attempt", attempt, "max_retries", updated.MaxRetries,
			"delay", delay, "error", runErr)
		q.bus.Publish(ctx, eventbus.ProcessingRetry, eventbus.JobRetryPayload{
			JobID: updated.ID, Attempt: attempt, MaxRetries: updated.MaxRetries,
			Delay: delay, Error: runErr.Error(),
		})
		q.scheduleRetry(updated.ID, updated.Priority, delay)
		return
	}

	took := elapsed(updated)
	q.metrics.JobFinished(updated.JobType, job.StatusFailed, took)
	q.logger.Error("job failed", "job_id", updated.ID, "retry_count", updated.RetryCount, "error", runErr)
	q.bus.Publish(ctx, eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{
		JobID: updated.ID, JobType: updated.JobType, Status: string(job.StatusFailed),
		Error: updated.LastError, RetryCount: updated.RetryCount,
		CallbackURL: updated.CallbackURL(), Duration: took,
	})
	q.bus.Publish(ctx, eventbus.SystemError, eventbus.SystemAlertPayload{
		Type:    "job_failed",
		Message: fmt.Sprintf("job %s failed after %d retries: %s", updated.ID, updated.RetryCount, updated.LastError),
		JobID:   updated.ID,
	})
}

// scheduleRetry waits out the backoff without holding a worker. On Stop the
// job is returned to pending immediately so the next start picks it up.
func (q *Queue) scheduleRetry(id string, priority int, delay time.Duration) {
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()

		requeue := true
		select {
		case <-t.C:
		case <-q.stopCh:
			requeue = false
		}

		_, err := q.store.Mutate(context.Background(), id, func(cur *job.Job) error {
			if cur.Status != job.StatusRetrying {
				return errNotRunnable
			}
			cur.Status = job.StatusPending
			cur.ProgressPercent = 0
			cur.CurrentStage = ""
			cur.StartedAt = nil
			return nil
		})
		switch {
		case errors.Is(err, errNotRunnable), errors.Is(err, job.ErrNotFound):
			return
		case err != nil:
			q.logger.Error("requeue after backoff", "job_id", id, "error", err)
			return
		}
		if requeue {
			q.push(id, priority)
		}
	}()
}

func (q *Queue) requeueInterrupted(ctx context.Context, j *job.Job) {
	_, err := q.store.Mutate(ctx, j.ID, func(cur *job.Job) error {
		if cur.Status != job.StatusRunning {
			return errNotRunnable
		}
		cur.Status = job.StatusPending
		cur.ProgressPercent = 0
		cur.CurrentStage = ""
		cur.StartedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, errNotRunnable) {
		q.logger.Error("requeue interrupted job", "job_id", j.ID, "error", err)
		return
	}
	q.logger.Warn("job interrupted by shutdown, returned to pending", "job_id", j.ID)
}

func elapsed(j *job.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
