package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/input"
	"github.com/docflow/docflow/internal/job"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSettings() Settings {
	return Settings{
		Workers:         1,
		MaxRetries:      3,
		RetryBaseDelay:  time.Millisecond,
		ResetRetryCount: true,
		DrainTimeout:    time.Second,
	}
}

func newTestQueue(t *testing.T, reg Registry, s Settings, opts ...Option) (*Queue, *job.SQLiteStore, *eventbus.Bus) {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	bus := eventbus.New(quiet)
	q := New(store, bus, reg, s, append([]Option{WithLogger(quiet)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Stop(ctx)
		store.Close()
	})
	return q, store, bus
}

func waitForStatus(t *testing.T, store job.Store, id string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := store.Get(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			got := job.Status("<missing>")
			if j != nil {
				got = j.Status
			}
			t.Fatalf("job %s status = %s, want %s", id, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func succeed(context.Context, *job.Job, ProgressFunc) (any, error) {
	return map[string]any{"ok": true}, nil
}

func enqueue(t *testing.T, q *Queue, jobType string, priority int) *job.Job {
	t.Helper()
	j, err := q.Enqueue(context.Background(), EnqueueRequest{
		JobType: jobType, InputRef: "/in/" + jobType + ".pdf", Priority: priority,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

func TestPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	reg := Registry{"doc": func(_ context.Context, j *job.Job, _ ProgressFunc) (any, error) {
		mu.Lock()
		order = append(order, j.Priority)
		mu.Unlock()
		return nil, nil
	}}
	q, store, _ := newTestQueue(t, reg, testSettings())

	low := enqueue(t, q, "doc", job.PriorityLow)
	highest := enqueue(t, q, "doc", job.PriorityHighest)
	normal := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()

	for _, j := range []*job.Job{low, highest, normal} {
		waitForStatus(t, store, j.ID, job.StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []int{job.PriorityHighest, job.PriorityNormal, job.PriorityLow}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := Registry{"doc": func(_ context.Context, j *job.Job, _ ProgressFunc) (any, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil, nil
	}}
	q, store, _ := newTestQueue(t, reg, testSettings())

	var ids []string
	for range 5 {
		ids = append(ids, enqueue(t, q, "doc", job.PriorityNormal).ID)
	}
	q.Start()
	waitForStatus(t, store, ids[4], job.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], id)
		}
	}
}

func TestAlwaysFail_ExhaustsRetries(t *testing.T) {
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		return nil, errors.New("corrupt input")
	}}
	q, store, bus := newTestQueue(t, reg, testSettings())

	var mu sync.Mutex
	retries := 0
	var alerts []eventbus.SystemAlertPayload
	bus.Subscribe(eventbus.ProcessingRetry, func(context.Context, eventbus.Event) error {
		mu.Lock()
		retries++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(eventbus.SystemError, func(_ context.Context, ev eventbus.Event) error {
		mu.Lock()
		alerts = append(alerts, ev.Payload.(eventbus.SystemAlertPayload))
		mu.Unlock()
		return nil
	})

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()

	got := waitForStatus(t, store, j.ID, job.StatusFailed)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.LastError != "corrupt input" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on failed job")
	}

	// The alert is published right after the failed status is written.
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	if retries != 3 {
		t.Errorf("retry events = %d, want 3", retries)
	}
	if len(alerts) != 1 || alerts[0].Type != "job_failed" || alerts[0].JobID != j.ID {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestFailTwiceThenSucceed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}}
	s := testSettings()
	s.RetryBaseDelay = 10 * time.Millisecond
	q, store, bus := newTestQueue(t, reg, s)

	var delays []time.Duration
	bus.Subscribe(eventbus.ProcessingRetry, func(_ context.Context, ev eventbus.Event) error {
		mu.Lock()
		delays = append(delays, ev.Payload.(eventbus.JobRetryPayload).Delay)
		mu.Unlock()
		return nil
	})

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()

	got := waitForStatus(t, store, j.ID, job.StatusCompleted)
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if string(got.Result) != `"done"` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want 100", got.ProgressPercent)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("retry events = %d, want 2", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Errorf("second delay %s not greater than first %s", delays[1], delays[0])
	}
}

func TestCancelPending(t *testing.T) {
	invoked := make(chan struct{}, 1)
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		invoked <- struct{}{}
		return nil, nil
	}}
	q, store, _ := newTestQueue(t, reg, testSettings())

	j := enqueue(t, q, "doc", job.PriorityNormal)
	ok, err := q.Cancel(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v; want true, nil", ok, err)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d after cancel", q.Len())
	}

	q.Start()
	select {
	case <-invoked:
		t.Fatal("cancelled job was executed")
	case <-time.After(50 * time.Millisecond):
	}
	got := waitForStatus(t, store, j.ID, job.StatusCancelled)
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on cancelled job")
	}
}

func TestCancelRunning(t *testing.T) {
	started := make(chan struct{})
	reg := Registry{"doc": func(ctx context.Context, _ *job.Job, _ ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		return "late result", nil
	}}
	q, store, _ := newTestQueue(t, reg, testSettings())

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	<-started

	ok, err := q.Cancel(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}

	// Wait for the worker to finish with the job, then check nothing overwrote it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		qs, _ := q.Status(context.Background())
		if qs.ActiveWorkers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not release cancelled job")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := waitForStatus(t, store, j.ID, job.StatusCancelled)
	if got.Result != nil {
		t.Errorf("late result stored: %s", got.Result)
	}
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	q, store, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())

	ok, err := q.Cancel(context.Background(), "does-not-exist")
	if err != nil || ok {
		t.Errorf("Cancel(unknown) = %v, %v; want false, nil", ok, err)
	}

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	waitForStatus(t, store, j.ID, job.StatusCompleted)

	ok, err = q.Cancel(context.Background(), j.ID)
	if err != nil || ok {
		t.Errorf("Cancel(completed) = %v, %v; want false, nil", ok, err)
	}
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())

	now := time.Now().UTC()
	for i, st := range []job.Status{job.StatusRunning, job.StatusRetrying, job.StatusPending, job.StatusCompleted} {
		j := &job.Job{
			ID: string(rune('a' + i)), Status: st, Priority: job.PriorityNormal,
			JobType: "doc", InputRef: "/in/x.pdf", MaxRetries: 3, CreatedAt: now,
		}
		if st == job.StatusRunning {
			j.StartedAt = &now
		}
		if st == job.StatusCompleted {
			j.CompletedAt = &now
		}
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := q.Recovery(ctx)
	if err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if n != 3 {
		t.Errorf("recovered = %d, want 3", n)
	}
	for _, id := range []string{"a", "b", "c"} {
		j, _ := store.Get(ctx, id)
		if j.Status != job.StatusPending {
			t.Errorf("job %s status = %s, want pending", id, j.Status)
		}
	}

	q.Start()
	for _, id := range []string{"a", "b", "c"} {
		waitForStatus(t, store, id, job.StatusCompleted)
	}
}

func TestProgressReports(t *testing.T) {
	reg := Registry{"doc": func(_ context.Context, _ *job.Job, progress ProgressFunc) (any, error) {
		for i, stage := range []string{"download", "extract", "index"} {
			if err := progress((i+1)*30, stage, map[string]any{"n": i}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}}
	q, store, bus := newTestQueue(t, reg, testSettings())

	var mu sync.Mutex
	var seen []int
	bus.Subscribe(eventbus.ProcessingProgress, func(_ context.Context, ev eventbus.Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload.(eventbus.JobProgressPayload).Percent)
		mu.Unlock()
		return nil
	})

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	waitForStatus(t, store, j.ID, job.StatusCompleted)

	entries, err := store.ProgressLog(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("ProgressLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, stage := range []string{"download", "extract", "index"} {
		if entries[i].Stage != stage || entries[i].Percent != (i+1)*30 {
			t.Errorf("entry %d = %+v", i, entries[i])
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 30 || seen[2] != 90 {
		t.Errorf("progress events = %v", seen)
	}
}

func TestProgressClamped(t *testing.T) {
	reg := Registry{"doc": func(_ context.Context, _ *job.Job, progress ProgressFunc) (any, error) {
		progress(-5, "a", nil)
		progress(250, "b", nil)
		return nil, nil
	}}
	q, store, _ := newTestQueue(t, reg, testSettings())
	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	waitForStatus(t, store, j.ID, job.StatusCompleted)

	entries, _ := store.ProgressLog(context.Background(), j.ID)
	if len(entries) != 2 || entries[0].Percent != 0 || entries[1].Percent != 100 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStatusCountsSum(t *testing.T) {
	reg := Registry{
		"ok":   succeed,
		"fail": func(context.Context, *job.Job, ProgressFunc) (any, error) { return nil, Permanent(errors.New("bad")) },
	}
	q, store, _ := newTestQueue(t, reg, testSettings())

	a := enqueue(t, q, "ok", job.PriorityNormal)
	b := enqueue(t, q, "fail", job.PriorityNormal)
	c := enqueue(t, q, "ok", job.PriorityLow)
	if ok, _ := q.Cancel(context.Background(), c.ID); !ok {
		t.Fatal("cancel failed")
	}
	enqueue(t, q, "ok", job.PriorityLow)

	qs, err := q.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if qs.Pending != 3 || qs.Cancelled != 1 || qs.QueueLength != 3 {
		t.Errorf("status before start = %+v", qs)
	}

	q.Start()
	waitForStatus(t, store, a.ID, job.StatusCompleted)
	waitForStatus(t, store, b.ID, job.StatusFailed)

	qs, err = q.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	sum := qs.Pending + qs.Running + qs.Retrying + qs.Completed + qs.Failed + qs.Cancelled
	if qs.Total != sum || qs.Total != 4 {
		t.Errorf("Total = %d, sum = %d, want 4", qs.Total, sum)
	}
}

type rejectAll struct{}

func (rejectAll) Check(_ context.Context, ref string) error {
	return errors.New("missing " + ref)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	s := testSettings()
	s.MaxQueueSize = 1
	q, _, _ := newTestQueue(t, Registry{"doc": succeed}, s)

	negative := -1
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"empty input", EnqueueRequest{JobType: "doc"}},
		{"empty type", EnqueueRequest{InputRef: "/x"}},
		{"negative priority", EnqueueRequest{JobType: "doc", InputRef: "/x", Priority: -1}},
		{"negative retries", EnqueueRequest{JobType: "doc", InputRef: "/x", MaxRetries: &negative}},
		{"unknown type", EnqueueRequest{JobType: "video", InputRef: "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Enqueue error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	if _, err := q.Enqueue(ctx, EnqueueRequest{JobType: "video", InputRef: "/x"}); !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("unknown type error = %v, want ErrUnknownJobType", err)
	}

	enqueue(t, q, "doc", job.PriorityNormal)
	if _, err := q.Enqueue(ctx, EnqueueRequest{JobType: "doc", InputRef: "/y"}); !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("second Enqueue error = %v, want ErrQueueSaturated", err)
	}
}

func TestEnqueueInputChecker(t *testing.T) {
	q, _, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings(), WithInputChecker(rejectAll{}))
	_, err := q.Enqueue(context.Background(), EnqueueRequest{JobType: "doc", InputRef: "/missing.pdf"})
	if err == nil || !strings.Contains(err.Error(), "/missing.pdf") {
		t.Errorf("Enqueue error = %v, want input error", err)
	}
}

func TestEnqueueUnsupportedSchemeIsInvalid(t *testing.T) {
	q, _, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings(), WithInputChecker(input.NewRouter()))
	_, err := q.Enqueue(context.Background(), EnqueueRequest{JobType: "doc", InputRef: "https://example.com/a.pdf"})
	if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, input.ErrUnsupportedScheme) {
		t.Errorf("Enqueue error = %v, want ErrInvalidRequest wrapping ErrUnsupportedScheme", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestEnqueueMaxRetriesOverride(t *testing.T) {
	q, _, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())
	zero := 0
	j, err := q.Enqueue(context.Background(), EnqueueRequest{JobType: "doc", InputRef: "/x", MaxRetries: &zero})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", j.MaxRetries)
	}
}

func TestRetryFailedJob(t *testing.T) {
	var mu sync.Mutex
	fail := true
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("nope")
		}
		return nil, nil
	}}
	s := testSettings()
	s.MaxRetries = 0
	q, store, _ := newTestQueue(t, reg, s)

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	waitForStatus(t, store, j.ID, job.StatusFailed)

	mu.Lock()
	fail = false
	mu.Unlock()

	ok, err := q.Retry(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("Retry = %v, %v", ok, err)
	}
	got := waitForStatus(t, store, j.ID, job.StatusCompleted)
	if got.LastError != "" {
		t.Errorf("LastError = %q after successful retry", got.LastError)
	}

	ok, err = q.Retry(context.Background(), j.ID)
	if err != nil || ok {
		t.Errorf("Retry(completed) = %v, %v; want false, nil", ok, err)
	}
	ok, _ = q.Retry(context.Background(), "unknown")
	if ok {
		t.Error("Retry(unknown) = true")
	}
}

func TestJobTimeout(t *testing.T) {
	reg := Registry{"doc": func(ctx context.Context, _ *job.Job, _ ProgressFunc) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := testSettings()
	s.MaxRetries = 0
	s.JobTimeout = 20 * time.Millisecond
	q, store, _ := newTestQueue(t, reg, s)

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	got := waitForStatus(t, store, j.ID, job.StatusFailed)
	if !strings.Contains(got.LastError, "timed out") {
		t.Errorf("LastError = %q, want timeout", got.LastError)
	}
}

func TestProcessorPanicIsFailure(t *testing.T) {
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		panic("kaboom")
	}}
	s := testSettings()
	s.MaxRetries = 0
	q, store, _ := newTestQueue(t, reg, s)

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	got := waitForStatus(t, store, j.ID, job.StatusFailed)
	if !strings.Contains(got.LastError, "kaboom") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestUnregisteredTypeFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())

	if err := store.Create(ctx, &job.Job{
		ID: "legacy", Status: job.StatusPending, JobType: "retired",
		InputRef: "/x", MaxRetries: 3, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := q.Recovery(ctx); err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	q.Start()
	got := waitForStatus(t, store, "legacy", job.StatusFailed)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
}

func TestStopRequeuesInterruptedJob(t *testing.T) {
	started := make(chan struct{})
	reg := Registry{"doc": func(ctx context.Context, _ *job.Job, _ ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := testSettings()
	s.DrainTimeout = 20 * time.Millisecond
	q, store, _ := newTestQueue(t, reg, s)

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	<-started

	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt not cleared")
	}
}

func TestStopMovesRetryingToPending(t *testing.T) {
	reg := Registry{"doc": func(context.Context, *job.Job, ProgressFunc) (any, error) {
		return nil, errors.New("again")
	}}
	s := testSettings()
	s.RetryBaseDelay = time.Hour
	q, store, _ := newTestQueue(t, reg, s)

	j := enqueue(t, q, "doc", job.PriorityNormal)
	q.Start()
	waitForStatus(t, store, j.ID, job.StatusRetrying)

	done := make(chan error, 1)
	go func() { done <- q.Stop(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a backoff timer")
	}
	waitForStatus(t, store, j.ID, job.StatusPending)
}

func TestReconfigure(t *testing.T) {
	q, _, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())
	s := q.Settings()
	s.MaxRetries = 9
	s.Workers = 0
	q.Reconfigure(s)

	got := q.Settings()
	if got.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", got.MaxRetries)
	}
	if got.Workers != 1 {
		t.Errorf("Workers = %d, want 1", got.Workers)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, Registry{"doc": succeed}, testSettings())

	old := time.Now().UTC().Add(-72 * time.Hour)
	if err := store.Create(ctx, &job.Job{
		ID: "old", Status: job.StatusCompleted, JobType: "doc", InputRef: "/x",
		CreatedAt: old, CompletedAt: &old,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := q.Cleanup(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1", n, err)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	base := errors.New("x")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent wrapping broken: %v", err)
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}
