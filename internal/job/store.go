package job

import (
	"context"
	"time"
)

// MaxPageSize caps the page length returned by List.
const MaxPageSize = 100

// MutateFunc edits a job in place. Returning an error aborts the write.
type MutateFunc func(j *Job) error

// Store persists and retrieves jobs, progress entries and metrics samples.
type Store interface {
	// Create inserts a new job. Returns ErrDuplicate if the id is taken.
	Create(ctx context.Context, j *Job) error
	// Update replaces the full record. Returns ErrNotFound for unknown ids.
	Update(ctx context.Context, j *Job) error
	// Mutate runs fn against the current record and writes the result
	// atomically. Concurrent Mutate calls on the same job are serialized.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// ListByStatus returns jobs ordered by priority DESC, then creation order.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	// List returns a page of jobs in the same order plus the total count of
	// matching jobs. limit is clamped to 1..MaxPageSize.
	List(ctx context.Context, limit, offset int, statuses ...Status) ([]*Job, int, error)
	// ExistsByInput reports whether a job was ever created for ref, including
	// jobs since removed by DeleteCompletedBefore.
	ExistsByInput(ctx context.Context, ref string) (bool, error)

	AppendProgress(ctx context.Context, e *ProgressEntry) error
	ProgressLog(ctx context.Context, jobID string) ([]*ProgressEntry, error)

	// DeleteCompletedBefore removes terminal jobs finished before cutoff,
	// together with their progress entries.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ResetRunning moves "running" and "retrying" jobs back to "pending" and
	// returns their IDs. Called at startup to recover interrupted work.
	ResetRunning(ctx context.Context) ([]string, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	AppendMetrics(ctx context.Context, s *MetricsSample) error
	RecentMetrics(ctx context.Context, limit int) ([]*MetricsSample, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
