package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusRunning, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a job in this status may still be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRetrying
}

// Named priority levels. Any value >= 0 is accepted.
const (
	PriorityLow     = 1
	PriorityNormal  = 2
	PriorityHigh    = 3
	PriorityHighest = 4
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
)

type Job struct {
	ID              string          `json:"job_id"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	JobType         string          `json:"job_type"`
	InputRef        string          `json:"input_reference"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentStage    string          `json:"current_stage,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// CallbackURL returns the "callback_url" parameter, if any.
func (j *Job) CallbackURL() string {
	if j == nil || j.Parameters == nil {
		return ""
	}
	s, _ := j.Parameters["callback_url"].(string)
	return s
}

// Clone returns a deep-enough copy for handing a job across goroutines.
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ProgressEntry is one append-only record of a progress report.
type ProgressEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Stage     string         `json:"stage"`
	Percent   int            `json:"percent"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MetricsSample is a point-in-time snapshot of system and queue health.
type MetricsSample struct {
	QueueLength   int       `json:"queue_length"`
	ActiveJobs    int       `json:"active_jobs"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	ErrorRate     float64   `json:"error_rate"`
	Goroutines    int       `json:"goroutines"`
	CreatedAt     time.Time `json:"created_at"`
}

// QueueStatus summarizes job counts. Total always equals the sum of the
// per-status counts of the same snapshot.
type QueueStatus struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Retrying      int `json:"retrying"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	QueueLength   int `json:"queue_length"`
	ActiveWorkers int `json:"active_workers"`
}

// StatusFromCounts builds a QueueStatus from a CountByStatus result.
func StatusFromCounts(counts map[Status]int) QueueStatus {
	qs := QueueStatus{
		Pending:   counts[StatusPending],
		Running:   counts[StatusRunning],
		Retrying:  counts[StatusRetrying],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Cancelled: counts[StatusCancelled],
	}
	qs.Total = qs.Pending + qs.Running + qs.Retrying + qs.Completed + qs.Failed + qs.Cancelled
	return qs
}

// ErrorRate is failed / (completed + failed), or 0 when nothing finished.
func (qs QueueStatus) ErrorRate() float64 {
	done := qs.Completed + qs.Failed
	if done == 0 {
		return 0
	}
	return float64(qs.Failed) / float64(done)
}
