package eventbus

import (
	"encoding/json"
	"time"
)

const (
	JobQueued           = "job_queued"
	ProcessingStarted   = "processing_started"
	ProcessingProgress  = "processing_progress"
	ProcessingRetry     = "processing_retry"
	ProcessingCompleted = "processing_completed"
	SystemError         = "system_error"
)

// JobEvent is implemented by payloads that concern a single job.
type JobEvent interface {
	EventJobID() string
}

type JobQueuedPayload struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	InputRef string `json:"input_reference"`
	Priority int    `json:"priority"`
}

type JobStartedPayload struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Attempt int    `json:"attempt"`
}

type JobProgressPayload struct {
	JobID   string         `json:"job_id"`
	Percent int            `json:"percent"`
	Stage   string         `json:"stage"`
	Data    map[string]any `json:"data,omitempty"`
}

type JobRetryPayload struct {
	JobID      string        `json:"job_id"`
	Attempt    int           `json:"attempt"`
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay_ns"`
	Error      string        `json:"error"`
}

type JobCompletedPayload struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CallbackURL string          `json:"-"`
	Duration    time.Duration   `json:"duration_ns"`
}

// SystemAlertPayload accompanies SystemError events. Type is a short machine
// readable tag such as "job_failed" or a health rule name.
type SystemAlertPayload struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	JobID     string  `json:"job_id,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

func (p JobQueuedPayload) EventJobID() string    { return p.JobID }
func (p JobStartedPayload) EventJobID() string   { return p.JobID }
func (p JobProgressPayload) EventJobID() string  { return p.JobID }
func (p JobRetryPayload) EventJobID() string     { return p.JobID }
func (p JobCompletedPayload) EventJobID() string { return p.JobID }
func (p SystemAlertPayload) EventJobID() string  { return p.JobID }
