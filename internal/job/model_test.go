package job

import (
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status      Status
		terminal    bool
		cancellable bool
	}{
		{StatusPending, false, true},
		{StatusRunning, false, true},
		{StatusRetrying, false, true},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusCancelled, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Cancellable(); got != tt.cancellable {
			t.Errorf("Status(%q).Cancellable() = %v, want %v", tt.status, got, tt.cancellable)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()
	now := time.Now()
	j := &Job{ID: "a", Parameters: map[string]any{"k": "v"}, StartedAt: &now, Result: []byte(`{}`)}
	c := j.Clone()
	c.Parameters["k"] = "changed"
	*c.StartedAt = now.Add(time.Hour)
	c.Result[0] = '['

	if j.Parameters["k"] != "v" {
		t.Error("clone shares Parameters")
	}
	if !j.StartedAt.Equal(now) {
		t.Error("clone shares StartedAt")
	}
	if string(j.Result) != `{}` {
		t.Error("clone shares Result")
	}
}

func TestQueueStatus_ErrorRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		qs   QueueStatus
		want float64
	}{
		{"nothing finished", QueueStatus{Pending: 4}, 0},
		{"all ok", QueueStatus{Completed: 5}, 0},
		{"quarter failed", QueueStatus{Completed: 3, Failed: 1}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.qs.ErrorRate(); got != tt.want {
				t.Errorf("ErrorRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	t.Parallel()
	var nilJob *Job
	if nilJob.CallbackURL() != "" {
		t.Error("nil job returned a callback")
	}
	j := &Job{Parameters: map[string]any{"callback_url": 42}}
	if j.CallbackURL() != "" {
		t.Error("non-string callback accepted")
	}
}
