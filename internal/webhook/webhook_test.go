package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docflow/docflow/internal/eventbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestNotifier skips the private-address guard so httptest servers on
// loopback are reachable.
func newTestNotifier(t *testing.T, attempts int) *Notifier {
	t.Helper()
	n := New(WithLogger(quietLogger()), WithBackoff(attempts, time.Millisecond, 5*time.Millisecond))
	n.validate = func(string) error { return nil }
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://10.0.0.7/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestSend_RejectsBadScheme(t *testing.T) {
	n := New(WithLogger(quietLogger()))
	defer n.Close(context.Background())
	for _, u := range []string{"ftp://example.com/hook", "://bad%%"} {
		if err := n.Send(u, []byte("{}")); err == nil {
			t.Errorf("Send(%q) should fail synchronously", u)
		}
	}
}

func TestSend_PrivateURLNeverDelivered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New(WithLogger(quietLogger()), WithBackoff(1, time.Millisecond, time.Millisecond))
	if err := n.Send(srv.URL, []byte("{}")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("loopback callback was delivered %d times", calls.Load())
	}
}

func TestAttach_SlowResolverDoesNotBlockPublish(t *testing.T) {
	n := New(WithLogger(quietLogger()))
	defer n.Close(context.Background())
	released := make(chan struct{})
	defer close(released)
	n.validate = func(string) error {
		<-released
		return errors.New("blocked")
	}

	bus := eventbus.New(quietLogger())
	n.Attach(bus)

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{
			JobID:       "job-1",
			CallbackURL: "https://hooks.example.com/done",
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish waited on callback URL resolution")
	}
}

func TestAttach_DeliversCompletion(t *testing.T) {
	var (
		mu  sync.Mutex
		got map[string]any
	)
	received := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		close(received)
	}))
	defer srv.Close()

	bus := eventbus.New(quietLogger())
	n := newTestNotifier(t, 3)
	n.Attach(bus)

	bus.Publish(context.Background(), eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{
		JobID:       "job-1",
		JobType:     "pdf",
		Status:      "completed",
		Result:      json.RawMessage(`{"pages":2}`),
		CallbackURL: srv.URL,
	})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if got["event"] != eventbus.ProcessingCompleted || got["job_id"] != "job-1" || got["status"] != "completed" {
		t.Errorf("body = %v", got)
	}
	if _, leaked := got["callback_url"]; leaked {
		t.Error("callback URL echoed in body")
	}
}

func TestAttach_IgnoresJobsWithoutCallback(t *testing.T) {
	bus := eventbus.New(quietLogger())
	n := newTestNotifier(t, 1)
	n.Attach(bus)

	delivered := bus.Publish(context.Background(), eventbus.ProcessingCompleted, eventbus.JobCompletedPayload{JobID: "j"})
	if delivered != 1 {
		t.Errorf("handler completions = %d, want 1", delivered)
	}
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	n := newTestNotifier(t, 5)
	if err := n.Send(srv.URL, []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not retried, calls = %d", calls.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSend_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(t, 2)
	if err := n.Send(srv.URL, []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n.wg.Wait()
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClose_StopsPendingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := New(WithLogger(quietLogger()), WithBackoff(10, time.Hour, time.Hour))
	n.validate = func(string) error { return nil }
	if err := n.Send(srv.URL, []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Send(srv.URL, []byte(`{}`)); err == nil {
		t.Error("Send after Close should fail")
	}
}
