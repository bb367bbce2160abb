// Package webhook posts job completion events to the callback_url given in a
// job's parameters.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/docflow/docflow/internal/eventbus"
	"github.com/docflow/docflow/internal/retry"
)

const (
	defaultAttempts = 8
	defaultBase     = time.Second
	defaultCap      = 5 * time.Minute
	requestTimeout  = 30 * time.Second
)

// Notifier delivers callbacks asynchronously with full-jitter exponential
// backoff. Deliveries stop when the notifier is closed.
type Notifier struct {
	client   *http.Client
	logger   *slog.Logger
	attempts int
	base     time.Duration
	capDelay time.Duration
	validate func(string) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithBackoff overrides the attempt count and delay bounds.
func WithBackoff(attempts int, base, capDelay time.Duration) Option {
	return func(n *Notifier) {
		n.attempts = max(attempts, 1)
		n.base = base
		n.capDelay = capDelay
	}
}

func New(opts ...Option) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		client:   &http.Client{Timeout: requestTimeout},
		logger:   slog.Default(),
		attempts: defaultAttempts,
		base:     defaultBase,
		capDelay: defaultCap,
		validate: validateURL,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(n)
	}
	n.logger = n.logger.With("component", "webhook")
	return n
}

// Attach subscribes the notifier to processing_completed events.
func (n *Notifier) Attach(bus *eventbus.Bus) eventbus.Subscription {
	return bus.Subscribe(eventbus.ProcessingCompleted, n.handle)
}

type delivery struct {
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
	eventbus.JobCompletedPayload
}

func (n *Notifier) handle(_ context.Context, ev eventbus.Event) error {
	p, ok := ev.Payload.(eventbus.JobCompletedPayload)
	if !ok || p.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(delivery{Event: ev.Name, Time: ev.Time, JobCompletedPayload: p})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	return n.Send(p.CallbackURL, body)
}

// Send posts payload to callbackURL in the background. Only the URL syntax
// and scheme are checked before it returns; the address guard resolves the
// host on the delivery goroutine so a slow resolver never stalls the caller.
func (n *Notifier) Send(callbackURL string, payload []byte) error {
	if _, err := parseCallback(callbackURL); err != nil {
		n.logger.Warn("rejected callback URL", "url", callbackURL, "error", err)
		return err
	}
	if n.ctx.Err() != nil {
		return n.ctx.Err()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.validate(callbackURL); err != nil {
			n.logger.Warn("rejected callback URL", "url", callbackURL, "error", err)
			return
		}
		n.send(callbackURL, payload)
	}()
	return nil
}

// Close cancels pending deliveries and waits for them to return, or for ctx.
func (n *Notifier) Close(ctx context.Context) error {
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseCallback(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u, nil
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := parseCallback(rawURL)
	if err != nil {
		return err
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (n *Notifier) send(callbackURL string, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if n.ctx.Err() != nil {
			return
		}
		err := n.post(callbackURL, payload)
		if err == nil {
			return
		}
		n.logger.Warn("callback attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt == n.attempts {
			break
		}
		t := time.NewTimer(retry.FullJitter(n.base, n.capDelay, attempt))
		select {
		case <-t.C:
		case <-n.ctx.Done():
			t.Stop()
			return
		}
	}
	n.logger.Error("callback retries exhausted", "url", callbackURL)
}

func (n *Notifier) post(callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
