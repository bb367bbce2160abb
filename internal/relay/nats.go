// Package relay forwards event bus traffic to NATS subjects.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/docflow/docflow/internal/eventbus"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "docflow.events"

// Publisher is the part of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with unlimited reconnects.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("docflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// Envelope is the JSON body of every relayed message.
type Envelope struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NATS publishes every bus event on "<prefix>.<event>" and, for job events,
// on "<prefix>.job.<job id>" as well.
type NATS struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	sub    eventbus.Subscription
	bus    *eventbus.Bus
}

func NewNATS(pub Publisher, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{pub: pub, prefix: prefix, logger: logger.With("component", "relay")}
}

// Attach subscribes the relay to all events on bus.
func (r *NATS) Attach(bus *eventbus.Bus) {
	r.bus = bus
	r.sub = bus.Subscribe(eventbus.AllEvents, r.forward)
}

// Detach removes the bus subscription.
func (r *NATS) Detach() {
	if r.bus != nil {
		r.bus.Unsubscribe(r.sub)
		r.bus = nil
	}
}

func (r *NATS) EventSubject(name string) string { return r.prefix + "." + name }
func (r *NATS) JobSubject(jobID string) string  { return r.prefix + ".job." + jobID }

func (r *NATS) forward(_ context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(Envelope{Event: ev.Name, Time: ev.Time, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.pub.Publish(r.EventSubject(ev.Name), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if je, ok := ev.Payload.(eventbus.JobEvent); ok && je.EventJobID() != "" {
		if err := r.pub.Publish(r.JobSubject(je.EventJobID()), data); err != nil {
			r.logger.Error("failed to publish job event", "error", err, "job_id", je.EventJobID())
		}
	}
	return nil
}
