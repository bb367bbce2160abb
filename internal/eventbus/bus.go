// Package eventbus is an in-process publish/subscribe hub for job lifecycle
// and system events.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AllEvents subscribes a handler to every published event.
const AllEvents = "*"

// Event is what handlers receive.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler consumes an event. A returned error is logged and otherwise ignored.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	name string
	id   uint64
}

// Name returns the event name the subscription was registered for.
func (s Subscription) Name() string { return s.name }

type subscriber struct {
	id uint64
	h  Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
// Publishes of the same event name are serialized, so every subscriber sees
// them in publish order.
//
// A handler may publish the event it is handling, or one that is being
// dispatched further up its call chain, as long as it passes on the context
// it was given. Such a publish returns 0 at once and its event is delivered
// after the current dispatch finishes.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscriber
	dispatch map[string]*sync.Mutex
	nextID   uint64
	logger   *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[string][]subscriber),
		dispatch: make(map[string]*sync.Mutex),
		logger:   logger.With("component", "eventbus"),
	}
}

// Subscribe registers h for events called name, or for all events when name
// is AllEvents.
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextID, h: h})
	return Subscription{name: name, id: b.nextID}
}

// Unsubscribe removes a handler. It reports whether the subscription existed.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			if len(b.subs[sub.name]) == 0 {
				delete(b.subs, sub.name)
			}
			return true
		}
	}
	return false
}

// Subscribers returns how many handlers would receive an event called name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.subs[name])
	if name != AllEvents {
		n += len(b.subs[AllEvents])
	}
	return n
}

// Publish delivers payload to every subscriber of name and then to the
// AllEvents subscribers. It returns the number of handlers that completed
// without error. Failing or panicking handlers never affect the others.
func (b *Bus) Publish(ctx context.Context, name string, payload any) int {
	if f, ok := ctx.Value(dispatchKey{name}).(*frame); ok && f.enqueue(payload) {
		return 0
	}

	lock := b.dispatchLock(name)
	lock.Lock()
	defer lock.Unlock()

	f := &frame{}
	ctx = context.WithValue(ctx, dispatchKey{name}, f)
	delivered := b.deliver(ctx, name, payload)
	for {
		next, ok := f.next()
		if !ok {
			return delivered
		}
		b.deliver(ctx, name, next)
	}
}

type dispatchKey struct{ name string }

// frame collects same-name events published by handlers while a dispatch is
// in progress.
type frame struct {
	mu      sync.Mutex
	pending []any
	closed  bool
}

// enqueue queues payload unless the dispatch already finished.
func (f *frame) enqueue(payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.pending = append(f.pending, payload)
	return true
}

// next pops the oldest queued payload, closing the frame once it is empty.
func (f *frame) next() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		f.closed = true
		return nil, false
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	return p, true
}

func (b *Bus) deliver(ctx context.Context, name string, payload any) int {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[name])+len(b.subs[AllEvents]))
	targets = append(targets, b.subs[name]...)
	if name != AllEvents {
		targets = append(targets, b.subs[AllEvents]...)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, Time: time.Now().UTC()}
	delivered := 0
	for _, s := range targets {
		if err := b.invoke(ctx, s.h, ev); err != nil {
			b.logger.Warn("event handler failed", "event", name, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) dispatchLock(name string) *sync.Mutex {
	b.mu.RLock()
	l, ok := b.dispatch[name]
	b.mu.RUnlock()
	if ok {
		return l
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok = b.dispatch[name]; !ok {
		l = &sync.Mutex{}
		b.dispatch[name] = l
	}
	return l
}
