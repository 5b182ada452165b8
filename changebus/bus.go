// Package changebus implements the in-process publish/subscribe primitive
// that fans out dynamic-tool change events: a set of listener closures
// with snapshotted iteration and isolated listener failure. Delivery is
// synchronous: Publish calls each listener on the publisher's goroutine and
// returns after the last one.
package changebus

import (
	"log/slog"
	"sync"

	"github.com/forgemcp/dynmcp/dyntool"
)

// Listener receives change events. A panicking listener is recovered and
// does not stop delivery to the others; a slow listener delays the
// remaining listeners and the publisher.
type Listener func(dyntool.RegistryChangeEvent)

// Subscription lets a caller stop receiving events.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.listeners, s.id)
	s.bus.mu.Unlock()
}

// Bus is a process-wide change-event publisher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[uint64]Listener),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a listener and returns a handle to remove it.
func (b *Bus) Subscribe(l Listener) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()
	return &Subscription{bus: b, id: id}
}

// Publish delivers event to every currently-subscribed listener. Delivery
// happens synchronously from the caller's goroutine but against a
// snapshotted listener set taken under the lock, and each listener is
// isolated from panics and from each other's errors so one failing listener
// never prevents delivery to the rest.
//
// Publish crosses no task boundary: a listener that publishes re-enters
// Publish on the same goroutine. Delivery stays synchronous so ordering
// within a single publish is deterministic for tests.
func (b *Bus) Publish(event dyntool.RegistryChangeEvent) {
	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(l, event)
	}
}

func (b *Bus) deliver(l Listener, event dyntool.RegistryChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("changebus: listener panicked", "recover", r)
		}
	}()
	l(event)
}
