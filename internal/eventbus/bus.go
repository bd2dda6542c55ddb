// Package eventbus is the in-process publish/subscribe mechanism for
// lifecycle, replication, and audit events. Dispatch is synchronous;
// handlers must be non-blocking. Handler errors and panics are caught
// and logged, never propagated to the publisher.
package eventbus

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Handler processes events. Handlers registered for an event type are
// called in registration order.
type Handler func(Event)

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(h Handler, eventTypes ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers synchronously.
// The timestamp is stamped here when the publisher left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	matched = append(matched, b.handlers[event.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, h := range matched {
		b.call(h, event)
	}
}

func (b *Bus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event": event.Type,
				"panic": r,
			}).Error("eventbus: handler panicked")
		}
	}()
	h(event)
}
