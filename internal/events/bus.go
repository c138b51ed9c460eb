// Package events provides the in-process publish/subscribe bus that
// decouples lifecycle hooks (session deletes, execution completion,
// sandbox churn) from the components that react to them.
package events

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Event is any value the bus can carry. Events are plain immutable records
// keyed by their Type string.
type Event interface {
	Type() string
}

// Handler reacts to one event. Errors are isolated: a failing handler never
// prevents delivery to its peers.
type Handler func(ctx context.Context, e Event) error

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	eventType string
	id        uint64
}

type entry struct {
	id uint64
	h  Handler
}

// Bus is a typed publish/subscribe bus. Publish delivers concurrently;
// PublishAndWait delivers sequentially and collects errors.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
	mirrors  []Handler // receive every event regardless of type
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]entry)}
}

// Subscribe registers a handler for one event type. Registration order
// within a type is preserved for PublishAndWait; Publish dispatch order is
// unspecified.
func (b *Bus) Subscribe(eventType string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], entry{id: b.nextID, h: h})
	return &Subscription{eventType: eventType, id: b.nextID}
}

// SubscribeAll registers a handler that receives every published event.
// Used by the NATS mirror and by metrics.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirrors = append(b.mirrors, h)
}

// Unsubscribe removes a previously registered handler. Returns false if the
// subscription is unknown (already removed or cleared).
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.eventType]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.eventType] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops all handlers for the given types, or every handler when no
// type is given.
func (b *Bus) Clear(eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventTypes) == 0 {
		b.handlers = make(map[string][]entry)
		b.mirrors = nil
		return
	}
	for _, et := range eventTypes {
		delete(b.handlers, et)
	}
}

// Publish invokes all handlers for e's type concurrently. Handler failures
// (returned errors or panics) are logged and isolated.
func (b *Bus) Publish(ctx context.Context, e Event) {
	for _, h := range b.snapshot(e.Type()) {
		h := h
		go func() {
			if err := safeInvoke(ctx, h, e); err != nil {
				log.Printf("events: handler error for %s: %v", e.Type(), err)
			}
		}()
	}
}

// PublishAndWait invokes all handlers for e's type sequentially, in
// registration order, and returns the collected errors.
func (b *Bus) PublishAndWait(ctx context.Context, e Event) []error {
	var errs []error
	for _, h := range b.snapshot(e.Type()) {
		if err := safeInvoke(ctx, h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *Bus) snapshot(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.handlers[eventType])+len(b.mirrors))
	for _, e := range b.handlers[eventType] {
		out = append(out, e.h)
	}
	out = append(out, b.mirrors...)
	return out
}

func safeInvoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
