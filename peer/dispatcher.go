package peer

import (
	"slices"
	"sync"
)

// Handler receives the decoded payload of an event. data is nil for events
// broadcast without a payload.
type Handler func(data any, event string)

// Subscription identifies one registration made with On. Functions are not
// comparable in Go, so removal goes through the handle instead.
type Subscription struct {
	event string
	id    uint64
}

func (s Subscription) Event() string { return s.event }

type entry struct {
	id uint64
	fn Handler
}

// Dispatcher maps event names to ordered subscriber lists. Subscribers run
// outside the lock and may subscribe, unsubscribe or broadcast freely.
type Dispatcher struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]entry
	onPanic  func(event string, r any)
}

func NewDispatcher(onPanic func(event string, r any)) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]entry),
		onPanic:  onPanic,
	}
}

func (d *Dispatcher) On(event string, fn Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	d.handlers[event] = append(d.handlers[event], entry{id: d.next, fn: fn})
	return Subscription{event: event, id: d.next}
}

// Off removes the given subscriptions from event, or every subscriber of
// event when none are given.
func (d *Dispatcher) Off(event string, subs ...Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(subs) == 0 {
		delete(d.handlers, event)
		return
	}
	remaining := slices.DeleteFunc(slices.Clone(d.handlers[event]), func(e entry) bool {
		return slices.ContainsFunc(subs, func(s Subscription) bool {
			return s.event == event && s.id == e.id
		})
	})
	if len(remaining) == 0 {
		delete(d.handlers, event)
		return
	}
	d.handlers[event] = remaining
}

func (d *Dispatcher) Len(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// Trigger invokes every subscriber of event in registration order. A
// panicking subscriber is reported and the rest still run.
func (d *Dispatcher) Trigger(event string, data any) {
	d.mu.RLock()
	handlers := slices.Clone(d.handlers[event])
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(h.fn, event, data)
	}
}

func (d *Dispatcher) call(fn Handler, event string, data any) {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(event, r)
		}
	}()
	fn(data, event)
}
