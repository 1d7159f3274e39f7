// Package dispatch fans events out to any number of subscribers. Each
// subscriber owns an independent bounded buffer; publication order is
// preserved per subscriber and nothing is dropped while a subscription is
// open; a slow subscriber backpressures the publisher instead.
package dispatch

import (
	"context"
	"sync"
)

// Dispatcher delivers every published Event to all subscriptions open at
// publish time, in publication order. Publishing is serialized, which is
// what makes the per-subscriber order guarantee hold.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New creates a Dispatcher whose subscribers each get a buffer of the
// given size. Sizes below one are clamped to one.
func New(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. It receives every event published
// after this call until Close is called on the subscription or the
// dispatcher shuts down.
func (d *Dispatcher) Subscribe() *Subscription {
	s := &Subscription{
		d:    d,
		ch:   make(chan Event, d.buffer),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(s.ch)
		return s
	}
	d.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every open subscription. It blocks while a
// subscriber's buffer is full and skips a subscriber only once its
// subscription is closed or ctx is cancelled.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	for s := range d.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
			// Subscriber left mid-publish; removal happens in its Close.
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts the dispatcher down and closes every subscriber channel so
// range loops over Events() terminate.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for s := range d.subs {
		s.signalDone()
		close(s.ch)
		delete(d.subs, s)
	}
}

// remove detaches s from the dispatcher and closes its channel. Exactly
// one of remove or Close does this for any given subscription, guarded by
// membership in the subs map.
func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[s]; !ok {
		return
	}
	delete(d.subs, s)
	close(s.ch)
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	d        *Dispatcher
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// Events returns the receive channel. It is closed when the subscription
// or the dispatcher is closed; buffered events remain readable after
// either.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once and safe
// to call while a publish is blocked on this subscriber: done is signalled
// before the dispatcher lock is taken, which is what unblocks the
// publisher.
func (s *Subscription) Close() {
	s.signalDone()
	if s.d != nil {
		s.d.remove(s)
	}
}

func (s *Subscription) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
