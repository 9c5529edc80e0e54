package evsync

import (
	"sync/atomic"
)

// EventCounter is a monotonically increasing counter with "wait for target"
// semantics: the "something happened N times" primitive every other piece
// of this package is built on.
//
// Features:
//   - Advance(dispatch): increments the value by exactly one and wakes every
//     waiter whose target is now reached.
//   - Wait(target): blocks until the value reaches at least target.
//
// Waiters are kept sorted by target in an intrusive list, so an advance only
// touches the waiters it actually wakes. The read-compare-enqueue of Wait
// and the increment-scan of Advance run under the same spin lock; an
// Advance that happens after a Wait observed the old value is guaranteed to
// find the new waiter.
//
// An EventCounter must be initialized with Init or NewEventCounter before
// use; its lifetime belongs to the structure embedding it.
//
// Example:
//
//	c := evsync.NewEventCounter()
//	go func() { c.Wait(3); print("three events") }()
//	c.Advance(true)
//	c.Advance(true)
//	c.Advance(true) // wakes the waiter
type EventCounter struct {
	_     noCopy
	value atomic.Uint64
	mu    ticketLock
	q     waitList
	disp  *Dispatcher
}

// NewEventCounter creates an initialized counter. Its deferred wakes go to
// the dispatcher given by WithDispatcher, or to a private one.
func NewEventCounter(opts ...Option) *EventCounter {
	cfg := newConfig(opts)
	c := &EventCounter{}
	c.Init(cfg.resolveDispatcher())
	return c
}

// Init resets the counter to zero with an empty wait queue, sending
// deferred wakes to d. A nil d gets a private Dispatcher.
// It must not be called while the counter has waiters.
func (c *EventCounter) Init(d *Dispatcher) {
	if d == nil {
		d = &Dispatcher{}
	}
	c.mu.Lock()
	c.value.Store(0)
	c.q.init()
	c.disp = d
	c.mu.Unlock()
}

// Dispatcher returns the dispatcher that receives deferred wakes.
func (c *EventCounter) Dispatcher() *Dispatcher {
	return c.disp
}

// Read returns the current value. It has no side effects.
func (c *EventCounter) Read() uint64 {
	return c.value.Load()
}

// Waiters returns the number of waiters and registry bindings queued.
func (c *EventCounter) Waiters() int {
	c.mu.Lock()
	n := c.q.n
	c.mu.Unlock()
	return n
}

// Advance increments the value by one and returns the new value.
//
// With dispatch set, every waiter whose target is now satisfied is resumed
// before Advance returns. Without it (interrupt context), the increment and
// all satisfaction bookkeeping still happen atomically, but the resumes are
// pushed to the counter's Dispatcher; deferred is how many were pushed.
// Advance without dispatch never invokes the resume hook and never parks.
func (c *EventCounter) Advance(dispatch bool) (value uint64, deferred int) {
	value, ready := c.advance()
	if ready != nil {
		deferred = c.disp.dispatch(ready, dispatch)
	}
	return value, deferred
}

// advance performs the increment and detaches the satisfied waiters,
// returning those whose owner must be released, chained through link.
func (c *EventCounter) advance() (uint64, *waiter) {
	var head, tail *waiter

	c.mu.Lock()
	v := c.value.Add(1)
	for w := c.q.front(); w != nil && w.target <= v; w = c.q.front() {
		c.q.remove(w)
		if !w.sink.signal(w.bit) {
			// Sticky bit recorded; the owner is not parked (yet).
			continue
		}
		if tail == nil {
			head = w
		} else {
			tail.link = w
		}
		tail = w
	}
	c.mu.Unlock()

	return v, head
}

// Wait blocks until the value is at least target.
// If it already is, Wait returns immediately.
func (c *EventCounter) Wait(target uint64) {
	if c.value.Load() >= target {
		return
	}

	c.mu.Lock()
	if c.value.Load() >= target {
		c.mu.Unlock()
		return
	}
	w := newParkedWaiter(target)
	c.q.insertOrdered(w)
	c.mu.Unlock()

	w.self.sema.Acquire()
}

// bind queues a registry binding. If the counter already passed the
// binding's target, the binding is satisfied on the spot instead.
func (c *EventCounter) bind(w *waiter) {
	c.mu.Lock()
	if c.value.Load() >= w.target {
		c.mu.Unlock()
		if w.sink.signal(w.bit) {
			c.disp.resume(w, false)
		}
		return
	}
	w.counter = c
	c.q.insertOrdered(w)
	c.mu.Unlock()
}

// unbind cancels a registry binding that has not fired yet.
func (c *EventCounter) unbind(w *waiter) {
	c.mu.Lock()
	c.q.remove(w)
	c.mu.Unlock()
}
