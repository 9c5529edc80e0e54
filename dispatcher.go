package evsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// ResumeHook observes every waiter a Dispatcher makes runnable.
// target is the counter value the waiter was blocked on (zero for an
// ExclusionLock handoff), and deferred reports whether the wake was
// deferred from interrupt context.
type ResumeHook func(target uint64, deferred bool)

// Dispatcher is the thread-context side of the wakeup discipline.
//
// Advances that must not reschedule (interrupt context) still unlink and
// mark their satisfied waiters atomically, but instead of resuming them they
// push them onto the dispatcher's pending stack. The scheduler integration
// then calls Drain (or runs Run as a periodic sweep) from thread context,
// which invokes the resume hook and releases the waiters.
//
// Pushing is a lock-free CAS, so it never blocks and never calls the hook.
// It is zero-value usable.
type Dispatcher struct {
	_ noCopy
	// pending is a Treiber stack linked through waiter.link.
	pending  atomic.Pointer[waiter]
	npending atomic.Int64
	resumed  atomic.Uint64

	hook   ResumeHook
	logger *logiface.Logger[logiface.Event]
}

// NewDispatcher creates a Dispatcher configured by WithResumeHook and
// WithLogger.
func NewDispatcher(opts ...Option) *Dispatcher {
	cfg := newConfig(opts)
	return &Dispatcher{hook: cfg.hook, logger: cfg.logger}
}

// resume makes w runnable. Thread context only.
func (d *Dispatcher) resume(w *waiter, deferred bool) {
	if d.hook != nil {
		d.hook(w.target, deferred)
	}
	d.resumed.Add(1)
	w.sink.sema.Release()
}

// defer_ queues w for the next Drain. Safe from interrupt context.
func (d *Dispatcher) defer_(w *waiter) {
	// Counted before it is published, so a racing Drain never takes
	// Pending below zero.
	d.npending.Add(1)
	for {
		head := d.pending.Load()
		w.link = head
		if d.pending.CompareAndSwap(head, w) {
			return
		}
	}
}

// dispatch resumes, or defers, every waiter on the ready chain and returns
// how many were deferred.
func (d *Dispatcher) dispatch(ready *waiter, now bool) int {
	var n int
	for w := ready; w != nil; {
		next := w.link
		w.link = nil
		if now {
			d.resume(w, false)
		} else {
			d.defer_(w)
			n++
		}
		w = next
	}
	return n
}

// Drain resumes every pending waiter, oldest first, and returns how many
// were resumed. It must be called from thread context.
func (d *Dispatcher) Drain() int {
	head := d.pending.Swap(nil)
	if head == nil {
		return 0
	}

	// The stack is LIFO; reverse it so waiters resume in the order their
	// counters were advanced.
	var fifo *waiter
	for head != nil {
		next := head.link
		head.link = fifo
		fifo = head
		head = next
	}

	var n int
	for w := fifo; w != nil; {
		next := w.link
		w.link = nil
		d.npending.Add(-1)
		d.resume(w, true)
		n++
		w = next
	}

	d.logger.Trace().
		Int("resumed", n).
		Log("dispatcher drained")
	return n
}

// Pending returns the number of deferred wakes not yet drained.
func (d *Dispatcher) Pending() int {
	return int(d.npending.Load())
}

// Resumed returns the total number of waiters made runnable.
func (d *Dispatcher) Resumed() uint64 {
	return d.resumed.Load()
}

// Run drains the dispatcher every interval until ctx is done, then drains
// one last time and returns ctx.Err(). It is the periodic sweep for
// collaborators without a return-from-interrupt hook.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	d.logger.Debug().
		Dur("interval", interval).
		Log("dispatcher sweep started")
	for {
		select {
		case <-ctx.Done():
			d.Drain()
			d.logger.Debug().Log("dispatcher sweep stopped")
			return ctx.Err()
		case <-t.C:
			d.Drain()
		}
	}
}
