package evsync

import (
	"math/bits"
	"sync/atomic"

	"github.com/llxisdsh/evsync/internal/opt"
)

// waiter is one blocked caller queued on an EventCounter or ExclusionLock.
//
// prev/next/list are protected by the spin lock of the structure owning the
// list. link is used first for the ready chain built by an advance, then for
// the Dispatcher pending stack; it is owned by whoever unlinked the waiter.
type waiter struct {
	prev, next *waiter
	list       *waitList
	link       *waiter

	// target is the counter value that satisfies the waiter.
	target uint64
	// bit identifies the binding within sink.
	bit  uint64
	sink *sink

	// counter is set for registry bindings, so they can be cancelled.
	counter *EventCounter

	// self backs sink for plain waits and lock acquisitions.
	self sink
}

// newParkedWaiter returns a waiter whose sink is already marked parked:
// the first signal always carries the obligation to release it.
func newParkedWaiter(target uint64) *waiter {
	w := &waiter{target: target, bit: 1}
	w.sink = &w.self
	w.self.state.Store(sinkParked)
	return w
}

// ============================================================================
// Intrusive wait queue
// ============================================================================

// waitList is an intrusive doubly linked list with a sentinel root.
// An empty list has root.next == root.prev == &root; it is never nil once
// init has run, so no queue operation special-cases an uninitialised list.
type waitList struct {
	root waiter
	n    int
}

func (l *waitList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.n = 0
}

func (l *waitList) empty() bool {
	return l.root.next == &l.root
}

func (l *waitList) front() *waiter {
	if l.root.next == &l.root {
		return nil
	}
	return l.root.next
}

func (l *waitList) insertBefore(w, at *waiter) {
	w.prev = at.prev
	w.next = at
	at.prev.next = w
	at.prev = w
	w.list = l
	l.n++
}

func (l *waitList) pushBack(w *waiter) {
	l.insertBefore(w, &l.root)
}

// insertOrdered keeps the list sorted by target, after existing waiters
// with an equal target.
func (l *waitList) insertOrdered(w *waiter) {
	at := l.root.next
	for at != &l.root && at.target <= w.target {
		at = at.next
	}
	l.insertBefore(w, at)
}

// remove unlinks w and reports whether it was queued on l.
func (l *waitList) remove(w *waiter) bool {
	if w.list != l {
		return false
	}
	w.prev.next = w.next
	w.next.prev = w.prev
	w.prev, w.next, w.list = nil, nil, nil
	l.n--
	return true
}

// ============================================================================
// Sink
// ============================================================================

// sinkParked marks a sink whose owner is (or is about to be) parked on sema.
// The low 63 bits are the sticky satisfied-binding mask.
const (
	sinkParked = uint64(1) << 63
	sinkMask   = sinkParked - 1
)

// sink is where satisfied bindings land. A plain wait uses a sink with a
// single binding; a registry handle shares one sink across all of its
// bindings, which is what makes "wait for any of N" a single park.
type sink struct {
	state atomic.Uint64
	sema  opt.Sema
}

// signal marks bit satisfied. It is a single CAS, safe from interrupt
// context. It reports whether the caller took over the obligation to
// release the parked owner; at most one signal per park does.
func (s *sink) signal(bit uint64) bool {
	for {
		st := s.state.Load()
		if s.state.CompareAndSwap(st, (st|bit)&^sinkParked) {
			return st&sinkParked != 0
		}
	}
}

// consume takes the satisfied mask without parking.
func (s *sink) consume() (uint64, bool) {
	for {
		st := s.state.Load()
		if st&sinkMask == 0 {
			return 0, false
		}
		if s.state.CompareAndSwap(st, st&sinkParked) {
			return st & sinkMask, true
		}
	}
}

// park blocks until at least one binding is satisfied, then consumes the
// mask. Only the owner of the sink may park on it.
func (s *sink) park() uint64 {
	for {
		st := s.state.Load()
		if st&sinkMask != 0 {
			if s.state.CompareAndSwap(st, 0) {
				return st & sinkMask
			}
			continue
		}
		if s.state.CompareAndSwap(st, st|sinkParked) {
			s.sema.Acquire()
		}
	}
}

// forEachBit calls fn with the index of every set bit of mask, lowest first.
func forEachBit(mask uint64, fn func(i int)) {
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		fn(i)
		mask &^= 1 << i
	}
}
