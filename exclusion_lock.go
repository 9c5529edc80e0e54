package evsync

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/llxisdsh/evsync/internal/opt"
)

const (
	lockUnlocked uint32 = iota
	lockLocked
)

// ExclusionLock is a binary mutual-exclusion lock with a conditional
// (non-blocking) surface: TryAcquire and Release. It is what the page
// wiring collaborator takes around every change to the set of resident
// pages.
//
// State:
//   - Unlocked (initial): TryAcquire succeeds.
//   - Locked: TryAcquire reports AlreadyLocked and leaves the state alone.
//
// The Unlocked→Locked transition is a single CAS, so among any number of
// racing TryAcquire calls exactly one wins. Acquire is the blocking variant:
// it queues on the lock's own intrusive wait queue and is handed the lock
// directly on release, which keeps the state Locked across the handoff.
// No TryAcquire can observe Unlocked while a legitimate holder exists.
//
// The handoff wakes the new holder through the lock's Dispatcher, like an
// EventCounter advance: Release resumes it at once and invokes the resume
// hook with target zero, ReleaseDeferred (interrupt context) only queues
// the wake for the next Drain.
//
// Release of an Unlocked lock is rejected with ReleaseWithoutHolder and
// leaves the state unchanged. Built with the evsync_debug tag, it panics.
//
// An ExclusionLock must be initialized with Init or NewExclusionLock.
type ExclusionLock struct {
	_     noCopy
	state atomic.Uint32
	// mu orders Acquire's enqueue against Release's handoff decision.
	mu ticketLock
	q  waitList

	disp       *Dispatcher
	violations atomic.Uint64
	logger     *logiface.Logger[logiface.Event]
}

// NewExclusionLock creates an initialized, unlocked lock. Handoff wakes go
// to the dispatcher given by WithDispatcher, or to a private one.
func NewExclusionLock(opts ...Option) *ExclusionLock {
	cfg := newConfig(opts)
	l := &ExclusionLock{
		disp:   cfg.resolveDispatcher(),
		logger: cfg.logger,
	}
	l.Init()
	return l
}

// Init sets the lock Unlocked with an empty wait queue.
// It must not be called while the lock has waiters.
func (l *ExclusionLock) Init() {
	l.mu.Lock()
	if l.disp == nil {
		l.disp = &Dispatcher{}
	}
	l.state.Store(lockUnlocked)
	l.q.init()
	l.mu.Unlock()
}

// Dispatcher returns the dispatcher that wakes handed-off holders.
func (l *ExclusionLock) Dispatcher() *Dispatcher {
	return l.disp
}

// Violations returns the number of ReleaseWithoutHolder rejections so far.
func (l *ExclusionLock) Violations() uint64 {
	return l.violations.Load()
}

// IsLocked reports whether some caller currently holds the lock.
func (l *ExclusionLock) IsLocked() bool {
	return l.state.Load() == lockLocked
}

// TryAcquire takes the lock if it is Unlocked and returns nil; otherwise it
// returns AlreadyLocked without blocking. Backoff and retry are the
// caller's policy.
func (l *ExclusionLock) TryAcquire() error {
	if l.state.CompareAndSwap(lockUnlocked, lockLocked) {
		return nil
	}
	return AlreadyLocked
}

// Acquire blocks until the caller holds the lock. Thread context only.
func (l *ExclusionLock) Acquire() {
	if l.state.CompareAndSwap(lockUnlocked, lockLocked) {
		return
	}

	l.mu.Lock()
	if l.state.CompareAndSwap(lockUnlocked, lockLocked) {
		l.mu.Unlock()
		return
	}
	w := newParkedWaiter(0)
	l.q.pushBack(w)
	l.mu.Unlock()

	// Woken only by a handoff: the lock is ours, still Locked.
	w.self.sema.Acquire()
}

// Release gives up the lock. If callers are blocked in Acquire, the first
// one becomes the holder and is resumed before Release returns; the lock
// stays Locked. Otherwise it becomes Unlocked. Releasing an Unlocked lock
// returns ReleaseWithoutHolder. Thread context only.
func (l *ExclusionLock) Release() error {
	return l.release(false)
}

// ReleaseDeferred is Release for interrupt context: a blocked Acquire is
// still handed the lock at once, but its wake is queued on the Dispatcher
// instead of run, so ReleaseDeferred never invokes the resume hook and
// never logs.
func (l *ExclusionLock) ReleaseDeferred() error {
	return l.release(true)
}

func (l *ExclusionLock) release(interrupt bool) error {
	l.mu.Lock()
	if l.state.Load() != lockLocked {
		l.mu.Unlock()
		return l.releaseWithoutHolder(interrupt)
	}
	if w := l.q.front(); w != nil {
		// Ownership passes to w here; only its wake may be deferred.
		l.q.remove(w)
		l.mu.Unlock()
		if w.sink.signal(w.bit) {
			l.disp.dispatch(w, !interrupt)
		}
		return nil
	}
	l.state.CompareAndSwap(lockLocked, lockUnlocked)
	l.mu.Unlock()
	return nil
}

// releaseWithoutHolder reports an unmatched release. The state is left
// exactly as it was: an unmatched release must never let a later
// TryAcquire succeed while another holder exists. From interrupt context
// the violation is only counted.
func (l *ExclusionLock) releaseWithoutHolder(interrupt bool) error {
	n := l.violations.Add(1)
	if !interrupt {
		l.logger.Err().
			Uint64("violations", n).
			Err(ReleaseWithoutHolder).
			Log("exclusion lock released without holder")
	}
	if opt.Debug_ {
		panic(ReleaseWithoutHolder)
	}
	return ReleaseWithoutHolder
}

// Waiters returns the number of callers blocked in Acquire.
func (l *ExclusionLock) Waiters() int {
	l.mu.Lock()
	n := l.q.n
	l.mu.Unlock()
	return n
}

// Lock implements sync.Locker with Acquire.
func (l *ExclusionLock) Lock() {
	l.Acquire()
}

// Unlock implements sync.Locker with Release. Like sync.Mutex, unlocking a
// lock nobody holds is fatal to the caller: Unlock panics with
// ReleaseWithoutHolder. Use Release to branch on the status instead.
func (l *ExclusionLock) Unlock() {
	if err := l.Release(); err != nil {
		panic(err)
	}
}
