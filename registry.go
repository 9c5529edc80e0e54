package evsync

import (
	"math"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/llxisdsh/pb"
	"golang.org/x/sync/semaphore"
)

// MaxBindings is the most bindings a single Handle can carry.
const MaxBindings = 63

// HandleID identifies an outstanding Handle within its Registry.
type HandleID uint64

// BindingID identifies a binding within its Handle, in registration order
// starting at zero.
type BindingID int

// Registry lets one caller block until any of several EventCounters
// advances: a driver multiplexing the completion counters of several
// devices into a single blocking call, without polling each source.
//
// Every binding occupies one entry of a finite registration table; when the
// table is full, Register fails with CapacityExceeded and the caller must
// shed load or wait for a handle to resolve.
//
// Usage:
//
//	h := reg.NewHandle()
//	a, _ := h.Register(diskDone)
//	b, _ := h.Register(displayDone)
//	for _, id := range h.Wait() {
//		// id == a and/or id == b
//	}
type Registry struct {
	_        noCopy
	table    *semaphore.Weighted
	capacity int64
	used     atomic.Int64

	handles pb.MapOf[HandleID, *Handle]
	live    atomic.Int64
	nextID  atomic.Uint64

	logger *logiface.Logger[logiface.Event]
}

// NewRegistry creates a registry whose table holds capacity bindings.
//
// panic if capacity <= 0.
func NewRegistry(capacity int64, opts ...Option) *Registry {
	if capacity <= 0 {
		panic("evsync: registry capacity must be positive")
	}
	cfg := newConfig(opts)
	return &Registry{
		table:    semaphore.NewWeighted(capacity),
		capacity: capacity,
		logger:   cfg.logger,
	}
}

// Capacity returns the size of the registration table.
func (r *Registry) Capacity() int64 {
	return r.capacity
}

// Outstanding returns the number of table entries held by live bindings.
func (r *Registry) Outstanding() int64 {
	return r.used.Load()
}

// Handles returns the number of handles not yet resolved or closed.
func (r *Registry) Handles() int64 {
	return r.live.Load()
}

// NewHandle creates an empty handle owned by the caller.
func (r *Registry) NewHandle() *Handle {
	h := &Handle{r: r, id: HandleID(r.nextID.Add(1))}
	r.handles.Store(h.id, h)
	r.live.Add(1)
	return h
}

// Lookup returns the outstanding handle with the given id, for
// collaborators that only carry the numeric id.
func (r *Registry) Lookup(id HandleID) (*Handle, bool) {
	return r.handles.Load(id)
}

// Handle is a set of (counter, captured target) bindings resolved by a
// single Wait or Poll. A binding is satisfied once its counter's value
// passes the captured target; satisfaction is sticky until the handle is
// resolved, so an advance between Register and Wait is never missed.
//
// A handle belongs to one caller: Wait and Poll must not run concurrently
// with each other.
type Handle struct {
	_  noCopy
	r  *Registry
	id HandleID

	sink sink

	// mu guards bindings and closed.
	mu       ticketLock
	bindings []*waiter
	closed   bool
}

// ID returns the handle's id within its registry.
func (h *Handle) ID() HandleID {
	return h.id
}

// Register binds c with the target captured from c.Read(), so the binding
// is satisfied by the next advance.
func (h *Handle) Register(c *EventCounter) (BindingID, error) {
	return h.RegisterAt(c, c.Read())
}

// RegisterAt binds c with an explicit captured target: the binding is
// satisfied once c's value passes target. If it already has, the binding
// is satisfied immediately.
//
// It fails with CapacityExceeded when the registration table is full or
// the handle already carries MaxBindings, and with ErrHandleClosed once the
// handle has been resolved.
func (h *Handle) RegisterAt(c *EventCounter, target uint64) (BindingID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return -1, ErrHandleClosed
	}
	if len(h.bindings) >= MaxBindings {
		return -1, CapacityExceeded
	}
	if !h.r.table.TryAcquire(1) {
		h.r.logger.Debug().
			Uint64("handle", uint64(h.id)).
			Int64("capacity", h.r.capacity).
			Err(CapacityExceeded).
			Log("registration table full")
		return -1, CapacityExceeded
	}
	h.r.used.Add(1)

	id := BindingID(len(h.bindings))
	w := &waiter{bit: 1 << uint(id), sink: &h.sink}
	// "passes target" means value > target; a target of MaxUint64 is
	// never passed.
	w.target = target
	if target != math.MaxUint64 {
		w.target = target + 1
	}
	h.bindings = append(h.bindings, w)
	c.bind(w)
	return id, nil
}

// Wait blocks until at least one binding is satisfied, resolves the handle
// and returns every binding satisfied at that point, in ascending order.
// A handle with no bindings, or one already resolved, returns nil at once.
func (h *Handle) Wait() []BindingID {
	h.mu.Lock()
	idle := h.closed || len(h.bindings) == 0
	h.mu.Unlock()
	if idle {
		return nil
	}

	mask := h.sink.park()
	h.resolve()
	return decodeBindings(mask)
}

// Poll is the non-blocking Wait: if any binding is satisfied it resolves
// the handle and returns the satisfied bindings and true; otherwise the
// handle is left untouched and Poll returns false.
func (h *Handle) Poll() ([]BindingID, bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, false
	}

	mask, ok := h.sink.consume()
	if !ok {
		return nil, false
	}
	h.resolve()
	return decodeBindings(mask), true
}

// Close discards the handle without waiting, cancelling its bindings and
// returning their table entries. Closing twice is a no-op.
func (h *Handle) Close() {
	h.resolve()
}

// resolve cancels the bindings still queued, returns the table entries
// and retires the handle.
func (h *Handle) resolve() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	bindings := h.bindings
	h.bindings = nil
	h.mu.Unlock()

	for _, w := range bindings {
		if w.counter != nil {
			w.counter.unbind(w)
		}
	}
	if n := int64(len(bindings)); n > 0 {
		h.r.used.Add(-n)
		h.r.table.Release(n)
	}
	h.r.handles.Delete(h.id)
	h.r.live.Add(-1)
}

func decodeBindings(mask uint64) []BindingID {
	ids := make([]BindingID, 0, 1)
	forEachBit(mask, func(i int) {
		ids = append(ids, BindingID(i))
	})
	return ids
}
