package evsync

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/time/rate"

	"github.com/llxisdsh/evsync/internal/opt"
)

// OwnerID identifies the hardware-bus unit driver that owns a slot.
type OwnerID uint32

// NoOwner marks a free slot. It never matches, so a free slot rejects every
// advance with OwnerMismatch.
const NoOwner OwnerID = 0

// HardwareClass is the hardware-management collaborator behind a SlotPool.
// When a pool has none installed, the capability is absent and the
// lifecycle operations report NotPresent.
type HardwareClass interface {
	// Init brings the hardware class up after the pool reset every slot.
	Init() error
	// Free releases the units of owner after the pool reset its slots.
	Free(owner OwnerID) error
	// FaultedCount returns the number of faulted units.
	FaultedCount() int
}

// slotLockBit is the spin bit sharing a word with the slot's owner id.
const slotLockBit = uint64(1) << 63

type slotBody struct {
	// owner holds the OwnerID in its low 32 bits and slotLockBit.
	owner   uint64
	counter EventCounter
}

// slot pads slotBody to its own cache line: slots of different units are
// advanced from different CPUs.
type slot struct {
	slotBody
	_ [(opt.PadTo_ - unsafe.Sizeof(slotBody{})%opt.PadTo_) % opt.PadTo_]byte
}

// SlotPool is a fixed arena of owner-tagged EventCounters, one per
// hardware event source, addressed by absolute index in [base, base+n).
//
// Each slot may only be observed or advanced by the caller presenting its
// owner id. The owner check and the increment run under the slot's bit
// lock, with nothing in between that could yield, so an owner reassignment
// can never slip between validation and mutation.
//
// Advance with interrupt set is safe from interrupt handlers: it never
// parks and never invokes the resume hook. Its wakes are deferred to the
// pool's Dispatcher, drained by Dispatch from thread context.
type SlotPool struct {
	_     noCopy
	base  uint32
	slots []slot
	disp  *Dispatcher
	class HardwareClass

	violations atomic.Uint64
	owners     *catrate.Limiter
	limiter    *rate.Limiter
	logger     *logiface.Logger[logiface.Event]
}

// NewSlotPool allocates n slots covering absolute indices [base, base+n),
// all free (NoOwner) with counters at zero.
//
// panic if n <= 0 or if the range overflows the index space.
func NewSlotPool(base uint32, n int, opts ...Option) *SlotPool {
	if n <= 0 {
		panic("evsync: slot pool size must be positive")
	}
	if uint64(base)+uint64(n) > 1<<32 {
		panic("evsync: slot range overflows index space")
	}
	cfg := newConfig(opts)
	p := &SlotPool{
		base:    base,
		slots:   make([]slot, n),
		disp:    cfg.resolveDispatcher(),
		class:   cfg.class,
		owners:  cfg.ownerLimiter(),
		limiter: cfg.violationLimiter(),
		logger:  cfg.logger,
	}
	for i := range p.slots {
		p.slots[i].counter.Init(p.disp)
	}
	return p
}

// Base returns the first absolute index of the pool.
func (p *SlotPool) Base() uint32 {
	return p.base
}

// Len returns the number of slots.
func (p *SlotPool) Len() int {
	return len(p.slots)
}

// Dispatcher returns the dispatcher shared by every slot.
func (p *SlotPool) Dispatcher() *Dispatcher {
	return p.disp
}

// Violations returns the number of OwnerMismatch rejections so far.
func (p *SlotPool) Violations() uint64 {
	return p.violations.Load()
}

// slot translates and range-checks an absolute index.
func (p *SlotPool) slot(index uint32) (*slot, error) {
	if index < p.base || index-p.base >= uint32(len(p.slots)) {
		return nil, InvalidIndex
	}
	return &p.slots[index-p.base], nil
}

// lockOwned locks the slot at index and checks owner. On success the slot
// is returned locked.
func (p *SlotPool) lockOwned(owner OwnerID, index uint32, interrupt bool) (*slot, error) {
	s, err := p.slot(index)
	if err != nil {
		return nil, err
	}
	bitLock(&s.owner, slotLockBit)
	if cur := OwnerID(atomic.LoadUint64(&s.owner) &^ slotLockBit); owner == NoOwner || cur != owner {
		bitUnlock(&s.owner, slotLockBit)
		p.ownerMismatch(owner, index, interrupt)
		return nil, OwnerMismatch
	}
	return s, nil
}

// ownerMismatch records an isolation violation. From interrupt context it
// is only counted. From thread context it is also logged, limited first
// per owner and then globally, so a faulty driver cannot flood the log.
func (p *SlotPool) ownerMismatch(owner OwnerID, index uint32, interrupt bool) {
	p.violations.Add(1)
	if interrupt {
		return
	}
	if _, ok := p.owners.Allow(owner); !ok || !p.limiter.Allow() {
		return
	}
	p.logger.Warning().
		Uint64("owner", uint64(owner)).
		Uint64("index", uint64(index)).
		Uint64("violations", p.violations.Load()).
		Err(OwnerMismatch).
		Log("slot advance rejected")
}

// Advance increments the counter of the slot at absolute index on behalf
// of owner:
//
//  1. index outside [base, base+n): InvalidIndex, nothing touched.
//  2. owner does not own the slot: OwnerMismatch, nothing touched.
//  3. otherwise the counter advances by one, dispatching its waiters
//     immediately unless interrupt is set, and Advance returns nil.
func (p *SlotPool) Advance(owner OwnerID, index uint32, interrupt bool) error {
	s, err := p.lockOwned(owner, index, interrupt)
	if err != nil {
		return err
	}
	_, ready := s.counter.advance()
	bitUnlock(&s.owner, slotLockBit)

	if ready != nil {
		p.disp.dispatch(ready, !interrupt)
	}
	return nil
}

// Read returns the counter value of a slot owned by owner.
func (p *SlotPool) Read(owner OwnerID, index uint32) (uint64, error) {
	s, err := p.lockOwned(owner, index, false)
	if err != nil {
		return 0, err
	}
	v := s.counter.Read()
	bitUnlock(&s.owner, slotLockBit)
	return v, nil
}

// Counter returns the counter of a slot owned by owner, for example to
// register it with a Registry. The pool keeps ownership of the counter.
func (p *SlotPool) Counter(owner OwnerID, index uint32) (*EventCounter, error) {
	s, err := p.lockOwned(owner, index, false)
	if err != nil {
		return nil, err
	}
	bitUnlock(&s.owner, slotLockBit)
	return &s.counter, nil
}

// Wait blocks until the counter of a slot owned by owner reaches target.
// Thread context only.
func (p *SlotPool) Wait(owner OwnerID, index uint32, target uint64) error {
	c, err := p.Counter(owner, index)
	if err != nil {
		return err
	}
	c.Wait(target)
	return nil
}

// Assign is the out-of-band allocation path: it gives the slot at index to
// owner. A slot owned by someone else must be cleared first, by assigning
// NoOwner or through Free; otherwise Assign returns OwnerMismatch.
func (p *SlotPool) Assign(index uint32, owner OwnerID) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	bitLock(&s.owner, slotLockBit)
	cur := OwnerID(atomic.LoadUint64(&s.owner) &^ slotLockBit)
	if owner != NoOwner && cur != NoOwner && cur != owner {
		bitUnlock(&s.owner, slotLockBit)
		return OwnerMismatch
	}
	bitUnlockWithStore(&s.owner, slotLockBit, uint64(owner))

	p.logger.Debug().
		Uint64("index", uint64(index)).
		Uint64("owner", uint64(owner)).
		Uint64("previous", uint64(cur)).
		Log("slot assigned")
	return nil
}

// reset clears the owner of every slot for which match returns true and
// returns how many were cleared.
func (p *SlotPool) reset(match func(OwnerID) bool) int {
	var n int
	for i := range p.slots {
		s := &p.slots[i]
		bitLock(&s.owner, slotLockBit)
		if cur := OwnerID(atomic.LoadUint64(&s.owner) &^ slotLockBit); cur != NoOwner && match(cur) {
			bitUnlockWithStore(&s.owner, slotLockBit, uint64(NoOwner))
			n++
			continue
		}
		bitUnlock(&s.owner, slotLockBit)
	}
	return n
}

// Init resets every slot to NoOwner and brings the hardware class up.
// Without a hardware class it is a no-op returning NotPresent.
func (p *SlotPool) Init() error {
	if p.class == nil {
		return NotPresent
	}
	n := p.reset(func(OwnerID) bool { return true })
	if err := p.class.Init(); err != nil {
		return fmt.Errorf("evsync: hardware class init: %w", err)
	}
	p.logger.Debug().
		Int("cleared", n).
		Int("slots", len(p.slots)).
		Log("slot pool initialized")
	return nil
}

// Free releases every slot owned by owner and tells the hardware class.
// Without a hardware class it is a no-op returning NotPresent.
func (p *SlotPool) Free(owner OwnerID) error {
	if p.class == nil {
		return NotPresent
	}
	n := p.reset(func(cur OwnerID) bool { return cur == owner })
	if err := p.class.Free(owner); err != nil {
		return fmt.Errorf("evsync: hardware class free owner %d: %w", owner, err)
	}
	p.logger.Debug().
		Uint64("owner", uint64(owner)).
		Int("cleared", n).
		Log("slot owner freed")
	return nil
}

// FaultedCount returns the hardware class's faulted unit count. Without a
// hardware class it deterministically returns (0, NotPresent): callers
// branch on NotPresent to skip hardware-dependent paths entirely.
func (p *SlotPool) FaultedCount() (int, error) {
	if p.class == nil {
		return 0, NotPresent
	}
	return p.class.FaultedCount(), nil
}

// Dispatch drains the wakes deferred by interrupt-context advances and
// returns how many waiters were resumed. Thread context only.
func (p *SlotPool) Dispatch() int {
	return p.disp.Drain()
}
