package evsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testBase  = 0x101
	testSlots = 32
)

func TestSlotPool_Advance(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	require.NoError(t, p.Assign(0x105, 7))

	require.NoError(t, p.Advance(7, 0x105, false))
	v, err := p.Read(7, 0x105)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	assert.ErrorIs(t, p.Advance(9, 0x105, false), OwnerMismatch)
	assert.ErrorIs(t, p.Advance(7, 0x121, false), InvalidIndex)
	assert.ErrorIs(t, p.Advance(7, 0x100, false), InvalidIndex)
	assert.ErrorIs(t, p.Advance(7, 0x106, false), OwnerMismatch, "free slot")

	// Rejected advances touch nothing.
	v, err = p.Read(7, 0x105)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, uint64(2), p.Violations())

	_, err = p.Read(9, 0x105)
	assert.ErrorIs(t, err, OwnerMismatch)
	_, err = p.Read(7, 0x121)
	assert.ErrorIs(t, err, InvalidIndex)
}

func TestSlotPool_Bounds(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	assert.Equal(t, uint32(testBase), p.Base())
	assert.Equal(t, testSlots, p.Len())
	require.NoError(t, p.Assign(testBase, 1))
	require.NoError(t, p.Assign(testBase+testSlots-1, 1))
	assert.ErrorIs(t, p.Assign(testBase+testSlots, 1), InvalidIndex)
	assert.NoError(t, p.Advance(1, testBase, true))
	assert.NoError(t, p.Advance(1, testBase+testSlots-1, true))

	assert.Panics(t, func() { NewSlotPool(0, 0) })
	assert.Panics(t, func() { NewSlotPool(^uint32(0), 2) })
	assert.NotPanics(t, func() { NewSlotPool(^uint32(0), 1) })
}

func TestSlotPool_NoOwnerNeverMatches(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	assert.ErrorIs(t, p.Advance(NoOwner, 0x101, false), OwnerMismatch)
	_, err := p.Counter(NoOwner, 0x101)
	assert.ErrorIs(t, err, OwnerMismatch)
}

func TestSlotPool_Assign(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	require.NoError(t, p.Assign(0x110, 3))
	require.NoError(t, p.Assign(0x110, 3), "reassigning the same owner is fine")
	assert.ErrorIs(t, p.Assign(0x110, 4), OwnerMismatch)

	require.NoError(t, p.Assign(0x110, NoOwner))
	assert.ErrorIs(t, p.Advance(3, 0x110, false), OwnerMismatch)
	require.NoError(t, p.Assign(0x110, 4))
	require.NoError(t, p.Advance(4, 0x110, false))
}

// Interrupt-context advance never invokes the resume hook; the wake waits
// for Dispatch from thread context.
func TestSlotPool_InterruptAdvance(t *testing.T) {
	var rec hookRecorder
	p := NewSlotPool(testBase, testSlots, WithResumeHook(rec.hook))
	require.NoError(t, p.Assign(0x105, 7))

	done := make(chan struct{})
	go func() {
		assert.NoError(t, p.Wait(7, 0x105, 1))
		close(done)
	}()
	c, err := p.Counter(7, 0x105)
	require.NoError(t, err)
	waitQueued(t, c, 1)

	require.NoError(t, p.Advance(7, 0x105, true))
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 1, p.Dispatcher().Pending())
	select {
	case <-done:
		t.Fatal("waiter resumed without Dispatch")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, 1, p.Dispatch())
	<-done
	assert.Equal(t, []hookCall{{1, true}}, rec.snapshot())
	assert.Zero(t, p.Dispatcher().Pending())
}

func TestSlotPool_ThreadAdvance(t *testing.T) {
	var rec hookRecorder
	p := NewSlotPool(testBase, testSlots, WithResumeHook(rec.hook))
	require.NoError(t, p.Assign(0x10a, 2))

	done := make(chan struct{})
	go func() {
		assert.NoError(t, p.Wait(2, 0x10a, 1))
		close(done)
	}()
	c, err := p.Counter(2, 0x10a)
	require.NoError(t, err)
	waitQueued(t, c, 1)

	require.NoError(t, p.Advance(2, 0x10a, false))
	assert.Equal(t, []hookCall{{1, false}}, rec.snapshot())
	assert.Zero(t, p.Dispatcher().Pending())
	<-done
}

func TestSlotPool_WaitRejected(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	assert.ErrorIs(t, p.Wait(1, 0x101, 1), OwnerMismatch)
	assert.ErrorIs(t, p.Wait(1, 0x200, 1), InvalidIndex)
}

// Owners only ever see their own slots move, however the advances are
// interleaved and whoever else is being rejected meanwhile.
func TestSlotPool_Isolation(t *testing.T) {
	const owners, per = 8, 200
	p := NewSlotPool(testBase, testSlots)
	for i := range testSlots {
		require.NoError(t, p.Assign(uint32(testBase+i), OwnerID(i%owners+1)))
	}

	var g errgroup.Group
	for o := 1; o <= owners; o++ {
		g.Go(func() error {
			for n := range per {
				for i := range testSlots {
					idx := uint32(testBase + i)
					err := p.Advance(OwnerID(o), idx, n%2 == 0)
					if want := OwnerID(i%owners + 1); want == OwnerID(o) {
						if err != nil {
							return err
						}
					} else if !errors.Is(err, OwnerMismatch) {
						t.Errorf("owner %d slot %#x: %v", o, idx, err)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := range testSlots {
		owner := OwnerID(i%owners + 1)
		v, err := p.Read(owner, uint32(testBase+i))
		require.NoError(t, err)
		assert.Equal(t, uint64(per), v, "slot %d", i)
	}
	assert.Equal(t, uint64(owners*per*(testSlots-testSlots/owners)), p.Violations())
}

func TestSlotPool_ViolationLogging(t *testing.T) {
	tl, logger := newTestLog(logiface.LevelDebug)
	p := NewSlotPool(testBase, testSlots,
		WithLogger(logger),
		WithViolationLimit(time.Hour, 2),
	)
	require.NoError(t, p.Assign(0x101, 1))

	for range 5 {
		assert.ErrorIs(t, p.Advance(2, 0x101, true), OwnerMismatch)
	}
	assert.Zero(t, tl.count("slot advance rejected"), "interrupt context never logs")

	for range 5 {
		assert.ErrorIs(t, p.Advance(2, 0x101, false), OwnerMismatch)
	}
	assert.Equal(t, 2, tl.count("slot advance rejected"), "rate limited")
	assert.Equal(t, uint64(10), p.Violations())

	ev := tl.find("slot advance rejected")
	require.NotNil(t, ev)
	assert.Equal(t, logiface.LevelWarning, ev.level)
	assert.Equal(t, uint64(2), ev.fields["owner"])
	assert.Equal(t, uint64(0x101), ev.fields["index"])
	assert.ErrorIs(t, ev.err, OwnerMismatch)
}

func TestSlotPool_ViolationLoggingPerOwner(t *testing.T) {
	tl, logger := newTestLog(logiface.LevelDebug)
	p := NewSlotPool(testBase, testSlots,
		WithLogger(logger),
		WithViolationLimit(0, 0),
		WithOwnerViolationRates(map[time.Duration]int{time.Hour: 2}),
	)
	require.NoError(t, p.Assign(0x101, 1))

	for range 5 {
		assert.ErrorIs(t, p.Advance(2, 0x101, false), OwnerMismatch)
	}
	assert.Equal(t, 2, tl.count("slot advance rejected"))

	// A second faulty owner still gets its own budget.
	for range 5 {
		assert.ErrorIs(t, p.Advance(3, 0x101, false), OwnerMismatch)
	}
	assert.Equal(t, 4, tl.count("slot advance rejected"))
}

func TestSlotPool_NoHardwareClass(t *testing.T) {
	p := NewSlotPool(testBase, testSlots)
	require.NoError(t, p.Assign(0x101, 5))

	n, err := p.FaultedCount()
	assert.ErrorIs(t, err, NotPresent)
	assert.Zero(t, n)
	assert.ErrorIs(t, p.Init(), NotPresent)
	assert.ErrorIs(t, p.Free(5), NotPresent)

	// Nothing was reset.
	require.NoError(t, p.Advance(5, 0x101, false))
}

type fakeClass struct {
	mu      sync.Mutex
	inits   int
	freed   []OwnerID
	faulted int
	err     error
}

func (f *fakeClass) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.err
}

func (f *fakeClass) Free(owner OwnerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed = append(f.freed, owner)
	return f.err
}

func (f *fakeClass) FaultedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faulted
}

func TestSlotPool_HardwareClass(t *testing.T) {
	class := &fakeClass{faulted: 3}
	p := NewSlotPool(testBase, testSlots, WithHardwareClass(class))
	require.NoError(t, p.Assign(0x101, 1))
	require.NoError(t, p.Assign(0x102, 2))
	require.NoError(t, p.Assign(0x103, 1))

	n, err := p.FaultedCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, p.Free(1))
	assert.Equal(t, []OwnerID{1}, class.freed)
	assert.ErrorIs(t, p.Advance(1, 0x101, false), OwnerMismatch)
	assert.ErrorIs(t, p.Advance(1, 0x103, false), OwnerMismatch)
	require.NoError(t, p.Advance(2, 0x102, false))

	require.NoError(t, p.Init())
	assert.Equal(t, 1, class.inits)
	assert.ErrorIs(t, p.Advance(2, 0x102, false), OwnerMismatch)

	class.err = errors.New("bus fault")
	err = p.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, class.err)
	assert.Equal(t, Failed, StatusOf(err))
}

func TestSlotPool_Scenario(t *testing.T) {
	p := NewSlotPool(0x101, 32)
	require.NoError(t, p.Assign(0x101, 7))
	require.NoError(t, p.Assign(0x102, 7))

	require.NoError(t, p.Advance(7, 0x101, false))
	assert.ErrorIs(t, p.Advance(9, 0x101, false), OwnerMismatch)
	assert.ErrorIs(t, p.Advance(7, 0x121, false), InvalidIndex)

	v, err := p.Read(7, 0x101)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	v, err = p.Read(7, 0x102)
	require.NoError(t, err)
	assert.Zero(t, v, "neighbouring slot untouched")
}
