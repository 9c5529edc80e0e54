package evsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listTargets(l *waitList) []uint64 {
	var out []uint64
	for w := l.root.next; w != &l.root; w = w.next {
		out = append(out, w.target)
	}
	return out
}

func TestWaitList_InsertOrdered(t *testing.T) {
	var l waitList
	l.init()
	require.True(t, l.empty())
	require.Nil(t, l.front())

	a := &waiter{target: 5}
	b := &waiter{target: 2}
	c := &waiter{target: 5}
	d := &waiter{target: 9}
	for _, w := range []*waiter{a, b, c, d} {
		l.insertOrdered(w)
	}
	assert.Equal(t, []uint64{2, 5, 5, 9}, listTargets(&l))
	assert.Equal(t, 4, l.n)
	// equal targets keep arrival order
	assert.Same(t, a, b.next)
	assert.Same(t, c, a.next)

	assert.True(t, l.remove(a))
	assert.False(t, l.remove(a))
	assert.Nil(t, a.list)
	assert.Equal(t, []uint64{2, 5, 9}, listTargets(&l))

	var other waitList
	other.init()
	assert.False(t, other.remove(c))
	assert.Equal(t, 3, l.n)

	l.pushBack(&waiter{target: 1})
	assert.Equal(t, []uint64{2, 5, 9, 1}, listTargets(&l))
	assert.Same(t, b, l.front())
}

func TestSink_SignalBeforePark(t *testing.T) {
	var s sink
	assert.False(t, s.signal(1<<3), "nobody parked")
	assert.False(t, s.signal(1<<0), "nobody parked")

	done := make(chan uint64)
	go func() { done <- s.park() }()
	select {
	case mask := <-done:
		assert.Equal(t, uint64(1<<0|1<<3), mask)
	case <-time.After(time.Second):
		t.Fatal("park blocked with satisfied bits")
	}

	_, ok := s.consume()
	assert.False(t, ok, "park consumed the mask")
}

func TestSink_ParkThenSignal(t *testing.T) {
	var s sink
	done := make(chan uint64)
	go func() { done <- s.park() }()

	// Wait for the owner to announce it is parking.
	for s.state.Load()&sinkParked == 0 {
		time.Sleep(time.Millisecond)
	}
	require.True(t, s.signal(1<<2), "first signal owes the wake")
	assert.False(t, s.signal(1<<4), "only one signal owes the wake")
	s.sema.Release()

	select {
	case mask := <-done:
		assert.Equal(t, uint64(1<<2|1<<4), mask)
	case <-time.After(time.Second):
		t.Fatal("park did not return after release")
	}
}

func TestSink_Consume(t *testing.T) {
	var s sink
	_, ok := s.consume()
	require.False(t, ok)
	s.signal(1 << 62)
	mask, ok := s.consume()
	require.True(t, ok)
	assert.Equal(t, uint64(1<<62), mask)
}

func TestForEachBit(t *testing.T) {
	var got []int
	forEachBit(1<<0|1<<5|1<<62, func(i int) { got = append(got, i) })
	assert.Equal(t, []int{0, 5, 62}, got)

	forEachBit(0, func(int) { t.Fatal("called for empty mask") })
}
