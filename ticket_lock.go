package evsync

import (
	"sync/atomic"
)

// ticketLock is a fair, FIFO spin-lock.
//
// It plays the part of an interrupt-masked critical section: holders never
// park, they only touch a few list pointers, so it is safe to take from
// interrupt context as well as from thread context.
//
// Lock(): takes a ticket number and spins until `serving` reaches it.
// Unlock(): increments `serving`, handing the lock to the next ticket.
//
// The zero value is an unlocked lock.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (m *ticketLock) Lock() {
	my := m.next.Add(1) - 1
	var spins int
	for m.serving.Load() != my {
		delay(&spins)
	}
}

// TryLock takes the lock only if no ticket is outstanding.
func (m *ticketLock) TryLock() bool {
	s := m.serving.Load()
	return m.next.CompareAndSwap(s, s+1)
}

func (m *ticketLock) Unlock() {
	m.serving.Add(1)
}
