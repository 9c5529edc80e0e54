//go:build race

package opt

import "sync"

const Race_ = true

// Sema under the race detector is built on sync.Mutex/sync.Cond so that the
// detector sees the happens-before edge between Release and Acquire.
type Sema struct {
	mu   sync.Mutex
	cond sync.Cond
	n    uint32
}

// Acquire parks the caller until a matching Release.
func (s *Sema) Acquire() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	for s.n == 0 {
		s.cond.Wait()
	}
	s.n--
	s.mu.Unlock()
}

// Release never blocks, and may run before the matching Acquire.
func (s *Sema) Release() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	s.n++
	s.cond.Signal()
	s.mu.Unlock()
}
