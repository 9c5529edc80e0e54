//go:build !race

package opt

import (
	_ "unsafe" // for linkname
)

const Race_ = false

// Sema is a zero-allocation semaphore used to park and resume waiters.
// In !race mode, it is a direct wrapper around runtime.semacquire/semrelease.
type Sema struct {
	s uint32
}

// Acquire parks the caller until a matching Release.
func (s *Sema) Acquire() {
	runtime_semacquire(&s.s)
}

// Release never blocks, and may run before the matching Acquire.
func (s *Sema) Release() {
	runtime_semrelease(&s.s, false, 0)
}

//go:linkname runtime_semacquire sync.runtime_Semacquire
func runtime_semacquire(s *uint32)

//go:linkname runtime_semrelease sync.runtime_Semrelease
func runtime_semrelease(s *uint32, handoff bool, skipframes int)
