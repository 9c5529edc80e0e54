package evsync

import "sync/atomic"

// bitLock acquires a bit-lock on the given word using the specified bit
// mask. The lock is held while (value & mask) != 0; the remaining bits carry
// data that is stable for as long as the lock is held.
//
// The hardware slot pool keeps each slot's owner id and its lock in one
// word, so validating the owner and advancing the counter happen without
// any window in which the owner can be reassigned.
func bitLock(addr *uint64, mask uint64) {
	cur := atomic.LoadUint64(addr)
	if atomic.CompareAndSwapUint64(addr, cur&^mask, cur|mask) {
		return
	}
	var spins int
	for !tryBitLock(addr, mask) {
		delay(&spins)
	}
}

//go:nosplit
func tryBitLock(addr *uint64, mask uint64) bool {
	for {
		cur := atomic.LoadUint64(addr)
		if cur&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(addr, cur, cur|mask) {
			return true
		}
	}
}

// bitUnlock releases the bit-lock, preserving the data bits.
//
//go:nosplit
func bitUnlock(addr *uint64, mask uint64) {
	atomic.StoreUint64(addr, atomic.LoadUint64(addr)&^mask)
}

// bitUnlockWithStore releases the bit-lock and replaces the data bits in the
// same store.
//
//go:nosplit
func bitUnlockWithStore(addr *uint64, mask uint64, value uint64) {
	atomic.StoreUint64(addr, value&^mask)
}
