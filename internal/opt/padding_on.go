//go:build !evsync_disable_padding

package opt

// PadTo_ is the alignment that per-slot arenas are rounded up to.
// Slots of the hardware pool are advanced from different CPUs, so each one
// gets its own cache line unless padding is disabled.
const PadTo_ = CacheLineSize_
