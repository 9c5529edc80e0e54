//go:build evsync_cachelinesize_128

package opt

// CacheLineSize_ forced to 128 bytes via the evsync_cachelinesize_128 build tag.
const CacheLineSize_ = 128
