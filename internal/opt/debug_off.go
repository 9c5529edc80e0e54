//go:build !evsync_debug

package opt

// Debug_ is false in production builds: protocol violations are reported as
// status values and logged.
const Debug_ = false
