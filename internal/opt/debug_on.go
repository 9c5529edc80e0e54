//go:build evsync_debug

package opt

// Debug_ turns protocol violations (for example releasing an exclusion lock
// that has no holder) into panics.
// Use: go build -tags=evsync_debug
const Debug_ = true
