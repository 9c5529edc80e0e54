//go:build evsync_disable_padding

package opt

// PadTo_ of 1 disables arena padding.
// Use: go build -tags=evsync_disable_padding
const PadTo_ = 1
