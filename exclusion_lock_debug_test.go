//go:build evsync_debug

package evsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExclusionLock_ReleaseWithoutHolderPanics(t *testing.T) {
	l := NewExclusionLock()
	assert.PanicsWithValue(t, ReleaseWithoutHolder, func() { _ = l.Release() })
	assert.PanicsWithValue(t, ReleaseWithoutHolder, func() { _ = l.ReleaseDeferred() })
	assert.False(t, l.IsLocked())
	assert.Equal(t, uint64(2), l.Violations())
}
