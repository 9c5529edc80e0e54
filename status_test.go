package evsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Codes(t *testing.T) {
	// The numeric values are handed to collaborators as raw codes.
	for _, tc := range []struct {
		s    Status
		code int32
		name string
	}{
		{Ok, 0, "ok"},
		{InvalidIndex, -1, "invalid index"},
		{OwnerMismatch, -2, "owner mismatch"},
		{AlreadyLocked, -3, "already locked"},
		{NotPresent, -4, "not present"},
		{CapacityExceeded, -5, "capacity exceeded"},
		{ReleaseWithoutHolder, -6, "release without holder"},
		{Failed, -7, "failed"},
	} {
		assert.Equal(t, tc.code, int32(tc.s))
		assert.Equal(t, tc.name, tc.s.String())
		assert.Equal(t, "evsync: "+tc.name, tc.s.Error())
	}
	assert.Equal(t, "status(-42)", Status(-42).String())
	assert.Equal(t, "status(3)", Status(3).String())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, Ok, StatusOf(nil))
	assert.Equal(t, OwnerMismatch, StatusOf(OwnerMismatch))
	assert.Equal(t, NotPresent, StatusOf(fmt.Errorf("wrapped: %w", NotPresent)))
	assert.Equal(t, Failed, StatusOf(errors.New("opaque")))
	assert.Nil(t, Ok.err())
	assert.Equal(t, error(AlreadyLocked), AlreadyLocked.err())
}
