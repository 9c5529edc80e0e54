package evsync

import (
	"errors"
	"strconv"
)

// Status is the signed result code handed back to collaborators.
// Zero means success; every failure is a distinct negative value that
// callers branch on. Status implements error, and operations return nil
// instead of Ok, so both styles work:
//
//	if err := pool.Advance(owner, idx, true); errors.Is(err, evsync.OwnerMismatch) {
//		// ...
//	}
//	code := evsync.StatusOf(err) // raw signed code
type Status int32

const (
	Ok Status = 0

	// InvalidIndex: the absolute slot index is outside the configured range.
	InvalidIndex Status = -1
	// OwnerMismatch: the caller's owner id does not own the addressed slot.
	OwnerMismatch Status = -2
	// AlreadyLocked: the exclusion lock is held; retry policy is the caller's.
	AlreadyLocked Status = -3
	// NotPresent: no hardware class is installed.
	NotPresent Status = -4
	// CapacityExceeded: the registration table, or a handle, is full.
	CapacityExceeded Status = -5
	// ReleaseWithoutHolder: release of an exclusion lock nobody holds.
	ReleaseWithoutHolder Status = -6
	// Failed: a collaborator returned an error that carries no status.
	Failed Status = -7
)

var statusNames = [...]string{
	"ok",
	"invalid index",
	"owner mismatch",
	"already locked",
	"not present",
	"capacity exceeded",
	"release without holder",
	"failed",
}

func (s Status) String() string {
	if s <= 0 && int(-s) < len(statusNames) {
		return statusNames[-s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) Error() string {
	return "evsync: " + s.String()
}

// err maps Ok to a nil error.
func (s Status) err() error {
	if s == Ok {
		return nil
	}
	return s
}

// StatusOf recovers the signed status code carried by err.
// A nil error is Ok; an error with no Status in its chain is Failed.
func StatusOf(err error) Status {
	if err == nil {
		return Ok
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Failed
}

// ErrHandleClosed is returned when registering on a handle that has already
// been resolved by Wait or Poll, or discarded by Close.
var ErrHandleClosed = errors.New("evsync: handle already resolved")
