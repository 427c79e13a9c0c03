package arbiter

import "errors"

var (
	// ErrBusy is an error that occurs when a lock cannot be granted
	// because a conflicting lock is held or work is pending.
	ErrBusy = errors.New("busy")

	// ErrNotFound is an error that occurs when a lock request names a
	// volume that is not being watched.
	ErrNotFound = errors.New("volume not watched")

	// ErrNotLocked is an error that occurs when an unlock request names a
	// volume that holds no lock.
	ErrNotLocked = errors.New("volume not locked")

	// ErrWrongEndpoint is an error that occurs when an unlock request
	// arrives from an endpoint other than the one holding the lock.
	ErrWrongEndpoint = errors.New("endpoint did not lock this volume")
)
