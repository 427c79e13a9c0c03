package watcher

import "errors"

var (
	// ErrAlreadyWatching is an error that occurs when a watch session is
	// started while another one is active.
	ErrAlreadyWatching = errors.New("already watching volumes")

	// ErrVolumeBusy is the dissent reason given to unmount approval
	// requests while a volume holds a lock or has rebuilds pending.
	ErrVolumeBusy = errors.New("volume update busy")
)
