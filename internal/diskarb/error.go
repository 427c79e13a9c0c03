package diskarb

import "errors"

var (
	// ErrUnknownDisk is an error that occurs when a device id has no
	// entry in the session's disk table.
	ErrUnknownDisk = errors.New("unknown disk")

	// ErrBusy is the dissent reason used when an unmount is refused
	// because a volume update is in flight or pending.
	ErrBusy = errors.New("helper update busy")
)
