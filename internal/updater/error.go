package updater

import "errors"

var (
	// ErrHelperTooSmall is an error that occurs when a helper partition
	// is below the supported minimum size.
	ErrHelperTooSmall = errors.New("helper partition below minimum size")

	// ErrZeroLengthSource is an error that occurs when a mandatory RPS
	// source file is empty; empty boot content is never staged.
	ErrZeroLengthSource = errors.New("zero-length RPS source file")

	// ErrHelpersIncomplete is an error that occurs when not every helper
	// partition of a volume could be updated; bootstamps are withheld so
	// the volume stays stale.
	ErrHelpersIncomplete = errors.New("not all helper partitions were updated")

	// ErrNoBooters is an error that occurs when booter activation is
	// requested but neither booter produced an inode to bless.
	ErrNoBooters = errors.New("no booter inodes to bless")
)
