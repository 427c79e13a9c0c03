package safepath

import "errors"

var (
	// ErrScopeViolation is an error that occurs when the parent directory
	// of a mutation target does not reside on the same device as the
	// scope descriptor; the operation is refused as a redirection attempt.
	ErrScopeViolation = errors.New("target not on scope device")

	// ErrCrossDevice is an error that occurs when a deep unlink would
	// descend across a device boundary.
	ErrCrossDevice = errors.New("refusing to cross device boundary")

	// ErrNotDirectory is an error that occurs when a deep mkdir finds an
	// existing non-directory component in the requested path.
	ErrNotDirectory = errors.New("path component is not a directory")

	// ErrEmptyPath is an error that occurs when a primitive is given an
	// empty path to operate on.
	ErrEmptyPath = errors.New("empty path")
)
