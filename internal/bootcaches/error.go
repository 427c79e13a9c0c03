package bootcaches

import "errors"

var (
	// ErrNotDictionary is an error that occurs when the descriptor file
	// does not contain a dictionary at its root.
	ErrNotDictionary = errors.New("descriptor does not contain a dictionary")

	// ErrUnknownKeys is an error that occurs when the descriptor contains
	// keys this implementation does not understand; such descriptors are
	// rejected rather than partially honored.
	ErrUnknownKeys = errors.New("unknown (assumed required) keys in descriptor")

	// ErrNotOwnedByRoot is an error that occurs when the descriptor file
	// is not owned by root.
	ErrNotOwnedByRoot = errors.New("descriptor not owned by root")

	// ErrWritableDescriptor is an error that occurs when the descriptor
	// file is group- or other-writable.
	ErrWritableDescriptor = errors.New("descriptor writable by non-root")

	// ErrPathTooLong is an error that occurs when a descriptor-relative
	// path does not fit within the platform's maximum path length.
	ErrPathTooLong = errors.New("relative path exceeds maximum path length")
)
