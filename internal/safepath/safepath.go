// Package safepath implements filesystem primitives whose mutations are
// confined to a single volume.
//
// Every mutating primitive takes a scope descriptor identifying the volume
// it is allowed to operate on. The primitive resolves the parent directory
// of its target, opens it, and requires the opened parent to reside on the
// same device as the scope descriptor before touching anything. The
// operation itself is then performed through the parent descriptor using
// only the target's base name, so no later path re-traversal (symlink or
// mount swap) can redirect it off the volume.
package safepath

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type osProvider interface {
	Open(name string) (*os.File, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

type unixProvider interface {
	Fstat(fd int, stat *unix.Stat_t) error
	Lstat(path string, stat *unix.Stat_t) error
	Stat(path string, stat *unix.Stat_t) error
	Openat(dirfd int, path string, flags int, mode uint32) (int, error)
	Mkdirat(dirfd int, path string, mode uint32) error
	Unlinkat(dirfd int, path string, flags int) error
	Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error
	Fchmod(fd int, mode uint32) error
	Close(fd int) error
}

// Handler is the access point for all scope-confined primitives.
type Handler struct {
	osHandler   osProvider
	unixHandler unixProvider
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(osHandler osProvider, unixHandler unixProvider) *Handler {
	return &Handler{
		osHandler:   osHandler,
		unixHandler: unixHandler,
	}
}

// checkScope ensures a candidate descriptor resides on the same device as
// the scope descriptor.
func (h *Handler) checkScope(fdvol int, candfd int) error {
	var dirsb, volsb unix.Stat_t

	if err := h.unixHandler.Fstat(candfd, &dirsb); err != nil {
		return fmt.Errorf("(safepath) failed to stat candidate: %w", err)
	}

	if err := h.unixHandler.Fstat(fdvol, &volsb); err != nil {
		return fmt.Errorf("(safepath) failed to stat scope: %w", err)
	}

	if volsb.Dev != dirsb.Dev {
		return fmt.Errorf("(safepath) %w", ErrScopeViolation)
	}

	return nil
}

// withParent opens the parent directory of path, verifies it against the
// scope descriptor and hands the parent descriptor plus the target's base
// name to fn. The parent descriptor is closed on all paths.
func (h *Handler) withParent(fdvol int, path string, fn func(parentfd int, child string) error) error {
	if path == "" {
		return fmt.Errorf("(safepath) %w", ErrEmptyPath)
	}

	parent, err := h.osHandler.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("(safepath) failed to open parent: %w", err)
	}
	defer parent.Close()

	if err := h.checkScope(fdvol, int(parent.Fd())); err != nil {
		return err
	}

	return fn(int(parent.Fd()), filepath.Base(path))
}

// Open opens path relative to its scope-checked parent directory. Whenever
// creation is requested, exclusive creation is forced, so an existing file
// (or a planted symlink) at the target name fails the open.
func (h *Handler) Open(fdvol int, path string, flags int, mode uint32) (*os.File, error) {
	var opened *os.File

	if flags&unix.O_CREAT != 0 {
		flags |= unix.O_EXCL
	}

	err := h.withParent(fdvol, path, func(parentfd int, child string) error {
		fd, err := h.unixHandler.Openat(parentfd, child, flags|unix.O_CLOEXEC, mode)
		if err != nil {
			return fmt.Errorf("(safepath) failed to open %s: %w", path, err)
		}
		opened = os.NewFile(uintptr(fd), path)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return opened, nil
}

// Mkdir creates the directory at path inside its scope-checked parent.
func (h *Handler) Mkdir(fdvol int, path string, mode uint32) error {
	return h.withParent(fdvol, path, func(parentfd int, child string) error {
		if err := h.unixHandler.Mkdirat(parentfd, child, mode); err != nil {
			return fmt.Errorf("(safepath) failed to mkdir %s: %w", path, err)
		}

		return nil
	})
}

// Rmdir removes the directory at path inside its scope-checked parent.
func (h *Handler) Rmdir(fdvol int, path string) error {
	return h.withParent(fdvol, path, func(parentfd int, child string) error {
		if err := h.unixHandler.Unlinkat(parentfd, child, unix.AT_REMOVEDIR); err != nil {
			return fmt.Errorf("(safepath) failed to rmdir %s: %w", path, err)
		}

		return nil
	})
}

// Unlink removes the file at path inside its scope-checked parent.
func (h *Handler) Unlink(fdvol int, path string) error {
	return h.withParent(fdvol, path, func(parentfd int, child string) error {
		if err := h.unixHandler.Unlinkat(parentfd, child, 0); err != nil {
			return fmt.Errorf("(safepath) failed to unlink %s: %w", path, err)
		}

		return nil
	})
}

// Rename renames oldpath to the base name of newpath within oldpath's
// scope-checked parent directory. Like the rest of the primitives it never
// re-traverses the new path, so renames degrade to the old path's parent.
func (h *Handler) Rename(fdvol int, oldpath string, newpath string) error {
	newname := filepath.Base(newpath)

	return h.withParent(fdvol, oldpath, func(parentfd int, child string) error {
		if err := h.unixHandler.Renameat(parentfd, child, parentfd, newname); err != nil {
			return fmt.Errorf("(safepath) failed to rename %s -> %s: %w", oldpath, newname, err)
		}

		return nil
	})
}
