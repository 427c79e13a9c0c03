package safepath

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DeepUnlink removes path and everything below it. The walk respects
// symlinks (they are unlinked, never followed) and refuses to descend
// across device boundaries; every removal goes through the scoped
// [Handler.Unlink] / [Handler.Rmdir] primitives.
func (h *Handler) DeepUnlink(fdvol int, path string) error {
	var volsb unix.Stat_t

	if err := h.unixHandler.Fstat(fdvol, &volsb); err != nil {
		return fmt.Errorf("(safepath) failed to stat scope: %w", err)
	}

	return h.deepUnlink(fdvol, path, volsb.Dev)
}

func (h *Handler) deepUnlink(fdvol int, path string, scopedev uint64) error {
	var sb unix.Stat_t

	if err := h.unixHandler.Lstat(path, &sb); err != nil {
		return fmt.Errorf("(safepath) failed to lstat %s: %w", path, err)
	}

	if sb.Mode&unix.S_IFMT != unix.S_IFDIR {
		return h.Unlink(fdvol, path)
	}

	if sb.Dev != scopedev {
		return fmt.Errorf("(safepath) %s: %w", path, ErrCrossDevice)
	}

	entries, err := h.osHandler.ReadDir(path)
	if err != nil {
		return fmt.Errorf("(safepath) failed to readdir %s: %w", path, err)
	}

	for _, entry := range entries {
		if err := h.deepUnlink(fdvol, filepath.Join(path, entry.Name()), scopedev); err != nil {
			return err
		}
	}

	return h.Rmdir(fdvol, path)
}

// DeepMkdir creates path and any missing parents with the given mode. An
// existing non-directory component fails with [ErrNotDirectory]; creation
// of every level goes through the scoped [Handler.Mkdir].
func (h *Handler) DeepMkdir(fdvol int, path string, mode uint32) error {
	var sb unix.Stat_t

	if path == "" || path == "/" || path == "." {
		return fmt.Errorf("(safepath) %w", ErrEmptyPath)
	}

	err := h.unixHandler.Stat(path, &sb)
	if err == nil {
		if sb.Mode&unix.S_IFMT != unix.S_IFDIR {
			return fmt.Errorf("(safepath) %s: %w", path, ErrNotDirectory)
		}

		return nil
	}
	if !errors.Is(err, unix.ENOENT) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("(safepath) failed to stat %s: %w", path, err)
	}

	if err := h.DeepMkdir(fdvol, filepath.Dir(path), mode); err != nil {
		return err
	}

	return h.Mkdir(fdvol, path, mode)
}
