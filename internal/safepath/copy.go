package safepath

import (
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// maxCopyBlock is the fixed intermediate buffer size for file copies.
const maxCopyBlock = 64 * 1024

// CopyFile copies srcpath (confined to srcvol) to dstpath (confined to
// dstvol), creating any missing destination directories. Intermediate
// directories get the source's mode with owner write/execute added and,
// where group/other read is set, the matching execute bit. The destination
// is unlinked first and recreated exclusively; the source's mode with owner
// write added is applied through the open destination descriptor once the
// bytes are written.
func (h *Handler) CopyFile(srcvol int, srcpath string, dstvol int, dstpath string) error {
	var srcsb unix.Stat_t

	srcf, err := h.Open(srcvol, srcpath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer srcf.Close()

	if err := h.unixHandler.Fstat(int(srcf.Fd()), &srcsb); err != nil {
		return fmt.Errorf("(safepath) failed to stat source %s: %w", srcpath, err)
	}

	dirmode := (srcsb.Mode &^ unix.S_IFMT) | unix.S_IWUSR | unix.S_IXUSR
	if dirmode&unix.S_IRGRP != 0 {
		dirmode |= unix.S_IXGRP
	}
	if dirmode&unix.S_IROTH != 0 {
		dirmode |= unix.S_IXOTH
	}

	if err := h.DeepMkdir(dstvol, filepath.Dir(dstpath), dirmode); err != nil {
		return err
	}

	_ = h.Unlink(dstvol, dstpath) // so the exclusive create succeeds

	dstf, err := h.Open(dstvol, dstpath, unix.O_CREAT|unix.O_WRONLY, srcsb.Mode|unix.S_IWUSR)
	if err != nil {
		return err
	}
	defer dstf.Close()

	buf := make([]byte, maxCopyBlock)
	if _, err := io.CopyBuffer(dstf, srcf, buf); err != nil {
		return fmt.Errorf("(safepath) failed to copy %s: %w", srcpath, err)
	}

	if err := h.unixHandler.Fchmod(int(dstf.Fd()), (srcsb.Mode|unix.S_IWUSR)&^unix.S_IFMT); err != nil {
		return fmt.Errorf("(safepath) failed to chmod %s: %w", dstpath, err)
	}

	return nil
}
