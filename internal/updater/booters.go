package updater

import (
	"fmt"
	"path/filepath"

	"github.com/desertwitch/helperd/internal/bless"
	"golang.org/x/sys/unix"
)

// copyBooters copies the new booters beside the active ones without
// blessing them. The active booter is first renamed to its fallback name,
// so the helper stays bootable until activation flips the finder info.
func (h *Handler) copyBooters(up *updatingVol) error {
	up.changestate = copyingOFBooter
	if up.caches.OFBooter.RPath != "" {
		srcpath := filepath.Join(up.caches.Root, up.caches.OFBooter.RPath)
		up.ofdst = filepath.Join(up.curMount, up.caches.OFBooter.RPath)
		oldpath := up.ofdst + oldExt

		_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), oldpath)
		if err := errTolerant(h.safeHandler.Rename(int(up.bootFD.Fd()), up.ofdst, oldpath)); err != nil {
			return fmt.Errorf("(updater) failed to stash booter fallback: %w", err)
		}
		if err := h.safeHandler.CopyFile(up.caches.ScopeFD(), srcpath,
			int(up.bootFD.Fd()), up.ofdst); err != nil {
			return fmt.Errorf("(updater) failure copying booter %s: %w", srcpath, err)
		}
	}

	up.changestate = copyingEFIBooter
	if up.caches.EFIBooter.RPath != "" {
		srcpath := filepath.Join(up.caches.Root, up.caches.EFIBooter.RPath)
		up.efidst = filepath.Join(up.curMount, up.caches.EFIBooter.RPath)
		oldpath := up.efidst + oldExt

		_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), oldpath)
		if err := errTolerant(h.safeHandler.Rename(int(up.bootFD.Fd()), up.efidst, oldpath)); err != nil {
			return fmt.Errorf("(updater) failed to stash booter fallback: %w", err)
		}
		if err := h.safeHandler.CopyFile(up.caches.ScopeFD(), srcpath,
			int(up.bootFD.Fd()), up.efidst); err != nil {
			return fmt.Errorf("(updater) failure copying booter %s: %w", srcpath, err)
		}
	}

	up.changestate = copiedBooters

	return nil
}

// activateBooters makes the staged booters effective. Each booter's bytes
// are forced to stable storage and stamped with its type/creator; the
// enclosing folder and booter inodes are then committed in a single
// volume finder-info write, which is the point of no return.
func (h *Handler) activateBooters(up *updatingVol) error {
	var vinfo [8]uint32

	up.changestate = activatingOFBooter
	if up.caches.OFBooter.RPath != "" && up.ofdst != "" {
		f, err := h.safeHandler.Open(int(up.bootFD.Fd()), up.ofdst, unix.O_RDWR, 0)
		if err != nil {
			return err
		}

		// flush booter bytes to disk (really)
		if err := h.unixHandler.Fsync(int(f.Fd())); err != nil {
			f.Close()

			return fmt.Errorf("(updater) failed to sync booter: %w", err)
		}
		if err := h.blessHandler.ApplyTypeCreator(int(f.Fd()), bless.TypeCreatorBooter); err != nil {
			f.Close()

			return err
		}
		f.Close()

		ino, err := h.dirInode(up, filepath.Dir(up.ofdst))
		if err != nil {
			return err
		}
		vinfo[bless.SystemFolderIdx] = ino
	}

	up.changestate = activatingEFIBooter
	if up.caches.EFIBooter.RPath != "" && up.efidst != "" {
		var sb unix.Stat_t

		f, err := h.safeHandler.Open(int(up.bootFD.Fd()), up.efidst, unix.O_RDWR, 0)
		if err != nil {
			return err
		}

		if err := h.unixHandler.Fsync(int(f.Fd())); err != nil {
			f.Close()

			return fmt.Errorf("(updater) failed to sync booter: %w", err)
		}
		if err := h.blessHandler.ApplyTypeCreator(int(f.Fd()), bless.TypeCreatorBooter); err != nil {
			f.Close()

			return err
		}
		if err := h.unixHandler.Fstat(int(f.Fd()), &sb); err != nil {
			f.Close()

			return fmt.Errorf("(updater) failed to stat booter: %w", err)
		}
		f.Close()
		vinfo[bless.EFIBooterIdx] = uint32(sb.Ino)

		// with only one booter we still want a blessed folder
		if vinfo[bless.SystemFolderIdx] == 0 {
			ino, err := h.dirInode(up, filepath.Dir(up.efidst))
			if err != nil {
				return err
			}
			vinfo[bless.SystemFolderIdx] = ino
		}
	}

	if vinfo[bless.SystemFolderIdx] == 0 && vinfo[bless.EFIBooterIdx] == 0 {
		return fmt.Errorf("(updater) %w", ErrNoBooters)
	}

	if err := h.blessHandler.SetVolumeFinderInfo(up.curMount, vinfo); err != nil {
		return err
	}

	up.changestate = activatedBooters

	return nil
}

// dirInode returns the inode number of a directory on the helper.
func (h *Handler) dirInode(up *updatingVol, path string) (uint32, error) {
	var sb unix.Stat_t

	f, err := h.safeHandler.Open(int(up.bootFD.Fd()), path, unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := h.unixHandler.Fstat(int(f.Fd()), &sb); err != nil {
		return 0, fmt.Errorf("(updater) failed to stat booter folder: %w", err)
	}

	return uint32(sb.Ino), nil
}
