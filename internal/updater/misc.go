package updater

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/desertwitch/helperd/internal/bless"
	"golang.org/x/sys/unix"
)

// copyMisc writes misc files to .new (inactive) names. Missing sources
// are not errors and copy failures only warn: misc content is advisory.
func (h *Handler) copyMisc(up *updatingVol) {
	for i := range up.caches.MiscPaths {
		cpath := &up.caches.MiscPaths[i]
		srcpath := filepath.Join(up.caches.Root, cpath.RPath)
		dstpath := filepath.Join(up.curMount, cpath.RPath) + newExt

		if _, err := h.osHandler.Stat(srcpath); err != nil {
			continue
		}

		if err := h.safeHandler.CopyFile(up.caches.ScopeFD(), srcpath,
			int(up.bootFD.Fd()), dstpath); err != nil {
			slog.Warn("Error copying misc file", "src", srcpath, "dst", dstpath, "err", err)
		}
	}
}

// nukeLabels removes the helper's label and its content detail. A fresh
// label is generated on activation; an absent label hints at an update in
// progress.
func (h *Handler) nukeLabels(up *updatingVol) error {
	var errs error

	if up.caches.Label != nil {
		labelp := filepath.Join(up.curMount, up.caches.Label.RPath)

		if _, err := h.osHandler.Stat(labelp); err == nil {
			if err := h.safeHandler.Unlink(int(up.bootFD.Fd()), labelp); err != nil {
				errs = err
			}
		}

		labelp += contentExt
		if _, err := h.osHandler.Stat(labelp); err == nil {
			if err := h.safeHandler.Unlink(int(up.bootFD.Fd()), labelp); err != nil {
				errs = err
			}
		}
	}

	up.changestate = nukedLabels

	return errs
}

// writeLabels generates the helper's display label ("<volume> <ordinal>")
// and its plain-text content detail.
func (h *Handler) writeLabels(up *updatingVol, labelp string, bidx int) error {
	bootname := fmt.Sprintf("%s %d", up.caches.VolName, bidx+1)

	f, err := h.safeHandler.Open(int(up.bootFD.Fd()), labelp,
		unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(bootname)); err != nil {
		f.Close()

		return fmt.Errorf("(updater) failed to write label: %w", err)
	}
	f.Close()

	f, err = h.safeHandler.Open(int(up.bootFD.Fd()), labelp+contentExt,
		unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(up.caches.VolName)); err != nil {
		return fmt.Errorf("(updater) failed to write label details: %w", err)
	}

	return nil
}

// activateMisc renames staged .new files to their final names and puts a
// fresh label in place; an active label indicates an updated system.
func (h *Handler) activateMisc(up *updatingVol, bidx int) error {
	if up.doMisc {
		for i := range up.caches.MiscPaths {
			path := filepath.Join(up.curMount, up.caches.MiscPaths[i].RPath)
			opath := path + newExt

			if _, err := h.osHandler.Stat(opath); err != nil {
				continue
			}
			if err := h.safeHandler.Rename(int(up.bootFD.Fd()), opath, path); err != nil {
				slog.Warn("Error activating misc file", "path", path, "err", err)

				continue
			}
		}
	}

	if up.caches.Label == nil {
		return nil
	}

	labelp := filepath.Join(up.curMount, up.caches.Label.RPath)

	_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), labelp)
	if err := h.writeLabels(up, labelp, bidx); err != nil {
		return err
	}

	// assign type/creator so the firmware picker shows the label
	if _, err := h.osHandler.Stat(labelp); err == nil {
		f, err := h.safeHandler.Open(int(up.bootFD.Fd()), labelp, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := h.blessHandler.ApplyTypeCreator(int(f.Fd()), bless.TypeCreatorLabel); err != nil {
			return err
		}
	}

	return nil
}
