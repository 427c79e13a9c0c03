package bootcaches

import (
	"fmt"
	"path/filepath"

	"github.com/desertwitch/helperd/internal/schema"
	"golang.org/x/sys/unix"
)

// applyStamp writes one zero-byte bootstamp whose timestamps mirror those
// captured from the live source at staleness-check time.
func (h *Handler) applyStamp(root string, cpath *CachedPath, fdvol int) error {
	tspath := filepath.Join(root, cpath.TSPath)

	_ = h.safeHandler.Unlink(fdvol, tspath) // open always passes O_EXCL

	f, err := h.safeHandler.Open(fdvol, tspath, unix.O_WRONLY|unix.O_CREAT, schema.StampDirMask)
	if err != nil {
		return fmt.Errorf("(bootcaches) failed to create bootstamp %s: %w", cpath.TSPath, err)
	}
	defer f.Close()

	if err := h.unixHandler.Futimens(int(f.Fd()), &cpath.Tstamps); err != nil {
		return fmt.Errorf("(bootcaches) failed to stamp %s: %w", cpath.TSPath, err)
	}

	return nil
}

// ApplyStamps writes bootstamps for every cached path of a volume, using
// the timestamps captured by the preceding [Handler.NeedUpdates]. Called
// only after all helper partitions updated successfully.
func (h *Handler) ApplyStamps(caches *Caches) error {
	var errs error

	for i := range caches.RPSPaths {
		if err := h.applyStamp(caches.Root, &caches.RPSPaths[i], caches.ScopeFD()); err != nil {
			errs = err
		}
	}
	if caches.EFIBooter.RPath != "" {
		if err := h.applyStamp(caches.Root, &caches.EFIBooter, caches.ScopeFD()); err != nil {
			errs = err
		}
	}
	if caches.OFBooter.RPath != "" {
		if err := h.applyStamp(caches.Root, &caches.OFBooter, caches.ScopeFD()); err != nil {
			errs = err
		}
	}
	for i := range caches.MiscPaths {
		if err := h.applyStamp(caches.Root, &caches.MiscPaths[i], caches.ScopeFD()); err != nil {
			errs = err
		}
	}

	return errs
}
