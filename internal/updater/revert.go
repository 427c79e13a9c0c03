package updater

import (
	"errors"
	"fmt"
	"path/filepath"
)

// revertState unwinds a failed helper update according to how far the
// change cursor advanced. Inactive staged content is harmless and left
// for the next rotation to reap; everything that changed the helper's
// bootable state is put back.
func (h *Handler) revertState(up *updatingVol) error {
	var errs []error

	// we've blessed the new booters; so let's bless the old ones
	if up.changestate >= activatedBooters {
		up.ofdst += oldExt
		up.efidst += oldExt
		if err := h.activateBooters(up); err != nil {
			errs = append(errs, fmt.Errorf("(updater) failed to re-bless fallbacks: %w", err))
		}
	}

	// inactive booters are still good; rename the fallbacks back
	if up.changestate >= copyingEFIBooter && up.caches.EFIBooter.RPath != "" {
		path := filepath.Join(up.curMount, up.caches.EFIBooter.RPath)

		_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), path)
		if err := errTolerant(h.safeHandler.Rename(int(up.bootFD.Fd()), path+oldExt, path)); err != nil {
			errs = append(errs, fmt.Errorf("(updater) failed to restore booter: %w", err))
		}
	}

	if up.changestate >= copyingOFBooter && up.caches.OFBooter.RPath != "" {
		path := filepath.Join(up.curMount, up.caches.OFBooter.RPath)

		_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), path)
		if err := errTolerant(h.safeHandler.Rename(int(up.bootFD.Fd()), path+oldExt, path)); err != nil {
			errs = append(errs, fmt.Errorf("(updater) failed to restore booter: %w", err))
		}
	}

	// labels were nuked; put a fresh one back without touching misc
	if up.changestate >= nukedLabels {
		doMisc := up.doMisc
		up.doMisc = false
		if err := h.activateMisc(up, 0); err != nil {
			errs = append(errs, fmt.Errorf("(updater) failed to restore labels: %w", err))
		}
		up.doMisc = doMisc
	}

	return errors.Join(errs...)
}

// nukeFallbacks reaps everything "extra" after a helper pass: booter
// fallbacks and the spent rotation slot. Conveniently, the slot chosen as
// previous is right regardless of whether the update succeeded.
func (h *Handler) nukeFallbacks(up *updatingVol) error {
	var errs []error

	// maybe mount failed, in which case there aren't any fallbacks
	if up.curBoot == "" || up.bootFD == nil {
		return nil
	}

	if up.doBooters {
		if up.caches.OFBooter.RPath != "" {
			delpath := filepath.Join(up.curMount, up.caches.OFBooter.RPath) + oldExt
			if err := errTolerant(h.safeHandler.Unlink(int(up.bootFD.Fd()), delpath)); err != nil {
				errs = append(errs, err)
			}
		}
		if up.caches.EFIBooter.RPath != "" {
			delpath := filepath.Join(up.curMount, up.caches.EFIBooter.RPath) + oldExt
			if err := errTolerant(h.safeHandler.Unlink(int(up.bootFD.Fd()), delpath)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if up.doRPS {
		prev, _, _, err := h.findRPSDir(up)
		if err == nil {
			if err := errTolerant(h.safeHandler.DeepUnlink(int(up.bootFD.Fd()), prev)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
