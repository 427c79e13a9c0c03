// Package updater implements the helper-partition update engine.
//
// For each helper partition of a host volume, new content is staged into
// an inactive rotation directory, booters are copied beside their active
// versions, and a single finder-info commit flips the helper to the new
// generation. A linear change-state cursor records how far a helper got,
// so any failure unwinds exactly the steps already taken and leaves the
// helper bootable on its prior content. Bootstamps are written only once
// every helper of the volume has been brought up to date.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/desertwitch/helperd/internal/diskarb"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Non-RPS staging extensions, including booters.
const (
	oldExt     = ".old"
	newExt     = ".new"
	contentExt = ".contentDetails"
)

// minHelperSize is the smallest supported helper partition.
const minHelperSize = 128 * 1 << 20

// changeState is the rollback cursor: it advances through the update
// steps that may need unwinding, in order.
type changeState int

const (
	nothingSerious changeState = iota
	nukedLabels
	copyingOFBooter
	copyingEFIBooter
	copiedBooters
	activatingOFBooter
	activatingEFIBooter
	activatedBooters
)

// updatingVol is the transient state of one helper-partition update.
type updatingVol struct {
	caches *bootcaches.Caches

	doRPS, doMisc, doBooters bool

	helpers  []string // bsd names of the volume's helper partitions
	curBoot  string   // bsd name of the currently mounted helper
	curMount string   // its private mountpoint
	bootFD   *os.File // helper scope descriptor

	curRPS        string // RPS dir being staged into (inside the helper)
	ofdst, efidst string // staged booter destinations
	changestate   changeState
}

type osProvider interface {
	Stat(name string) (os.FileInfo, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
}

type unixProvider interface {
	Fstat(fd int, stat *unix.Stat_t) error
	Fstatfs(fd int, buf *unix.Statfs_t) error
	Fsync(fd int) error
}

type safePather interface {
	Open(fdvol int, path string, flags int, mode uint32) (*os.File, error)
	Mkdir(fdvol int, path string, mode uint32) error
	Unlink(fdvol int, path string) error
	Rename(fdvol int, oldpath string, newpath string) error
	DeepUnlink(fdvol int, path string) error
	DeepMkdir(fdvol int, path string, mode uint32) error
	CopyFile(srcvol int, srcpath string, dstvol int, dstpath string) error
}

type blessProvider interface {
	ApplyTypeCreator(fd int, typeCreator string) error
	SetVolumeFinderInfo(mountpoint string, info [8]uint32) error
}

type arbProvider interface {
	Mount(bsdName string) (string, error)
	Unmount(bsdName string, force bool) error
	BooterInfo(dev uint64) (diskarb.BooterInfo, error)
}

type stalenessProvider interface {
	NeedUpdates(caches *bootcaches.Caches) (bootcaches.Staleness, error)
	ApplyStamps(caches *bootcaches.Caches) error
}

// Handler drives helper-partition updates.
type Handler struct {
	osHandler     osProvider
	unixHandler   unixProvider
	safeHandler   safePather
	blessHandler  blessProvider
	arbHandler    arbProvider
	cachesHandler stalenessProvider
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(osHandler osProvider, unixHandler unixProvider, safeHandler safePather,
	blessHandler blessProvider, arbHandler arbProvider, cachesHandler stalenessProvider,
) *Handler {
	return &Handler{
		osHandler:     osHandler,
		unixHandler:   unixHandler,
		safeHandler:   safeHandler,
		blessHandler:  blessHandler,
		arbHandler:    arbHandler,
		cachesHandler: cachesHandler,
	}
}

// UpdateHelpers brings every helper partition of the host volume up to
// date, or reports failure while leaving lagging helpers on their prior
// bootable content. Bootstamps commit only when all helpers succeeded.
func (h *Handler) UpdateHelpers(ctx context.Context, caches *bootcaches.Caches, force bool) error {
	st, err := h.cachesHandler.NeedUpdates(caches)
	if err != nil {
		return fmt.Errorf("(updater) failed to analyze staleness: %w", err)
	}

	if !st.Any && !force {
		slog.Debug("Helper partitions appear up to date", "volume", caches.Root)

		return nil
	}
	if force {
		st.RPS, st.Booters, st.Misc = true, true, true
	}

	sb, err := caches.ScopeStat()
	if err != nil {
		return fmt.Errorf("(updater) %w", err)
	}

	binfo, err := h.arbHandler.BooterInfo(sb.Dev)
	if err != nil {
		return fmt.Errorf("(updater) failed to get helper partitions: %w", err)
	}
	if len(binfo.Helpers) == 0 {
		slog.Debug("No helper partitions; skipping update", "volume", caches.Root)

		return nil
	}

	up := &updatingVol{
		caches:    caches,
		doRPS:     st.RPS,
		doMisc:    st.Misc,
		doBooters: st.Booters,
		helpers:   binfo.Helpers,
	}

	updates := 0
	for i, helper := range up.helpers {
		if err := ctx.Err(); err != nil {
			break
		}

		up.changestate = nothingSerious

		if err := h.updateHelper(up, i, helper); err != nil {
			slog.Error("Error updating helper partition",
				"helper", helper, "state", up.changestate, "err", err)

			if err := h.revertState(up); err != nil {
				slog.Error("Trouble unwinding helper partition", "helper", helper, "err", err)
			}
		} else {
			up.changestate = nothingSerious
			updates++
			slog.Info("Successfully updated helper partition", "helper", helper, "volume", caches.Root)
		}

		// always reap fallbacks and unmount, even after failure
		if err := h.nukeFallbacks(up); err != nil {
			slog.Warn("Helper partition may be untidy", "helper", helper, "err", err)
		}
		if err := h.unmountBoot(up); err != nil {
			slog.Warn("Trouble unmounting helper partition", "helper", helper, "err", err)
		}
	}

	if updates != len(up.helpers) {
		return fmt.Errorf("(updater) %w", ErrHelpersIncomplete)
	}

	if err := h.cachesHandler.ApplyStamps(caches); err != nil {
		return fmt.Errorf("(updater) failed to apply bootstamps: %w", err)
	}

	return nil
}

// updateHelper runs the full staging and activation sequence on a single
// helper partition.
func (h *Handler) updateHelper(up *updatingVol, bidx int, helper string) error {
	if err := h.mountBoot(up, helper); err != nil {
		return err
	}

	if up.doRPS {
		if err := h.copyRPS(up); err != nil {
			return err
		}
	}
	if up.doMisc {
		h.copyMisc(up) // .new files; failures are warnings
	}

	if err := h.nukeLabels(up); err != nil {
		return err
	}

	if up.doBooters {
		if err := h.copyBooters(up); err != nil {
			return err
		}
		if err := h.activateBooters(up); err != nil {
			return err
		}
	}
	if up.doRPS {
		if err := h.activateRPS(up); err != nil {
			return err
		}
	}

	return h.activateMisc(up, bidx)
}

// mountBoot mounts a helper partition, opens its scope descriptor and
// re-verifies the host volume before any mutation.
func (h *Handler) mountBoot(up *updatingVol, helper string) error {
	var bsfs unix.Statfs_t

	mountpoint, err := h.arbHandler.Mount(helper)
	if err != nil {
		return fmt.Errorf("(updater) failed to mount helper %s: %w", helper, err)
	}
	up.curBoot = helper
	up.curMount = mountpoint

	f, err := h.osHandler.OpenFile(mountpoint, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("(updater) failed to open helper scope: %w", err)
	}
	up.bootFD = f

	// the host volume must still be there (and be the same filesystem)
	if _, err := up.caches.ScopeStat(); err != nil {
		return fmt.Errorf("(updater) host volume gone while updating: %w", err)
	}

	if err := h.unixHandler.Fstatfs(int(f.Fd()), &bsfs); err != nil {
		return fmt.Errorf("(updater) failed to statfs helper: %w", err)
	}
	if size := uint64(bsfs.Blocks) * uint64(bsfs.Bsize); size < minHelperSize {
		return fmt.Errorf("(updater) %w: %s is %s", ErrHelperTooSmall, helper, humanize.IBytes(size))
	}

	return nil
}

// unmountBoot releases the helper scope descriptor and unmounts the
// helper, forcing if a polite unmount is refused.
func (h *Handler) unmountBoot(up *updatingVol) error {
	if up.curBoot == "" {
		return nil
	}

	if up.bootFD != nil {
		up.bootFD.Close()
		up.bootFD = nil
	}

	err := h.arbHandler.Unmount(up.curBoot, false)
	if err != nil {
		slog.Warn("Trouble unmounting helper partition; forcing...", "helper", up.curBoot)
		err = h.arbHandler.Unmount(up.curBoot, true)
	}

	up.curBoot = ""
	up.curMount = ""

	if err != nil {
		return fmt.Errorf("(updater) failed to unmount helper: %w", err)
	}

	return nil
}

// errTolerant drops not-found errors, which several cleanup paths accept.
func errTolerant(err error) error {
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}
