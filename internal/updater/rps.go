package updater

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/desertwitch/helperd/internal/schema"
	"golang.org/x/sys/unix"
	"howett.net/plist"
)

// findRPSDir resolves the helper's rotation directories ("rock", "paper",
// "scissors") into previous, current and next slots, handling every
// permutation of zero to three existing directories. Rotation order is
// the cyclic permutation (R, P, S); with two present, the later of the
// rotation wins.
func (h *Handler) findRPSDir(up *updatingVol) (prev, current, next string, err error) {
	rpath := filepath.Join(up.curMount, schema.BootDirR)
	ppath := filepath.Join(up.curMount, schema.BootDirP)
	spath := filepath.Join(up.curMount, schema.BootDirS)

	_, rerr := h.osHandler.Stat(rpath)
	_, perr := h.osHandler.Stat(ppath)
	_, serr := h.osHandler.Stat(spath)
	haveR, haveP, haveS := rerr == nil, perr == nil, serr == nil

	switch {
	case haveR && haveP && haveS:
		slog.Warn("All of R,P,S exist: picking R", "helper", up.curBoot)
		current, next, prev = rpath, ppath, spath
	case haveR && haveP:
		current, next, prev = ppath, spath, rpath
	case haveR && haveS:
		current, next, prev = rpath, ppath, spath
	case haveP && haveS:
		current, next, prev = spath, rpath, ppath
	case haveR:
		current, next, prev = rpath, ppath, spath
	case haveP:
		current, next, prev = ppath, spath, rpath
	case haveS:
		current, next, prev = spath, rpath, ppath
	default:
		// we'll start with rock
		current, next, prev = rpath, ppath, spath
	}

	return prev, current, next, nil
}

// copyRPS stages the full RPS set into an inactive rotation slot without
// activating it. Any error fails the helper: only a whole RPS directory
// makes sense.
func (h *Handler) copyRPS(up *updatingVol) error {
	prev, current, _, err := h.findRPSDir(up)
	if err != nil {
		return err
	}

	// stage into the inactive slot; an empty helper starts at "current"
	// so its first generation lands in R
	up.curRPS = prev
	if _, err := h.osHandler.Stat(current); err != nil {
		up.curRPS = current
	}

	// erase any residue from an interrupted earlier attempt
	if _, err := h.osHandler.Stat(up.curRPS); err == nil {
		if err := h.safeHandler.DeepUnlink(int(up.bootFD.Fd()), up.curRPS); err != nil {
			return fmt.Errorf("(updater) failed to clear staging dir: %w", err)
		}
	}

	if err := h.safeHandler.Mkdir(int(up.bootFD.Fd()), up.curRPS, schema.RPSDirMask); err != nil {
		return fmt.Errorf("(updater) failed to create staging dir: %w", err)
	}

	for i := range up.caches.RPSPaths {
		cpath := &up.caches.RPSPaths[i]
		srcpath := filepath.Join(up.caches.Root, cpath.RPath)
		dstpath := filepath.Join(up.curRPS, cpath.RPath)

		if up.caches.BootConfig != nil && cpath == up.caches.BootConfig {
			if err := h.insertUUID(up, srcpath, dstpath); err != nil {
				slog.Error("Error populating boot config file", "path", dstpath, "err", err)

				continue
			}

			continue
		}

		if info, err := h.osHandler.Stat(srcpath); err == nil && info.Size() == 0 {
			return fmt.Errorf("(updater) %w: %s", ErrZeroLengthSource, srcpath)
		}

		if err := h.safeHandler.CopyFile(up.caches.ScopeFD(), srcpath,
			int(up.bootFD.Fd()), dstpath); err != nil {
			return fmt.Errorf("(updater) failed to copy %s: %w", srcpath, err)
		}
	}

	return nil
}

// insertUUID copies the boot configuration while inserting the host
// volume's UUID, so the staged helper can identify its root filesystem.
func (h *Handler) insertUUID(up *updatingVol, srcpath, dstpath string) error {
	var srcsb unix.Stat_t

	srcf, err := h.safeHandler.Open(up.caches.ScopeFD(), srcpath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer srcf.Close()

	if err := h.unixHandler.Fstat(int(srcf.Fd()), &srcsb); err != nil {
		return fmt.Errorf("(updater) failed to stat boot config: %w", err)
	}

	buf, err := io.ReadAll(srcf)
	if err != nil {
		return fmt.Errorf("(updater) failed to read boot config: %w", err)
	}

	config := make(map[string]interface{})
	if _, err := plist.Unmarshal(buf, &config); err != nil {
		// maybe the config is empty; start fresh
		config = make(map[string]interface{})
	}
	config[schema.RootUUIDKey] = up.caches.VolUUID

	out, err := plist.MarshalIndent(config, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("(updater) failed to serialize boot config: %w", err)
	}

	_ = h.safeHandler.Unlink(int(up.bootFD.Fd()), dstpath)

	dirmode := (srcsb.Mode &^ unix.S_IFMT) | unix.S_IWUSR | unix.S_IXUSR
	if dirmode&unix.S_IRGRP != 0 {
		dirmode |= unix.S_IXGRP
	}
	if dirmode&unix.S_IROTH != 0 {
		dirmode |= unix.S_IXOTH
	}

	if err := h.safeHandler.DeepMkdir(int(up.bootFD.Fd()), filepath.Dir(dstpath), dirmode); err != nil {
		return err
	}

	dstf, err := h.safeHandler.Open(int(up.bootFD.Fd()), dstpath,
		unix.O_WRONLY|unix.O_CREAT, srcsb.Mode&^unix.S_IFMT)
	if err != nil {
		return err
	}
	defer dstf.Close()

	if _, err := dstf.Write(out); err != nil {
		return fmt.Errorf("(updater) failed to write boot config: %w", err)
	}

	return nil
}

// activateRPS commits the staged RPS generation: the former active slot
// leap-frogs into the rotation tail by rename, and everything essential
// is synchronized to stable storage.
func (h *Handler) activateRPS(up *updatingVol) error {
	prev, current, next, err := h.findRPSDir(up)
	if err != nil {
		return err
	}

	// if current isn't the one we just populated, rotate prev out of the
	// way so the staged directory becomes the firmware's pick
	if current != up.curRPS {
		if err := h.safeHandler.Rename(int(up.bootFD.Fd()), prev, next); err != nil {
			return fmt.Errorf("(updater) failed to rotate RPS dirs: %w", err)
		}
	}

	// thwunk everything to disk before committing to the new generation
	if err := h.unixHandler.Fsync(int(up.bootFD.Fd())); err != nil {
		return fmt.Errorf("(updater) failed to sync helper: %w", err)
	}

	return nil
}
