package bootcaches

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Staleness aggregates which categories of content are out of date on a
// volume.
type Staleness struct {
	Any     bool
	RPS     bool
	Booters bool
	Misc    bool
}

// NeedsUpdate checks a single cached path against its bootstamp and
// captures the live source's timestamps into the path for a later
// [Handler.ApplyStamps]. A missing source is not stale (and not an error).
func (h *Handler) NeedsUpdate(root string, cpath *CachedPath) (bool, error) {
	var rsb, tsb unix.Stat_t

	if err := h.unixHandler.Stat(filepath.Join(root, cpath.RPath), &rsb); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("(bootcaches) failed to stat source %s: %w", cpath.RPath, err)
	}

	cpath.Tstamps[0] = unix.Timespec{Sec: rsb.Atim.Sec, Nsec: rsb.Atim.Nsec}
	cpath.Tstamps[1] = unix.Timespec{Sec: rsb.Mtim.Sec, Nsec: rsb.Mtim.Nsec}

	if err := h.unixHandler.Stat(filepath.Join(root, cpath.TSPath), &tsb); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, fs.ErrNotExist) {
			return true, nil // nothing to compare with
		}

		return false, fmt.Errorf("(bootcaches) failed to stat bootstamp %s: %w", cpath.TSPath, err)
	}

	stale := tsb.Mtim.Sec != rsb.Mtim.Sec || tsb.Mtim.Nsec != rsb.Mtim.Nsec

	return stale, nil
}

// NeedUpdates checks every cached path of a volume. It keeps going after
// the first stale path: the timestamp capture side effect is needed on
// every path for the eventual bootstamp commit.
func (h *Handler) NeedUpdates(caches *Caches) (Staleness, error) {
	var st Staleness

	for i := range caches.RPSPaths {
		stale, err := h.NeedsUpdate(caches.Root, &caches.RPSPaths[i])
		if err != nil {
			return st, err
		}
		if stale {
			st.Any, st.RPS = true, true
		}
	}

	if caches.EFIBooter.RPath != "" {
		stale, err := h.NeedsUpdate(caches.Root, &caches.EFIBooter)
		if err != nil {
			return st, err
		}
		if stale {
			st.Any, st.Booters = true, true
		}
	}
	if caches.OFBooter.RPath != "" {
		stale, err := h.NeedsUpdate(caches.Root, &caches.OFBooter)
		if err != nil {
			return st, err
		}
		if stale {
			st.Any, st.Booters = true, true
		}
	}

	for i := range caches.MiscPaths {
		stale, err := h.NeedsUpdate(caches.Root, &caches.MiscPaths[i])
		if err != nil {
			// no one cares if an icon is missing
			slog.Warn("Failure checking misc path (was skipped)",
				"path", caches.MiscPaths[i].RPath, "err", err)

			continue
		}
		if stale {
			st.Any, st.Misc = true, true
		}
	}

	return st, nil
}

// CheckMkext reports whether the kernel extension cache needs rebuilding.
// The external builder stamps the cache with the extensions directory's
// modification time plus one second; anything else means stale.
func (h *Handler) CheckMkext(caches *Caches) bool {
	var extsb, sb unix.Stat_t

	if caches.Mkext == nil {
		return false
	}

	// mkext implies exts; we can't build without the sources
	if err := h.unixHandler.Stat(filepath.Join(caches.Root, caches.Exts), &extsb); err != nil {
		slog.Warn("Couldn't stat extensions directory", "path", caches.Exts, "err", err)

		return false
	}

	if err := h.unixHandler.Stat(filepath.Join(caches.Root, caches.Mkext.RPath), &sb); err != nil {
		return true
	}

	return sb.Mtim.Sec != extsb.Mtim.Sec+1
}
