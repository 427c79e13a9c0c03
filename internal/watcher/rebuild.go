package watcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// fsysChanged (re)arms a volume's settle timer: updates are evidently in
// progress, so any previously scheduled check is pushed out.
func (c *Controller) fsysChanged(w *WatchedVol) {
	c.Lock()
	cur, ok := c.vols[w.bsdName]
	c.Unlock()

	if !ok || cur != w {
		slog.Warn("Change notification for unwatched volume", "disk", w.bsdName)

		return
	}

	w.Lock()
	defer w.Unlock()

	if w.settle != nil {
		w.settle.Stop()
	}
	w.settle = time.AfterFunc(c.settleTime, func() {
		c.checkNow(w)
	})
}

// checkNow runs when a settle timer expires.
func (c *Controller) checkNow(w *WatchedVol) {
	c.Lock()
	cur, ok := c.vols[w.bsdName]
	c.Unlock()

	if !ok || cur != w {
		return // volume went away; timer should have been invalidated
	}

	w.Lock()
	w.settle = nil // timer is no longer pending
	w.Unlock()

	c.checkRebuild(w, false)
}

// checkRebuild stats everything and fires the external builder as
// needed, reporting whether anything was launched. A stale extension
// cache is rebuilt first; the rebuilt cache's own change notification
// then brings us back here for the helper-partition pass. Only
// out-of-date content is rebuilt, which keeps the scheme from looping.
func (c *Controller) checkRebuild(w *WatchedVol, force bool) bool {
	var sb unix.Stat_t

	// if we came in some other way and a timer is pending, cancel it
	w.stopTimer()

	c.Lock()
	ctx := c.ctx
	c.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	launched := false

	if force || c.cachesHandler.CheckMkext(w.caches) {
		if _, err := c.buildHandler.RebuildMkext(ctx, w.caches, false); err != nil {
			slog.Error("Error launching cache rebuild", "volume", w.caches.Root, "err", err)
			w.NoteError() // so we don't block reboot forever
		} else {
			launched = true
		}

		return launched
	}

	// check whether the volume has helper partitions needing content
	if err := c.unixHandler.Stat(w.caches.Root, &sb); err != nil {
		return false
	}
	binfo, err := c.arbHandler.BooterInfo(sb.Dev)
	if err != nil || len(binfo.Helpers) == 0 || !binfo.GPT {
		return false
	}

	anyOOD := true
	if st, err := c.cachesHandler.NeedUpdates(w.caches); err == nil {
		anyOOD = st.Any
	}

	if force || anyOOD {
		if err := c.buildHandler.RebuildHelpers(ctx, w.caches, force); err != nil {
			slog.Error("Error launching helper update", "volume", w.caches.Root, "err", err)
			w.NoteError()
		} else {
			launched = true
		}
	}

	return launched
}
