package watcher

import (
	"sync"
	"time"

	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/rjeczalik/notify"
)

// WatchedVol is one actively monitored volume: its parsed descriptor,
// the pending settle timer, the rebuild error count and the filesystem
// notification plumbing.
type WatchedVol struct {
	sync.Mutex

	bsdName string
	caches  *bootcaches.Caches

	settle   *time.Timer // non-nil while a rebuild is pending
	errCount int

	events chan notify.EventInfo
	done   chan struct{}

	controller *Controller
}

// BSDName returns the volume's disk identifier.
func (w *WatchedVol) BSDName() string {
	return w.bsdName
}

// Root returns the volume's mountpoint.
func (w *WatchedVol) Root() string {
	return w.caches.Root
}

// ErrCount returns the count of consecutive failed rebuild attempts.
func (w *WatchedVol) ErrCount() int {
	w.Lock()
	defer w.Unlock()

	return w.errCount
}

// NoteError charges the volume one failed rebuild attempt.
func (w *WatchedVol) NoteError() {
	w.Lock()
	defer w.Unlock()

	w.errCount++
}

// ResetErrors clears the volume's error count after a clean rebuild.
func (w *WatchedVol) ResetErrors() {
	w.Lock()
	defer w.Unlock()

	w.errCount = 0
}

// WorkPending re-checks the volume and reports whether a rebuild was due
// (and has been fired).
func (w *WatchedVol) WorkPending() bool {
	return w.controller.checkRebuild(w, false)
}

// OwnersIgnored reports whether ownership is ignored on the volume.
func (w *WatchedVol) OwnersIgnored() (bool, error) {
	return w.controller.arbHandler.OwnersIgnored(w.caches.Root)
}

// ToggleOwners enables or disables ownership semantics on the volume.
func (w *WatchedVol) ToggleOwners(enable bool) error {
	return w.controller.arbHandler.ToggleOwners(w.bsdName, enable)
}

// stopTimer invalidates any pending settle timer.
func (w *WatchedVol) stopTimer() {
	w.Lock()
	defer w.Unlock()

	if w.settle != nil {
		w.settle.Stop()
		w.settle = nil
	}
}
