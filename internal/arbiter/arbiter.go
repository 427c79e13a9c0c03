// Package arbiter hands out the exclusive locks serializing cache
// rebuilds: one lock per watched volume, plus a process-wide reboot lock.
//
// Lock holders are remote clients represented by endpoints; an endpoint
// becoming invalid before unlock is treated as a client crash, releasing
// the lock and charging the volume an error. A held reboot lock refuses
// new volume locks, and the reboot lock itself is granted only when no
// volume is locked and none — short of persistently failing ones — still
// reports pending work.
package arbiter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/desertwitch/helperd/internal/schema"
)

// GiveUpThreshold is the error count at or above which a volume no longer
// blocks reboot.
const GiveUpThreshold = 5

// Endpoint identifies a remote lock-holding client. Done is closed when
// the client's communication channel becomes invalid.
type Endpoint interface {
	ID() string
	Done() <-chan struct{}
}

// ClientEndpoint is the standard [Endpoint] implementation.
type ClientEndpoint struct {
	id   string
	done chan struct{}
	once sync.Once
}

// NewClientEndpoint returns a pointer to a new [ClientEndpoint].
func NewClientEndpoint(id string) *ClientEndpoint {
	return &ClientEndpoint{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID implements [Endpoint].
func (e *ClientEndpoint) ID() string {
	return e.id
}

// Done implements [Endpoint].
func (e *ClientEndpoint) Done() <-chan struct{} {
	return e.done
}

// Invalidate marks the client as dead; any lock it holds is released
// through the crash path.
func (e *ClientEndpoint) Invalidate() {
	e.once.Do(func() {
		close(e.done)
	})
}

// Volume is the per-volume surface the arbiter needs from the watcher.
type Volume interface {
	BSDName() string
	Root() string
	ErrCount() int
	NoteError()
	ResetErrors()
	WorkPending() bool
	OwnersIgnored() (bool, error)
	ToggleOwners(enable bool) error
}

// VolumeSource enumerates and resolves watched volumes.
type VolumeSource interface {
	Volume(bsdName string) (Volume, bool)
	EachVolume(fn func(vol Volume) bool)
}

type volLock struct {
	endpoint      Endpoint
	ownersToggled bool
	released      chan struct{}
}

// Handler is the lock arbiter.
type Handler struct {
	sync.Mutex

	vols       VolumeSource
	locks      map[string]*volLock
	rebootLock *volLock
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(vols VolumeSource) *Handler {
	return &Handler{
		vols:  vols,
		locks: make(map[string]*volLock),
	}
}

// Locked reports whether a volume currently holds a lock.
func (h *Handler) Locked(bsdName string) bool {
	h.Lock()
	defer h.Unlock()

	_, ok := h.locks[bsdName]

	return ok
}

// RebootLocked reports whether the process-wide reboot lock is held.
func (h *Handler) RebootLocked() bool {
	h.Lock()
	defer h.Unlock()

	return h.rebootLock != nil
}

// LockVolume grants a volume's exclusive lock to the client endpoint.
// While the lock is held, unmounts dissent and competing lock requests are
// refused with [ErrBusy].
func (h *Handler) LockVolume(endpoint Endpoint, bsdName string) error {
	h.Lock()
	defer h.Unlock()

	if h.rebootLock != nil {
		return fmt.Errorf("(arbiter) %w: reboot pending", ErrBusy)
	}

	vol, ok := h.vols.Volume(bsdName)
	if !ok {
		return fmt.Errorf("(arbiter) %w: %s", ErrNotFound, bsdName)
	}

	if _, ok := h.locks[bsdName]; ok {
		return fmt.Errorf("(arbiter) %w: %s already locked", ErrBusy, bsdName)
	}

	lk := &volLock{
		endpoint: endpoint,
		released: make(chan struct{}),
	}
	h.locks[bsdName] = lk

	// try to enable owners if not currently honored
	if ignored, err := vol.OwnersIgnored(); err == nil && ignored {
		if err := vol.ToggleOwners(true); err != nil {
			slog.Warn("Couldn't enable owners for locker", "volume", bsdName, "err", err)
		} else {
			lk.ownersToggled = true
		}
	}

	go h.watchLock(endpoint, bsdName, lk)

	return nil
}

// watchLock waits for either a clean release or endpoint invalidation;
// the latter is handled as a client crash.
func (h *Handler) watchLock(endpoint Endpoint, bsdName string, lk *volLock) {
	select {
	case <-lk.released:
	case <-endpoint.Done():
		h.lockDied(endpoint, bsdName, lk)
	}
}

// lockDied is the crash-release path: the lock holder exited without
// unlocking.
func (h *Handler) lockDied(endpoint Endpoint, bsdName string, lk *volLock) {
	h.Lock()
	defer h.Unlock()

	if h.rebootLock == lk {
		slog.Info("Reboot locker died without rebooting")
		h.rebootLock = nil

		return
	}

	cur, ok := h.locks[bsdName]
	if !ok || cur != lk {
		return // released (or volume gone) in the meantime
	}

	slog.Error("Client exited without releasing lock", "volume", bsdName, "client", endpoint.ID())

	if vol, ok := h.vols.Volume(bsdName); ok {
		vol.NoteError()

		if lk.ownersToggled {
			if err := vol.ToggleOwners(false); err != nil {
				slog.Warn("Couldn't disable owners after crash", "volume", bsdName, "err", err)
			}
		}
	}

	delete(h.locks, bsdName)
}

// UnlockVolume releases a volume's lock. The exit status records the
// locker's outcome: [schema.ExitTempFail] means "not done yet, no error";
// any other non-zero status charges the volume an error; success after
// prior errors clears the count.
func (h *Handler) UnlockVolume(endpoint Endpoint, bsdName string, exitStatus int) error {
	h.Lock()
	defer h.Unlock()

	lk, ok := h.locks[bsdName]
	if !ok {
		return fmt.Errorf("(arbiter) %w: %s", ErrNotLocked, bsdName)
	}
	if lk.endpoint != endpoint {
		return fmt.Errorf("(arbiter) %w: %s", ErrWrongEndpoint, bsdName)
	}

	vol, _ := h.vols.Volume(bsdName)

	if vol != nil {
		switch {
		case exitStatus == schema.ExitTempFail:
			// locker not done yet; so don't record an error
		case exitStatus != 0:
			slog.Warn("Locker reported a problem updating volume", "volume", bsdName, "status", exitStatus)
			vol.NoteError()
		case vol.ErrCount() > 0:
			slog.Info("Update succeeded with volume (previously failed)", "volume", bsdName)
			vol.ResetErrors()
		}

		if lk.ownersToggled {
			if err := vol.ToggleOwners(false); err != nil {
				slog.Warn("Couldn't disable owners for unlocker", "volume", bsdName, "err", err)
			}
		}
	}

	delete(h.locks, bsdName)
	close(lk.released)

	return nil
}

// DropLock discards a volume's lock without ceremony, for volumes going
// away mid-update.
func (h *Handler) DropLock(bsdName string) {
	h.Lock()
	defer h.Unlock()

	if lk, ok := h.locks[bsdName]; ok {
		delete(h.locks, bsdName)
		close(lk.released)
	}
}

// LockReboot grants the process-wide reboot lock, or names the busy
// device preventing it. Volumes with persistent errors are skipped so a
// broken volume cannot hold up reboot indefinitely.
func (h *Handler) LockReboot(endpoint Endpoint) (string, error) {
	h.Lock()
	defer h.Unlock()

	if h.rebootLock != nil {
		return "", fmt.Errorf("(arbiter) %w: reboot already locked", ErrBusy)
	}

	var busyDev string
	h.vols.EachVolume(func(vol Volume) bool {
		if _, locked := h.locks[vol.BSDName()]; locked ||
			(vol.ErrCount() < GiveUpThreshold && vol.WorkPending()) {
			busyDev = vol.BSDName()

			return false
		}

		return true
	})

	if busyDev != "" {
		return busyDev, fmt.Errorf("(arbiter) %w: %s", ErrBusy, busyDev)
	}

	lk := &volLock{
		endpoint: endpoint,
		released: make(chan struct{}),
	}
	h.rebootLock = lk

	go func() {
		select {
		case <-lk.released:
		case <-endpoint.Done():
			h.lockDied(endpoint, "", lk)
		}
	}()

	return "", nil
}

// UnlockReboot releases the reboot lock.
func (h *Handler) UnlockReboot(endpoint Endpoint) error {
	h.Lock()
	defer h.Unlock()

	if h.rebootLock == nil {
		return fmt.Errorf("(arbiter) %w: reboot", ErrNotLocked)
	}
	if h.rebootLock.endpoint != endpoint {
		return fmt.Errorf("(arbiter) %w: reboot", ErrWrongEndpoint)
	}

	close(h.rebootLock.released)
	h.rebootLock = nil

	return nil
}
