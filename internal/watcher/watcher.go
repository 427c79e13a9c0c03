// Package watcher discovers mountable local volumes, watches every path
// their boot cache descriptors name, and schedules rebuilds when watched
// content changes.
//
// Change notifications for a volume are coalesced through a settle timer:
// a burst of filesystem activity within the settle window produces
// exactly one rebuild attempt once the system has had time to quiet
// down. Unmount requests are dissented while a volume is locked or still
// has rebuild work to do.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/desertwitch/helperd/internal/diskarb"
	"github.com/rjeczalik/notify"
	"golang.org/x/sys/unix"
)

// WatchSettleTime is how long a volume gets to settle after a change
// notification before its rebuild check fires.
const WatchSettleTime = 5 * time.Second

type cachesProvider interface {
	ReadCaches(rootpath string) (*bootcaches.Caches, error)
	NeedUpdates(caches *bootcaches.Caches) (bootcaches.Staleness, error)
	CheckMkext(caches *bootcaches.Caches) bool
}

type buildProvider interface {
	RebuildMkext(ctx context.Context, caches *bootcaches.Caches, wait bool) (int, error)
	RebuildHelpers(ctx context.Context, caches *bootcaches.Caches, force bool) error
}

type lockProvider interface {
	Locked(bsdName string) bool
	DropLock(bsdName string)
}

type unixProvider interface {
	Stat(path string, stat *unix.Stat_t) error
}

type notifyProvider interface {
	Watch(path string, ch chan<- notify.EventInfo, events ...notify.Event) error
	Stop(ch chan<- notify.EventInfo)
}

// FSNotify is the standard [notifyProvider] implementation wrapping the
// notify package.
type FSNotify struct{}

// Watch wraps around [notify.Watch].
func (*FSNotify) Watch(path string, ch chan<- notify.EventInfo, events ...notify.Event) error {
	return notify.Watch(path, ch, events...)
}

// Stop wraps around [notify.Stop].
func (*FSNotify) Stop(ch chan<- notify.EventInfo) {
	notify.Stop(ch)
}

// Controller owns the disk-name to [WatchedVol] mapping and reacts to
// disk arbitration and filesystem change events.
type Controller struct {
	sync.Mutex

	vols map[string]*WatchedVol

	arbHandler    diskarb.Session
	cachesHandler cachesProvider
	buildHandler  buildProvider
	lockHandler   lockProvider
	unixHandler   unixProvider
	notifyHandler notifyProvider

	settleTime time.Duration

	ctx context.Context //nolint:containedctx
}

// NewController returns a pointer to a new [Controller].
func NewController(arbHandler diskarb.Session, cachesHandler cachesProvider,
	buildHandler buildProvider, unixHandler unixProvider, notifyHandler notifyProvider,
	settleTime time.Duration,
) *Controller {
	if settleTime <= 0 {
		settleTime = WatchSettleTime
	}

	return &Controller{
		vols:          make(map[string]*WatchedVol),
		arbHandler:    arbHandler,
		cachesHandler: cachesHandler,
		buildHandler:  buildHandler,
		unixHandler:   unixHandler,
		notifyHandler: notifyHandler,
		settleTime:    settleTime,
	}
}

// SetLockHandler wires the lock arbiter in after construction (the
// arbiter needs the controller as its volume source).
func (c *Controller) SetLockHandler(lockHandler lockProvider) {
	c.lockHandler = lockHandler
}

// Volume resolves a watched volume by disk name (volume source for the
// arbiter).
func (c *Controller) Volume(bsdName string) (vol *WatchedVol, ok bool) {
	c.Lock()
	defer c.Unlock()

	w, ok := c.vols[bsdName]

	return w, ok
}

// EachVolume iterates the watched volumes until fn returns false.
func (c *Controller) EachVolume(fn func(vol *WatchedVol) bool) {
	c.Lock()
	vols := make([]*WatchedVol, 0, len(c.vols))
	for _, w := range c.vols {
		vols = append(vols, w)
	}
	c.Unlock()

	for _, w := range vols {
		if !fn(w) {
			return
		}
	}
}

// Watch runs the controller until the context is canceled. Disk events
// drive the watch table; per-volume filesystem notifications run on their
// own forwarding loops.
func (c *Controller) Watch(ctx context.Context) error {
	c.Lock()
	if c.ctx != nil {
		c.Unlock()

		return fmt.Errorf("(watcher) %w", ErrAlreadyWatching)
	}
	c.ctx = ctx
	c.Unlock()

	c.arbHandler.SetUnmountApproval(c.approveUnmount)

	events := c.arbHandler.Events()
	for {
		select {
		case <-ctx.Done():
			c.teardown()

			return nil

		case ev, ok := <-events:
			if !ok {
				c.teardown()

				return nil
			}

			switch ev.Kind {
			case diskarb.DiskAppeared:
				c.volAppeared(ev.Disk)
			case diskarb.DiskChanged:
				c.volChanged(ev)
			case diskarb.DiskDisappeared:
				c.volDisappeared(ev.Disk.BSDName)
			}
		}
	}
}

// teardown unwatches everything in reverse of setup.
func (c *Controller) teardown() {
	c.Lock()
	names := make([]string, 0, len(c.vols))
	for name := range c.vols {
		names = append(names, name)
	}
	c.Unlock()

	for _, name := range names {
		c.volDisappeared(name)
	}
}

// approveUnmount dissents while the volume is locked or a rebuild check
// still finds work to do.
func (c *Controller) approveUnmount(bsdName string) error {
	c.Lock()
	w, ok := c.vols[bsdName]
	c.Unlock()

	if !ok {
		return nil
	}

	if c.lockHandler != nil && c.lockHandler.Locked(bsdName) {
		return fmt.Errorf("(watcher) %w: %s locked", ErrVolumeBusy, bsdName)
	}
	if c.checkRebuild(w, false) {
		return fmt.Errorf("(watcher) %w: %s has pending work", ErrVolumeBusy, bsdName)
	}

	return nil
}

// volAppeared vets a new volume and, if it carries a usable descriptor on
// a BootRoot-capable disk, begins watching it.
func (c *Controller) volAppeared(disk diskarb.Disk) {
	var sb unix.Stat_t

	if disk.MountPoint == "" || !disk.Writable || disk.Network {
		return
	}

	c.Lock()
	_, exists := c.vols[disk.BSDName]
	c.Unlock()
	if exists {
		slog.Warn("Refreshing watch of volume already in watch table", "volume", disk.BSDName)
		c.volDisappeared(disk.BSDName)
	}

	// only BootRoot volumes are interesting
	if err := c.unixHandler.Stat(disk.MountPoint, &sb); err != nil {
		return
	}
	binfo, err := c.arbHandler.BooterInfo(sb.Dev)
	if err != nil || len(binfo.Helpers) == 0 || !binfo.GPT {
		return
	}

	// try to enable owners if currently ignored, reverting after parse
	ownersIgnored, err := c.arbHandler.OwnersIgnored(disk.MountPoint)
	if err == nil && ownersIgnored {
		if err := c.arbHandler.ToggleOwners(disk.BSDName, true); err == nil {
			defer func() {
				if err := c.arbHandler.ToggleOwners(disk.BSDName, false); err != nil {
					slog.Warn("Couldn't disable owners after parse", "volume", disk.BSDName, "err", err)
				}
			}()
		}
	}

	caches, err := c.cachesHandler.ReadCaches(disk.MountPoint)
	if err != nil {
		slog.Error("Error reading boot cache descriptor", "volume", disk.MountPoint, "err", err)

		return
	}
	if caches == nil {
		return // no descriptor; not interesting
	}

	w := &WatchedVol{
		bsdName:    disk.BSDName,
		caches:     caches,
		events:     make(chan notify.EventInfo, 16),
		done:       make(chan struct{}),
		controller: c,
	}

	if err := c.watchPaths(w); err != nil {
		slog.Error("Trouble setting up notifications", "volume", caches.Root, "err", err)
		c.notifyHandler.Stop(w.events)
		caches.Close()

		return
	}

	c.Lock()
	c.vols[disk.BSDName] = w
	c.Unlock()

	go c.volLoop(w)

	slog.Info("Watching volume", "volume", caches.Root, "disk", disk.BSDName)

	c.checkRebuild(w, false) // in case it needs an update
}

// watchPaths registers change notifications for every path the
// descriptor names. Paths that do not exist yet are covered through
// their parent directory.
func (c *Controller) watchPaths(w *WatchedVol) error {
	caches := w.caches

	paths := make([]string, 0, len(caches.RPSPaths)+len(caches.MiscPaths)+3)
	if caches.Exts != "" {
		paths = append(paths, filepath.Join(caches.Root, caches.Exts))
	}
	for i := range caches.RPSPaths {
		paths = append(paths, filepath.Join(caches.Root, caches.RPSPaths[i].RPath))
	}
	if caches.EFIBooter.RPath != "" {
		paths = append(paths, filepath.Join(caches.Root, caches.EFIBooter.RPath))
	}
	if caches.OFBooter.RPath != "" {
		paths = append(paths, filepath.Join(caches.Root, caches.OFBooter.RPath))
	}
	for i := range caches.MiscPaths {
		paths = append(paths, filepath.Join(caches.Root, caches.MiscPaths[i].RPath))
	}

	for _, path := range paths {
		if err := c.notifyHandler.Watch(path, w.events, notify.All); err != nil {
			// not there yet; its parent will tell us when it appears
			if err := c.notifyHandler.Watch(filepath.Dir(path), w.events, notify.All); err != nil {
				return fmt.Errorf("(watcher) failed to watch %s: %w", path, err)
			}
		}
	}

	return nil
}

// volLoop forwards a volume's change notifications into the settle
// scheme until the volume goes away.
func (c *Controller) volLoop(w *WatchedVol) {
	for {
		select {
		case <-w.done:
			return
		case <-w.events:
			c.fsysChanged(w)
		}
	}
}

// volChanged re-vets a volume whose mountpoint changed: the old watch
// state is discarded and, if the volume is still mounted, rebuilt.
func (c *Controller) volChanged(ev diskarb.Event) {
	if !ev.MountPointChanged {
		slog.Debug("Ignoring disk update: no mountpoint change", "volume", ev.Disk.BSDName)

		return
	}

	c.Lock()
	_, watched := c.vols[ev.Disk.BSDName]
	c.Unlock()

	if watched {
		c.volDisappeared(ev.Disk.BSDName)
	}
	if ev.Disk.MountPoint != "" {
		c.volAppeared(ev.Disk)
	}
}

// volDisappeared removes a volume from the watch table, invalidating its
// timer, notifications and any held lock.
func (c *Controller) volDisappeared(bsdName string) {
	c.Lock()
	w, ok := c.vols[bsdName]
	if ok {
		delete(c.vols, bsdName)
	}
	c.Unlock()

	if !ok {
		return
	}

	w.stopTimer()
	close(w.done)
	c.notifyHandler.Stop(w.events)

	if c.lockHandler != nil {
		c.lockHandler.DropLock(bsdName)
	}

	if err := w.caches.Close(); err != nil {
		slog.Warn("Trouble releasing volume scope", "volume", bsdName, "err", err)
	}

	slog.Info("Stopped watching volume", "disk", bsdName)
}
