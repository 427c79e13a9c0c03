package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/desertwitch/helperd/internal/diskarb"
	"github.com/desertwitch/helperd/internal/safepath"
	"github.com/desertwitch/helperd/internal/schema"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testUUID = "53AC4665-B46A-4A36-B3B6-3F35CF2B0CF3"

const testDescriptor = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>BooterPaths</key>
	<dict>
		<key>EFIBooter</key>
		<string>System/Library/CoreServices/boot.efi</string>
	</dict>
	<key>PostBootPaths</key>
	<dict>
		<key>AdditionalPaths</key>
		<array>
			<string>mach_kernel</string>
		</array>
	</dict>
</dict>
</plist>
`

// fakeRootUnix wraps the real syscall provider, presenting descriptor
// files as root-owned (tests don't run as root).
type fakeRootUnix struct {
	schema.Unix
}

func (f *fakeRootUnix) Fstat(fd int, stat *unix.Stat_t) error {
	if err := f.Unix.Fstat(fd, stat); err != nil {
		return err
	}
	stat.Uid = 0

	return nil
}

type fakeSession struct {
	events  chan diskarb.Event
	approve func(bsdName string) error
}

func (f *fakeSession) Events() <-chan diskarb.Event {
	return f.events
}

func (f *fakeSession) VolumeInfo(dev uint64) (string, string, error) {
	return testUUID, "TestVol", nil
}

func (f *fakeSession) BooterInfo(dev uint64) (diskarb.BooterInfo, error) {
	return diskarb.BooterInfo{Helpers: []string{"disk0s3"}, GPT: true}, nil
}

func (f *fakeSession) Mount(bsdName string) (string, error) { return "", nil }

func (f *fakeSession) Unmount(bsdName string, force bool) error { return nil }

func (f *fakeSession) ToggleOwners(bsdName string, enable bool) error { return nil }

func (f *fakeSession) OwnersIgnored(root string) (bool, error) { return false, nil }

func (f *fakeSession) SetUnmountApproval(approve func(bsdName string) error) {
	f.approve = approve
}

type fakeBuilder struct {
	sync.Mutex

	mkextRuns  int
	helperRuns int
}

func (f *fakeBuilder) RebuildMkext(ctx context.Context, caches *bootcaches.Caches, wait bool) (int, error) {
	f.Lock()
	defer f.Unlock()

	f.mkextRuns++

	return 0, nil
}

func (f *fakeBuilder) RebuildHelpers(ctx context.Context, caches *bootcaches.Caches, force bool) error {
	f.Lock()
	defer f.Unlock()

	f.helperRuns++

	return nil
}

func (f *fakeBuilder) HelperRuns() int {
	f.Lock()
	defer f.Unlock()

	return f.helperRuns
}

type fakeNotify struct {
	sync.Mutex

	watched []string
	stopped int
}

func (f *fakeNotify) Watch(path string, ch chan<- notify.EventInfo, events ...notify.Event) error {
	f.Lock()
	defer f.Unlock()

	f.watched = append(f.watched, path)

	return nil
}

func (f *fakeNotify) Stop(ch chan<- notify.EventInfo) {
	f.Lock()
	defer f.Unlock()

	f.stopped++
}

type fakeLocks struct {
	sync.Mutex

	locked  map[string]bool
	dropped []string
}

func (f *fakeLocks) Locked(bsdName string) bool {
	f.Lock()
	defer f.Unlock()

	return f.locked[bsdName]
}

func (f *fakeLocks) DropLock(bsdName string) {
	f.Lock()
	defer f.Unlock()

	f.dropped = append(f.dropped, bsdName)
}

type fakeEvent struct {
	path string
}

func (f *fakeEvent) Event() notify.Event { return notify.Write }
func (f *fakeEvent) Path() string        { return f.path }
func (f *fakeEvent) Sys() interface{}    { return nil }

type testEnv struct {
	controller *Controller
	session    *fakeSession
	builds     *fakeBuilder
	notifier   *fakeNotify
	locks      *fakeLocks
	root       string
	cancel     context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/standalone"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, schema.BootCachesPath), []byte(testDescriptor), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mach_kernel"), []byte("kernel"), 0o644))

	osHandler := &schema.OS{}
	safeHandler := safepath.NewHandler(osHandler, &schema.Unix{})

	session := &fakeSession{events: make(chan diskarb.Event, 8)}
	cachesHandler := bootcaches.NewHandler(osHandler, &fakeRootUnix{}, safeHandler, session)
	builds := &fakeBuilder{}
	notifier := &fakeNotify{}
	locks := &fakeLocks{locked: make(map[string]bool)}

	controller := NewController(session, cachesHandler, builds,
		&schema.Unix{}, notifier, 50*time.Millisecond)
	controller.SetLockHandler(locks)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = controller.Watch(ctx)
	}()

	return &testEnv{
		controller: controller,
		session:    session,
		builds:     builds,
		notifier:   notifier,
		locks:      locks,
		root:       root,
		cancel:     cancel,
	}
}

func (env *testEnv) appear(t *testing.T, bsdName string) *WatchedVol {
	t.Helper()

	env.session.events <- diskarb.Event{
		Kind: diskarb.DiskAppeared,
		Disk: diskarb.Disk{BSDName: bsdName, MountPoint: env.root, Writable: true},
	}

	var w *WatchedVol
	require.Eventually(t, func() bool {
		var ok bool
		w, ok = env.controller.Volume(bsdName)

		return ok
	}, time.Second, 5*time.Millisecond, "volume should become watched")

	return w
}

// TestWatch_Success_VolumeAppeared verifies that an eligible volume is
// parsed, watched and initially checked.
func TestWatch_Success_VolumeAppeared(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.appear(t, "disk1")

	// sources have no bootstamps: the initial check fires a helper update
	require.Eventually(t, func() bool {
		return env.builds.HelperRuns() == 1
	}, time.Second, 5*time.Millisecond)

	env.notifier.Lock()
	defer env.notifier.Unlock()
	assert.Contains(t, env.notifier.watched, filepath.Join(env.root, "mach_kernel"))
	assert.Contains(t, env.notifier.watched, filepath.Join(env.root, "System/Library/CoreServices/boot.efi"))
}

// TestWatch_Success_NotWritable verifies that read-only media are not
// watched.
func TestWatch_Success_NotWritable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	env.session.events <- diskarb.Event{
		Kind: diskarb.DiskAppeared,
		Disk: diskarb.Disk{BSDName: "disk2", MountPoint: env.root, Writable: false},
	}

	assert.Never(t, func() bool {
		_, ok := env.controller.Volume("disk2")

		return ok
	}, 200*time.Millisecond, 20*time.Millisecond)
}

// TestWatch_Success_SettleCoalescing verifies that a burst of change
// notifications produces exactly one rebuild attempt.
func TestWatch_Success_SettleCoalescing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	w := env.appear(t, "disk1")

	require.Eventually(t, func() bool {
		return env.builds.HelperRuns() == 1
	}, time.Second, 5*time.Millisecond)

	// a burst of notifications within the settle window
	for i := 0; i < 5; i++ {
		w.events <- &fakeEvent{path: filepath.Join(env.root, "mach_kernel")}
	}

	require.Eventually(t, func() bool {
		return env.builds.HelperRuns() == 2
	}, time.Second, 5*time.Millisecond, "burst should coalesce into one rebuild")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, env.builds.HelperRuns(), "no extra rebuilds after settling")
}

// TestWatch_Success_VolumeDisappeared verifies full teardown when a
// volume goes away.
func TestWatch_Success_VolumeDisappeared(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.appear(t, "disk1")

	env.session.events <- diskarb.Event{
		Kind: diskarb.DiskDisappeared,
		Disk: diskarb.Disk{BSDName: "disk1"},
	}

	require.Eventually(t, func() bool {
		_, ok := env.controller.Volume("disk1")

		return !ok
	}, time.Second, 5*time.Millisecond)

	env.notifier.Lock()
	assert.Equal(t, 1, env.notifier.stopped, "notifications should be canceled")
	env.notifier.Unlock()

	env.locks.Lock()
	assert.Contains(t, env.locks.dropped, "disk1", "held locks should be discarded")
	env.locks.Unlock()
}

// TestApproveUnmount_Busy verifies unmount dissent while a volume is
// locked.
func TestApproveUnmount_Busy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.appear(t, "disk1")

	env.locks.Lock()
	env.locks.locked["disk1"] = true
	env.locks.Unlock()

	require.NotNil(t, env.session.approve)
	err := env.session.approve("disk1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVolumeBusy)
}

// TestApproveUnmount_NotWatched verifies that unknown volumes unmount
// freely.
func TestApproveUnmount_NotWatched(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.appear(t, "disk1")

	require.NotNil(t, env.session.approve)
	require.NoError(t, env.session.approve("disk9"))
}
