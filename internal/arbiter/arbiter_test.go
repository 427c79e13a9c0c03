package arbiter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/desertwitch/helperd/internal/arbiter"
	"github.com/desertwitch/helperd/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVolume struct {
	sync.Mutex

	bsdName       string
	errCount      int
	workPending   bool
	ownersIgnored bool
	toggles       []bool
}

func (v *fakeVolume) BSDName() string { return v.bsdName }
func (v *fakeVolume) Root() string    { return "/Volumes/" + v.bsdName }

func (v *fakeVolume) ErrCount() int {
	v.Lock()
	defer v.Unlock()

	return v.errCount
}

func (v *fakeVolume) NoteError() {
	v.Lock()
	defer v.Unlock()

	v.errCount++
}

func (v *fakeVolume) ResetErrors() {
	v.Lock()
	defer v.Unlock()

	v.errCount = 0
}

func (v *fakeVolume) WorkPending() bool {
	return v.workPending
}

func (v *fakeVolume) OwnersIgnored() (bool, error) {
	return v.ownersIgnored, nil
}

func (v *fakeVolume) ToggleOwners(enable bool) error {
	v.Lock()
	defer v.Unlock()

	v.toggles = append(v.toggles, enable)

	return nil
}

type fakeSource struct {
	vols map[string]*fakeVolume
}

func (s *fakeSource) Volume(bsdName string) (arbiter.Volume, bool) {
	v, ok := s.vols[bsdName]
	if !ok {
		return nil, false
	}

	return v, true
}

func (s *fakeSource) EachVolume(fn func(vol arbiter.Volume) bool) {
	for _, v := range s.vols {
		if !fn(v) {
			return
		}
	}
}

func newTestArbiter(vols ...*fakeVolume) (*arbiter.Handler, *fakeSource) {
	source := &fakeSource{vols: make(map[string]*fakeVolume)}
	for _, v := range vols {
		source.vols[v.bsdName] = v
	}

	return arbiter.NewHandler(source), source
}

// TestLockVolume_Success verifies the basic lock/unlock cycle.
func TestLockVolume_Success(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1"}
	handler, _ := newTestArbiter(vol)

	ep := arbiter.NewClientEndpoint("builder-1")
	require.NoError(t, handler.LockVolume(ep, "disk1"))
	assert.True(t, handler.Locked("disk1"))

	require.NoError(t, handler.UnlockVolume(ep, "disk1", 0))
	assert.False(t, handler.Locked("disk1"))
}

// TestLockVolume_Error_Busy verifies that a held lock refuses a second
// client.
func TestLockVolume_Error_Busy(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1"}
	handler, _ := newTestArbiter(vol)

	require.NoError(t, handler.LockVolume(arbiter.NewClientEndpoint("a"), "disk1"))

	err := handler.LockVolume(arbiter.NewClientEndpoint("b"), "disk1")
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiter.ErrBusy)
}

// TestLockVolume_Error_NotFound verifies unknown volumes are refused.
func TestLockVolume_Error_NotFound(t *testing.T) {
	t.Parallel()

	handler, _ := newTestArbiter()

	err := handler.LockVolume(arbiter.NewClientEndpoint("a"), "disk9")
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiter.ErrNotFound)
}

// TestUnlockVolume_Error_WrongEndpoint verifies that only the locking
// endpoint may unlock.
func TestUnlockVolume_Error_WrongEndpoint(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1"}
	handler, _ := newTestArbiter(vol)

	require.NoError(t, handler.LockVolume(arbiter.NewClientEndpoint("a"), "disk1"))

	err := handler.UnlockVolume(arbiter.NewClientEndpoint("b"), "disk1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiter.ErrWrongEndpoint)
	assert.True(t, handler.Locked("disk1"))
}

// TestUnlockVolume_ExitStatus verifies the error accounting on release:
// temp-fail records nothing, failures increment, success resets.
func TestUnlockVolume_ExitStatus(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1"}
	handler, _ := newTestArbiter(vol)

	ep := arbiter.NewClientEndpoint("builder")

	require.NoError(t, handler.LockVolume(ep, "disk1"))
	require.NoError(t, handler.UnlockVolume(ep, "disk1", schema.ExitTempFail))
	assert.Equal(t, 0, vol.ErrCount(), "temp-fail must not record an error")

	require.NoError(t, handler.LockVolume(ep, "disk1"))
	require.NoError(t, handler.UnlockVolume(ep, "disk1", 1))
	assert.Equal(t, 1, vol.ErrCount())

	require.NoError(t, handler.LockVolume(ep, "disk1"))
	require.NoError(t, handler.UnlockVolume(ep, "disk1", 0))
	assert.Equal(t, 0, vol.ErrCount(), "success must reset prior errors")
}

// TestLockVolume_ClientCrash verifies the crash-release path: endpoint
// invalidation frees the lock and charges an error.
func TestLockVolume_ClientCrash(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1", ownersIgnored: true}
	handler, _ := newTestArbiter(vol)

	ep := arbiter.NewClientEndpoint("crasher")
	require.NoError(t, handler.LockVolume(ep, "disk1"))

	ep.Invalidate()

	require.Eventually(t, func() bool {
		return !handler.Locked("disk1")
	}, time.Second, 5*time.Millisecond, "crash must release the lock")

	assert.Equal(t, 1, vol.ErrCount())

	vol.Lock()
	defer vol.Unlock()
	assert.Equal(t, []bool{true, false}, vol.toggles, "owners must be reverted on the crash path")
}

// TestLockReboot_Success verifies reboot locking when nothing is busy.
func TestLockReboot_Success(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1"}
	handler, _ := newTestArbiter(vol)

	busy, err := handler.LockReboot(arbiter.NewClientEndpoint("shutdown"))
	require.NoError(t, err)
	assert.Empty(t, busy)
	assert.True(t, handler.RebootLocked())

	// volume locks are refused while rebooting
	err = handler.LockVolume(arbiter.NewClientEndpoint("late"), "disk1")
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiter.ErrBusy)
}

// TestLockReboot_Error_BusyVolume verifies that pending work blocks the
// reboot lock and names the busy device.
func TestLockReboot_Error_BusyVolume(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1", workPending: true}
	handler, _ := newTestArbiter(vol)

	busy, err := handler.LockReboot(arbiter.NewClientEndpoint("shutdown"))
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiter.ErrBusy)
	assert.Equal(t, "disk1", busy)
}

// TestLockReboot_Success_PersistentFailureSkipped verifies that volumes
// past the give-up threshold cannot block reboot.
func TestLockReboot_Success_PersistentFailureSkipped(t *testing.T) {
	t.Parallel()

	vol := &fakeVolume{bsdName: "disk1", workPending: true, errCount: arbiter.GiveUpThreshold}
	handler, _ := newTestArbiter(vol)

	busy, err := handler.LockReboot(arbiter.NewClientEndpoint("shutdown"))
	require.NoError(t, err)
	assert.Empty(t, busy)
	assert.True(t, handler.RebootLocked())
}
