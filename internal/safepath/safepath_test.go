package safepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/desertwitch/helperd/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeUnix wraps the real syscall provider, letting single tests lie
// about the device a descriptor resides on.
type fakeUnix struct {
	schema.Unix

	devOverride map[int]uint64
}

func (f *fakeUnix) Fstat(fd int, stat *unix.Stat_t) error {
	if err := f.Unix.Fstat(fd, stat); err != nil {
		return err
	}
	if dev, ok := f.devOverride[fd]; ok {
		stat.Dev = dev
	}

	return nil
}

func newTestHandler(t *testing.T) (*Handler, int, string) {
	t.Helper()

	root := t.TempDir()

	scope, err := os.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { scope.Close() })

	return NewHandler(&schema.OS{}, &schema.Unix{}), int(scope.Fd()), root
}

// TestOpen_Success_ForcesExclusive verifies that creating opens always
// carry exclusive-create semantics.
func TestOpen_Success_ForcesExclusive(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	path := filepath.Join(root, "file")

	f, err := handler.Open(scope, path, unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.Close()

	_, err = handler.Open(scope, path, unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.Error(t, err, "second exclusive create should fail")
	assert.ErrorIs(t, err, unix.EEXIST)
}

// TestOpen_Error_ScopeViolation verifies that a device mismatch between
// parent and scope refuses the operation.
func TestOpen_Error_ScopeViolation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	scope, err := os.Open(root)
	require.NoError(t, err)
	defer scope.Close()

	fake := &fakeUnix{devOverride: map[int]uint64{int(scope.Fd()): ^uint64(0)}}
	handler := NewHandler(&schema.OS{}, fake)

	_, err = handler.Open(int(scope.Fd()), filepath.Join(root, "file"), unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScopeViolation)
}

// TestMkdirUnlinkRename_Success verifies the basic scoped primitives.
func TestMkdirUnlinkRename_Success(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	dir := filepath.Join(root, "dir")
	require.NoError(t, handler.Mkdir(scope, dir, 0o755))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(dir, "file")
	f, err := handler.Open(scope, file, unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.Close()

	require.NoError(t, handler.Rename(scope, file, filepath.Join(dir, "file2")))
	_, err = os.Stat(filepath.Join(dir, "file2"))
	require.NoError(t, err)

	require.NoError(t, handler.Unlink(scope, filepath.Join(dir, "file2")))
	require.NoError(t, handler.Rmdir(scope, dir))

	_, err = os.Stat(dir)
	require.Error(t, err)
}

// TestDeepMkdir_Success verifies recursive creation and the existing-dir
// base case.
func TestDeepMkdir_Success(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, handler.DeepMkdir(scope, deep, 0o755))

	info, err := os.Stat(deep)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, handler.DeepMkdir(scope, deep, 0o755), "existing dir should be fine")
}

// TestDeepMkdir_Error_NotDirectory verifies that a file in the way fails
// the recursion.
func TestDeepMkdir_Error_NotDirectory(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "blocker"), []byte("x"), 0o644))

	err := handler.DeepMkdir(scope, filepath.Join(root, "blocker"), 0o755)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

// TestDeepUnlink_Success verifies recursive removal without following
// symlinks.
func TestDeepUnlink_Success(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	target := filepath.Join(root, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "kept"), []byte("keep"), 0o644))

	tree := filepath.Join(root, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "sub", "file"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(tree, "link")))

	require.NoError(t, handler.DeepUnlink(scope, tree))

	_, err := os.Stat(tree)
	require.Error(t, err, "tree should be gone")

	_, err = os.Stat(filepath.Join(target, "kept"))
	require.NoError(t, err, "symlink target must survive")
}

// TestCopyFile_Success verifies content, permissions and intermediate
// directory creation.
func TestCopyFile_Success(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	src := filepath.Join(root, "src")
	require.NoError(t, os.WriteFile(src, []byte("boot bytes"), 0o640))

	dst := filepath.Join(root, "deep", "down", "dst")
	require.NoError(t, handler.CopyFile(scope, src, scope, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("boot bytes"), data)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

// TestCopyFile_Success_Overwrite verifies that an existing destination is
// replaced.
func TestCopyFile_Success_Overwrite(t *testing.T) {
	t.Parallel()

	handler, scope, root := newTestHandler(t)

	src := filepath.Join(root, "src")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	dst := filepath.Join(root, "dst")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.NoError(t, handler.CopyFile(scope, src, scope, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}
