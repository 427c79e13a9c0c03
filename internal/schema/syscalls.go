package schema

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// OS is an implementation wrapping operating system functions.
type OS struct{}

// Remove wraps around [os.Remove].
func (*OS) Remove(name string) error {
	return os.Remove(name)
}

// ReadDir wraps around [os.ReadDir].
func (*OS) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

// Open wraps around [os.Open].
func (*OS) Open(name string) (*os.File, error) {
	return os.Open(name)
}

// OpenFile wraps around [os.OpenFile].
func (*OS) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

// Stat wraps around [os.Stat].
func (*OS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Rename wraps around [os.Rename].
func (*OS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Unix is an implementation wrapping Unix operating system functions.
type Unix struct{}

// Fstat wraps around [unix.Fstat].
func (*Unix) Fstat(fd int, stat *unix.Stat_t) error {
	return unix.Fstat(fd, stat)
}

// Fstatat wraps around [unix.Fstatat].
func (*Unix) Fstatat(dirfd int, path string, stat *unix.Stat_t, flags int) error {
	return unix.Fstatat(dirfd, path, stat, flags)
}

// Lstat wraps around [unix.Lstat].
func (*Unix) Lstat(path string, stat *unix.Stat_t) error {
	return unix.Lstat(path, stat)
}

// Stat wraps around [unix.Stat].
func (*Unix) Stat(path string, stat *unix.Stat_t) error {
	return unix.Stat(path, stat)
}

// Openat wraps around [unix.Openat].
func (*Unix) Openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	return unix.Openat(dirfd, path, flags, mode)
}

// Mkdirat wraps around [unix.Mkdirat].
func (*Unix) Mkdirat(dirfd int, path string, mode uint32) error {
	return unix.Mkdirat(dirfd, path, mode)
}

// Unlinkat wraps around [unix.Unlinkat].
func (*Unix) Unlinkat(dirfd int, path string, flags int) error {
	return unix.Unlinkat(dirfd, path, flags)
}

// Renameat wraps around [unix.Renameat].
func (*Unix) Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	return unix.Renameat(olddirfd, oldpath, newdirfd, newpath)
}

// Fchmod wraps around [unix.Fchmod].
func (*Unix) Fchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode)
}

// Fsync wraps around [unix.Fsync].
func (*Unix) Fsync(fd int) error {
	return unix.Fsync(fd)
}

// Fstatfs wraps around [unix.Fstatfs].
func (*Unix) Fstatfs(fd int, buf *unix.Statfs_t) error {
	return unix.Fstatfs(fd, buf)
}

// Statfs wraps around [unix.Statfs].
func (*Unix) Statfs(path string, buf *unix.Statfs_t) error {
	return unix.Statfs(path, buf)
}

// UtimesNanoAt wraps around [unix.UtimesNanoAt].
func (*Unix) UtimesNanoAt(dirfd int, path string, times []unix.Timespec, flags int) error {
	return unix.UtimesNanoAt(dirfd, path, times, flags)
}

// Futimens sets the access and modification times of an open file with
// nanosecond resolution, through [unix.UtimesNanoAt] on the descriptor's
// /proc/self/fd entry.
func (*Unix) Futimens(fd int, times *[2]unix.Timespec) error {
	return unix.UtimesNanoAt(unix.AT_FDCWD, "/proc/self/fd/"+strconv.Itoa(fd), times[:], 0)
}

// Fsetxattr wraps around [unix.Fsetxattr].
func (*Unix) Fsetxattr(fd int, attr string, dest []byte, flags int) error {
	return unix.Fsetxattr(fd, attr, dest, flags)
}

// Setxattr wraps around [unix.Setxattr].
func (*Unix) Setxattr(path string, attr string, data []byte, flags int) error {
	return unix.Setxattr(path, attr, data, flags)
}

// Close wraps around [unix.Close].
func (*Unix) Close(fd int) error {
	return unix.Close(fd)
}
