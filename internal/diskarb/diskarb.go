// Package diskarb abstracts the disk arbitration surface the daemon
// depends on: volume discovery events, helper-partition mounts and the
// identity metadata (UUID, label, booter layout) of attached disks.
//
// The daemon core only ever talks to the [Session] interface; the
// platform's real arbitration service is injected at wiring time. The
// bundled [ExecSession] covers the one-shot update path by shelling out
// to the system mount tools, driven by a static disk table.
package diskarb

import (
	"fmt"
	"os/exec"
	"strings"
)

// EventKind discriminates disk lifecycle events.
type EventKind int

const (
	// DiskAppeared signals a newly arrived mountable volume.
	DiskAppeared EventKind = iota

	// DiskChanged signals a description change on a known volume.
	DiskChanged

	// DiskDisappeared signals a volume going away.
	DiskDisappeared
)

// Disk describes one mountable volume.
type Disk struct {
	BSDName    string
	Dev        uint64
	MountPoint string
	Writable   bool
	Network    bool
	UUID       string
	Label      string
}

// Event is one disk lifecycle notification.
type Event struct {
	Kind EventKind
	Disk Disk

	// MountPointChanged is set on [DiskChanged] when the volume-path key
	// is among the changed description keys.
	MountPointChanged bool
}

// BooterInfo describes a volume's boot layout.
type BooterInfo struct {
	// Helpers lists the BSD names of the volume's helper partitions.
	Helpers []string

	// GPT reports whether the volume lives on a GUID partition table.
	GPT bool
}

// Session is the disk arbitration surface consumed by the daemon core.
type Session interface {
	// Events returns the disk lifecycle event stream.
	Events() <-chan Event

	// VolumeInfo resolves a device id to volume UUID and label.
	VolumeInfo(dev uint64) (uuidStr string, label string, err error)

	// BooterInfo resolves a device id to its boot layout.
	BooterInfo(dev uint64) (BooterInfo, error)

	// Mount mounts a helper partition read-write at a private mountpoint
	// and returns that mountpoint.
	Mount(bsdName string) (string, error)

	// Unmount unmounts a previously mounted helper partition.
	Unmount(bsdName string, force bool) error

	// ToggleOwners enables or disables ownership semantics on a volume.
	ToggleOwners(bsdName string, enable bool) error

	// OwnersIgnored reports whether ownership is currently ignored on the
	// volume mounted at root.
	OwnersIgnored(root string) (bool, error)

	// SetUnmountApproval registers a callback consulted before unmounts;
	// a non-nil error dissents with that reason.
	SetUnmountApproval(approve func(bsdName string) error)
}

// TableEntry is the static identity record of one disk in an
// [ExecSession] table.
type TableEntry struct {
	UUID    string
	Label   string
	Helpers []string
	GPT     bool
}

// ExecSession is a minimal [Session] for one-shot updates: metadata comes
// from a static table, mounts shell out to the system tools. It emits no
// events and needs no approval wiring.
type ExecSession struct {
	// Table maps device ids to disk identity records.
	Table map[uint64]TableEntry

	// MountBase is the directory receiving private helper mountpoints.
	MountBase string
}

// Events implements [Session]; an ExecSession never emits events.
func (s *ExecSession) Events() <-chan Event {
	return nil
}

// VolumeInfo implements [Session] from the static table.
func (s *ExecSession) VolumeInfo(dev uint64) (string, string, error) {
	entry, ok := s.Table[dev]
	if !ok {
		return "", "", fmt.Errorf("(diskarb) %w: dev %d", ErrUnknownDisk, dev)
	}

	return entry.UUID, entry.Label, nil
}

// BooterInfo implements [Session] from the static table.
func (s *ExecSession) BooterInfo(dev uint64) (BooterInfo, error) {
	entry, ok := s.Table[dev]
	if !ok {
		return BooterInfo{}, fmt.Errorf("(diskarb) %w: dev %d", ErrUnknownDisk, dev)
	}

	return BooterInfo{Helpers: entry.Helpers, GPT: entry.GPT}, nil
}

// Mount implements [Session] by invoking the system mount tool.
func (s *ExecSession) Mount(bsdName string) (string, error) {
	mountpoint := s.MountBase + "/" + strings.TrimPrefix(bsdName, "/dev/")

	if out, err := exec.Command("mkdir", "-p", mountpoint).CombinedOutput(); err != nil {
		return "", fmt.Errorf("(diskarb) failed to prepare mountpoint: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := exec.Command("mount", "-o", "rw,nosuid,nodev", bsdName, mountpoint).CombinedOutput(); err != nil {
		return "", fmt.Errorf("(diskarb) failed to mount %s: %s: %w", bsdName, strings.TrimSpace(string(out)), err)
	}

	return mountpoint, nil
}

// Unmount implements [Session] by invoking the system unmount tool.
func (s *ExecSession) Unmount(bsdName string, force bool) error {
	args := []string{bsdName}
	if force {
		args = append([]string{"-f"}, args...)
	}

	if out, err := exec.Command("umount", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("(diskarb) failed to unmount %s: %s: %w", bsdName, strings.TrimSpace(string(out)), err)
	}

	return nil
}

// ToggleOwners implements [Session]; a remount updates the flag.
func (s *ExecSession) ToggleOwners(bsdName string, enable bool) error {
	opt := "remount,owners"
	if !enable {
		opt = "remount,noowners"
	}

	if out, err := exec.Command("mount", "-u", "-o", opt, bsdName).CombinedOutput(); err != nil {
		return fmt.Errorf("(diskarb) failed to toggle owners on %s: %s: %w", bsdName, strings.TrimSpace(string(out)), err)
	}

	return nil
}

// OwnersIgnored implements [Session]; the static table carries no
// ownership state, so owners are assumed honored.
func (s *ExecSession) OwnersIgnored(root string) (bool, error) {
	return false, nil
}

// SetUnmountApproval implements [Session] as a no-op.
func (s *ExecSession) SetUnmountApproval(approve func(bsdName string) error) {}
