// Package bless commits boot selections: it applies type/creator
// attributes to staged boot files and writes a volume's finder
// information, whose inode pair tells the firmware where to boot from.
package bless

import (
	"encoding/binary"
	"fmt"
)

// finderInfoAttr is the extended attribute carrying finder information.
const finderInfoAttr = "com.apple.FinderInfo"

// Type/creator pairs applied to activated boot files.
const (
	TypeCreatorBooter = "tbxichrp"
	TypeCreatorLabel  = "tbxjchrp"
)

// Finder-info slots used for helper activation; the remaining slots stay
// zero.
const (
	SystemFolderIdx = 0
	EFIBooterIdx    = 1
)

type unixProvider interface {
	Fsetxattr(fd int, attr string, dest []byte, flags int) error
	Setxattr(path string, attr string, data []byte, flags int) error
}

// Handler performs bless operations.
type Handler struct {
	unixHandler unixProvider
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(unixHandler unixProvider) *Handler {
	return &Handler{
		unixHandler: unixHandler,
	}
}

// ApplyTypeCreator stamps the given type/creator pair onto an open file's
// finder information.
func (h *Handler) ApplyTypeCreator(fd int, typeCreator string) error {
	var info [32]byte
	copy(info[:], typeCreator)

	if err := h.unixHandler.Fsetxattr(fd, finderInfoAttr, info[:], 0); err != nil {
		return fmt.Errorf("(bless) failed to set type/creator: %w", err)
	}

	return nil
}

// SetVolumeFinderInfo writes the volume finder information of the
// filesystem mounted at mountpoint. Committing the (system folder inode,
// booter inode) pair here is the single operation that activates a new
// set of boot files.
func (h *Handler) SetVolumeFinderInfo(mountpoint string, info [8]uint32) error {
	var buf [32]byte
	for i, word := range info {
		binary.BigEndian.PutUint32(buf[i*4:], word)
	}

	if err := h.unixHandler.Setxattr(mountpoint, finderInfoAttr, buf[:], 0); err != nil {
		return fmt.Errorf("(bless) failed to set volume finder info: %w", err)
	}

	return nil
}
