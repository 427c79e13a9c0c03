package bless

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnix struct {
	fsetattr map[string][]byte
	setattr  map[string][]byte
	setPath  string
}

func newFakeUnix() *fakeUnix {
	return &fakeUnix{
		fsetattr: make(map[string][]byte),
		setattr:  make(map[string][]byte),
	}
}

func (f *fakeUnix) Fsetxattr(fd int, attr string, dest []byte, flags int) error {
	f.fsetattr[attr] = append([]byte(nil), dest...)

	return nil
}

func (f *fakeUnix) Setxattr(path string, attr string, data []byte, flags int) error {
	f.setPath = path
	f.setattr[attr] = append([]byte(nil), data...)

	return nil
}

// TestApplyTypeCreator verifies the 32-byte finder-info layout of the
// type/creator stamp.
func TestApplyTypeCreator(t *testing.T) {
	t.Parallel()

	fake := newFakeUnix()
	handler := NewHandler(fake)

	require.NoError(t, handler.ApplyTypeCreator(3, TypeCreatorBooter))

	data, ok := fake.fsetattr[finderInfoAttr]
	require.True(t, ok)
	require.Len(t, data, 32)
	assert.Equal(t, []byte(TypeCreatorBooter), data[:8])
	assert.Equal(t, make([]byte, 24), data[8:])
}

// TestSetVolumeFinderInfo verifies the big-endian inode pair encoding.
func TestSetVolumeFinderInfo(t *testing.T) {
	t.Parallel()

	fake := newFakeUnix()
	handler := NewHandler(fake)

	var info [8]uint32
	info[SystemFolderIdx] = 0x01020304
	info[EFIBooterIdx] = 0x0A0B0C0D

	require.NoError(t, handler.SetVolumeFinderInfo("/mnt/helper", info))

	assert.Equal(t, "/mnt/helper", fake.setPath)

	data, ok := fake.setattr[finderInfoAttr]
	require.True(t, ok)
	require.Len(t, data, 32)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[:4])
	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D}, data[4:8])
	assert.Equal(t, make([]byte, 24), data[8:])
}
