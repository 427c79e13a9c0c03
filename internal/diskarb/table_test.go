package diskarb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>64768</key>
	<dict>
		<key>UUID</key>
		<string>53AC4665-B46A-4A36-B3B6-3F35CF2B0CF3</string>
		<key>Label</key>
		<string>Macintosh HD</string>
		<key>GPT</key>
		<true/>
		<key>Helpers</key>
		<array>
			<string>disk0s3</string>
		</array>
	</dict>
</dict>
</plist>
`

// TestLoadTable_Success verifies disk table parsing and session lookups.
func TestLoadTable_Success(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disks.plist")
	require.NoError(t, os.WriteFile(path, []byte(testTable), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	require.Len(t, table, 1)

	session := &ExecSession{Table: table}

	uuidStr, label, err := session.VolumeInfo(64768)
	require.NoError(t, err)
	assert.Equal(t, "53AC4665-B46A-4A36-B3B6-3F35CF2B0CF3", uuidStr)
	assert.Equal(t, "Macintosh HD", label)

	binfo, err := session.BooterInfo(64768)
	require.NoError(t, err)
	assert.True(t, binfo.GPT)
	assert.Equal(t, []string{"disk0s3"}, binfo.Helpers)
}

// TestLoadTable_Error_UnknownDisk verifies lookups of unlisted devices.
func TestLoadTable_Error_UnknownDisk(t *testing.T) {
	t.Parallel()

	session := &ExecSession{}

	_, _, err := session.VolumeInfo(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDisk)
}
