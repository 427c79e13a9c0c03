package configuration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/desertwitch/helperd/internal/configuration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReadGeneric_Success verifies reading and typed access of a daemon
// configuration file.
func TestReadGeneric_Success(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "helperd.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"SETTLE_SECONDS=7\nBUILDER_PATH=/usr/sbin/kextcache\nMOUNT_BASE=/run/helperd\n"), 0o644))

	handler := configuration.NewHandler(&configuration.GodotenvProvider{})

	envMap, err := handler.ReadGeneric(path)
	require.NoError(t, err)

	assert.Equal(t, 7, handler.MapKeyToInt(envMap, configuration.SettingSettleSeconds))
	assert.Equal(t, "/usr/sbin/kextcache", handler.MapKeyToString(envMap, configuration.SettingBuilderPath))
	assert.Equal(t, "/run/helperd", handler.MapKeyToString(envMap, configuration.SettingMountBase))
	assert.Equal(t, "", handler.MapKeyToString(envMap, configuration.SettingDiskTable))
	assert.Equal(t, -1, handler.MapKeyToInt(envMap, "MISSING"))
}

// TestReadGeneric_Error verifies the error path for missing files.
func TestReadGeneric_Error(t *testing.T) {
	t.Parallel()

	handler := configuration.NewHandler(&configuration.GodotenvProvider{})

	_, err := handler.ReadGeneric(filepath.Join(t.TempDir(), "nonexistent.conf"))
	require.Error(t, err)
}
