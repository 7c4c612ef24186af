package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "~/.ambilightd", c.ConfigDir)
	assert.Equal(t, "ambilightd.db", c.Database)
	assert.Empty(t, c.FlatConfig)
	assert.Equal(t, uint16(19444), c.JSONPort)
	assert.Equal(t, uint16(19445), c.ProtoPort)
	assert.Equal(t, uint16(19400), c.FlatPort)
	assert.Equal(t, uint16(19333), c.BoblightPort)
	assert.Equal(t, "0.0.0.0", c.BindAddress)
	assert.Equal(t, 120*time.Second, c.ConnIdleTimeout)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_DIR", "/var/lib/ambilightd")
	t.Setenv("JSON_PORT", "20444")
	t.Setenv("BIND_ADDRESS", "127.0.0.1")
	t.Setenv("CONN_IDLE_TIMEOUT", "30s")
	t.Setenv("LOG_LEVELS", "bus=debug")

	c, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ambilightd", c.ConfigDir)
	assert.Equal(t, uint16(20444), c.JSONPort)
	assert.Equal(t, "127.0.0.1", c.BindAddress)
	assert.Equal(t, 30*time.Second, c.ConnIdleTimeout)
	assert.Equal(t, "bus=debug", c.LogLevels)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("JSON_PORT", "not-a-port")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestInitPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ambilightd")

	paths, err := InitPaths(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, paths.ConfigDir)
	assert.Equal(t, filepath.Join(dir, "effects"), paths.EffectsDir)
	assert.Equal(t, filepath.Join(dir, "webconfig"), paths.WebDir)
	assert.DirExists(t, paths.EffectsDir)

	// The first call wins; later calls return the recorded paths.
	again, err := InitPaths(filepath.Join(t.TempDir(), "other"))
	require.NoError(t, err)
	assert.Equal(t, paths, again)
	assert.Equal(t, paths, GlobalPaths())
}
