package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir string, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(contents), 0600))
}

func TestLoadReadsJSONFields(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{
		"debug_trees": true,
		"device_net": "tcp",
		"device_addr": "127.0.0.1:7777",
		"max_tree_depth": 32
	}`)

	c, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, c.DebugTrees)
	assert.Equal(t, "tcp", c.DeviceNet)
	assert.Equal(t, "127.0.0.1:7777", c.DeviceAddr)
	assert.Equal(t, 32, c.MaxTreeDepth)
	assert.Equal(t, dir, c.BaseDirectoryPath())
}

func TestLoadRejectsOverlyPermissiveFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{}`)
	require.NoError(t, os.Chmod(filepath.Join(dir, "config"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"debug_trees": false, "device_addr": "file-addr"}`)

	t.Setenv("CUDAGRAPHTREES_DEBUG_TREES", "1")
	t.Setenv("CUDAGRAPHTREES_DEVICE_ADDR", "env-addr")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, c.DebugTrees)
	assert.Equal(t, "env-addr", c.DeviceAddr)
}

func TestInitializeWritesDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "base")
	require.NoError(t, Initialize(dir))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "tcp", c.DeviceNet)
	assert.Equal(t, 64, c.MaxTreeDepth)

	assert.Error(t, Initialize(dir), "refuses to overwrite an existing config")
}
