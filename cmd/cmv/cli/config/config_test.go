package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAutoTrimThreshold, cfg.AutoTrim.Threshold)
	assert.Equal(t, int64(DefaultSizeThresholdBytes), cfg.AutoTrim.SizeThresholdBytes)
	assert.Equal(t, DefaultMaxBackups, cfg.AutoTrim.MaxBackups)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())

	cfg := Default()
	cfg.DefaultProject = "/home/user/work"
	cfg.AutoTrim.Threshold = 750
	require.NoError(t, cfg.Save())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/home/user/work", loaded.DefaultProject)
	assert.Equal(t, 750, loaded.AutoTrim.Threshold)
}

func TestLoad_AppliesFloorsToPartialFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(paths.HomeEnvVar, home)

	require.NoError(t, os.WriteFile(filepath.Join(home, paths.ConfigFileName),
		[]byte(`{"autoTrim":{"threshold":10}}`), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	// Thresholds below the trimmer minimum are raised.
	assert.Equal(t, 50, cfg.AutoTrim.Threshold)
	assert.Equal(t, int64(DefaultSizeThresholdBytes), cfg.AutoTrim.SizeThresholdBytes)
}

func TestLoad_CorruptFileFails(t *testing.T) {
	home := t.TempDir()
	t.Setenv(paths.HomeEnvVar, home)

	require.NoError(t, os.WriteFile(filepath.Join(home, paths.ConfigFileName),
		[]byte("{not json"), 0o600))

	_, err := Load()
	require.Error(t, err)
}
