package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/config"
)

func TestFindHostCLI_ConfiguredOverride(t *testing.T) {
	t.Parallel()

	fake := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o700)) //nolint:gosec // test fixture

	cfg := &config.Config{ClaudeCLIPath: fake}
	path, err := FindHostCLI(cfg)
	require.NoError(t, err)
	assert.Equal(t, fake, path)
}

func TestFindHostCLI_MissingOverride(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ClaudeCLIPath: "/does/not/exist/claude"}
	_, err := FindHostCLI(cfg)
	require.ErrorIs(t, err, ErrHostCliNotFound)
}

func TestFindHostCLI_NotOnPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := FindHostCLI(nil)
	require.ErrorIs(t, err, ErrHostCliNotFound)
}
