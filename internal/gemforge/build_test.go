package gemforge

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBuildUnknownTarget(t *testing.T) {
	err := RunBuild(t.Context(), BuildOptions{Target: "riscv64-linux"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestRunBuildUnsupportedTarget(t *testing.T) {
	// x86-linux is mapped but not buildable
	err := RunBuild(t.Context(), BuildOptions{Target: "x86-linux"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Contains(t, err.Error(), "not buildable")
}

func TestValidateZig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "zig")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho 0.13.0\n"), 0o755))

	version, err := validateZig(t.Context(), fake)
	require.NoError(t, err)
	assert.Equal(t, "0.13.0", version)
}

func TestValidateZigMissing(t *testing.T) {
	_, err := validateZig(t.Context(), filepath.Join(t.TempDir(), "no-zig"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is zig installed")
}

func TestProfileDir(t *testing.T) {
	assert.Equal(t, "debug", profileDir("dev"))
	assert.Equal(t, "release", profileDir("release"))
	assert.Equal(t, "bench", profileDir("bench"))
}
