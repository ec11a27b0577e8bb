package gemforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExtractTarget(t *testing.T) {
	tc, image, err := resolveExtractTarget("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-linux", tc.Platform)
	assert.Equal(t, tc.Image(), image)

	tc, _, err = resolveExtractTarget("aarch64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, "aarch64-linux", tc.Platform)

	tc, image, err = resolveExtractTarget("ghcr.io/rake-compiler/rake-compiler-dock-image:1.10.0-mri-arm64-darwin")
	require.NoError(t, err)
	assert.Equal(t, "arm64-darwin", tc.Platform)
	assert.Equal(t, "ghcr.io/rake-compiler/rake-compiler-dock-image:1.10.0-mri-arm64-darwin", image)

	_, _, err = resolveExtractTarget("ghcr.io/unrelated/image:latest")
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, _, err = resolveExtractTarget("bogus")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestBuildCommandUsageErrorExitCode(t *testing.T) {
	// a bad flag is a usage error (exit 1), not an unknown platform (exit 2)
	err := runBuildCommand(t.Context(), []string{"--no-such-flag"})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))

	err = runBuildCommand(t.Context(), []string{"--target", "bogus-platform"})
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestExtractCommandUsageErrorExitCode(t *testing.T) {
	err := runExtractCommand(t.Context(), []string{"--no-such-flag"})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.0 KiB", humanSize(1024))
	assert.Equal(t, "2.5 MiB", humanSize(5<<20/2))
	assert.Equal(t, "1.0 GiB", humanSize(1<<30))
}

func TestHelpDoesNotPanic(t *testing.T) {
	printHelp()
}
