package gemforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPlatform(t *testing.T) {
	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", tc.RustTarget)
	assert.Equal(t, "linux/amd64", tc.ImagePlatform)
	assert.True(t, tc.Supported)
}

func TestLookupPlatformUnknown(t *testing.T) {
	_, err := LookupPlatform("riscv64-linux")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Contains(t, err.Error(), "riscv64-linux")
}

func TestLookupRustTarget(t *testing.T) {
	tc, err := LookupRustTarget("aarch64-apple-darwin")
	require.NoError(t, err)
	assert.Equal(t, "arm64-darwin", tc.Platform)

	// Two platforms share this triple; the supported one wins.
	tc, err = LookupRustTarget("x86_64-pc-windows-gnu")
	require.NoError(t, err)
	assert.True(t, tc.Supported)
}

func TestLookupAny(t *testing.T) {
	byPlatform, err := LookupAny("aarch64-linux")
	require.NoError(t, err)
	byTriple, err := LookupAny("aarch64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, byPlatform.Platform, byTriple.Platform)

	_, err = LookupAny("not-a-target")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestImageReference(t *testing.T) {
	tc, err := LookupPlatform("arm64-darwin")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/rake-compiler/rake-compiler-dock-image:1.10.0-mri-arm64-darwin", tc.Image())
}

func TestZigTarget(t *testing.T) {
	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-linux-gnu", tc.ZigTarget(""))
	assert.Equal(t, "x86_64-linux-gnu.2.17", tc.ZigTarget("2.17"))

	darwin, err := LookupPlatform("arm64-darwin")
	require.NoError(t, err)
	// glibc never applies outside Linux
	assert.Equal(t, "aarch64-apple-darwin", darwin.ZigTarget("2.17"))
}

func TestPlatformNamesTableOrder(t *testing.T) {
	names := PlatformNames()
	require.Len(t, names, 12)
	for i := range toolchains {
		assert.Equal(t, toolchains[i].Platform, names[i])
	}
	// the table starts with the arm targets, not alphabetically
	assert.Equal(t, "arm-linux", names[0])
}

func TestToolchainsTableOrder(t *testing.T) {
	list := Toolchains()
	require.Len(t, list, len(toolchains))
	for i := range toolchains {
		assert.Equal(t, toolchains[i].Platform, list[i].Platform)
	}
	// mutating the copy must not touch the table
	list[0].Platform = "mutated"
	assert.Equal(t, "arm-linux", toolchains[0].Platform)
}

func TestKeepPath(t *testing.T) {
	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)

	assert.True(t, tc.KeepPath("usr/include/ruby.h"))
	assert.True(t, tc.KeepPath("usr/lib/x86_64-linux-gnu/libcrypt.a"))
	assert.True(t, tc.KeepPath("usr/lib/x86_64-linux-gnu/crt1.o"))
	assert.True(t, tc.KeepPath("usr/local/rake-compiler/rubies/ruby-3.3.5/include/ruby-3.3.0/ruby.h"))
	assert.True(t, tc.KeepPath("usr/local/rake-compiler/rubies/ruby-3.3.5/lib/ruby/3.3.0/x86_64-linux/rbconfig.rb"))
	assert.True(t, tc.KeepPath("usr/local/rake-compiler/rubies/ruby-3.3.5/lib/libruby-static.a"))

	// shared objects never land in the cache
	assert.False(t, tc.KeepPath("usr/lib/x86_64-linux-gnu/libc.so.6"))
	assert.False(t, tc.KeepPath("usr/local/rake-compiler/rubies/ruby-3.3.5/lib/libruby.so"))
	// unrelated image content
	assert.False(t, tc.KeepPath("etc/passwd"))
	assert.False(t, tc.KeepPath("usr/bin/gcc"))
}

func TestKeepPathWindowsImportLibs(t *testing.T) {
	tc, err := LookupPlatform("x64-mingw-ucrt")
	require.NoError(t, err)
	assert.True(t, tc.KeepPath("usr/x86_64-w64-mingw32/lib/libws2_32.a"))
	assert.True(t, tc.KeepPath("usr/x86_64-w64-mingw32/lib/msvcrt.def"))
	assert.False(t, tc.KeepPath("usr/x86_64-w64-mingw32/bin/ld"))
	assert.True(t, tc.IsWindows())
}
