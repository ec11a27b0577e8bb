package gemforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleEnvScopesToTarget(t *testing.T) {
	tc, err := LookupPlatform("aarch64-linux")
	require.NoError(t, err)
	gen := NewShimGenerator(filepath.Join(t.TempDir(), "shims"), "zig")

	env := AssembleEnv(tc, gen, "", "", "zig")

	assert.Equal(t, gen.Path("cc"), env.Target["CC_aarch64_unknown_linux_gnu"])
	assert.Equal(t, gen.Path("cc"), env.Target["CC_aarch64-unknown-linux-gnu"])
	assert.Equal(t, gen.Path("cxx"), env.Target["CXX_aarch64_unknown_linux_gnu"])
	assert.Equal(t, gen.Path("ar"), env.Target["AR_aarch64_unknown_linux_gnu"])
	assert.Equal(t, gen.Path("cc"), env.Target["CARGO_TARGET_AARCH64_UNKNOWN_LINUX_GNU_LINKER"])

	// generic compiler variables stay unset so host-side steps keep the
	// host toolchain
	for _, generic := range []string{"CC", "CXX", "AR", "PATH", "LD", "RUSTFLAGS"} {
		_, inTarget := env.Target[generic]
		_, inShared := env.Shared[generic]
		assert.False(t, inTarget || inShared, "generic %s must not be set", generic)
	}
}

func TestAssembleEnvRustflags(t *testing.T) {
	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)
	gen := NewShimGenerator(t.TempDir(), "zig")

	env := AssembleEnv(tc, gen, "", "2.17", "/opt/zig/zig")

	flags := env.Target["CARGO_TARGET_X86_64_UNKNOWN_LINUX_GNU_RUSTFLAGS"]
	assert.Equal(t, "-C link-arg=-target -C link-arg=x86_64-linux-gnu", flags)

	assert.Equal(t, "1", env.Shared["CRATE_CC_NO_DEFAULTS"])
	assert.Equal(t, "1", env.Shared["RB_SYS_CROSS_COMPILING"])
	assert.Equal(t, "yes", env.Shared["RBCONFIG_CROSS_COMPILING"])
	assert.Equal(t, "true", env.Shared["RUBY_STATIC"])
	assert.Equal(t, "2.17", env.Shared[EnvGlibc])
	assert.Equal(t, "/opt/zig/zig", env.Shared[EnvZig])
	assert.Equal(t, "-Wl,-z,lazy", env.Shared["RBCONFIG_DLDFLAGS"])
}

func TestAssembleEnvDarwinSkipsLinuxFlags(t *testing.T) {
	tc, err := LookupPlatform("arm64-darwin")
	require.NoError(t, err)
	env := AssembleEnv(tc, NewShimGenerator(t.TempDir(), "zig"), "", "", "zig")
	_, ok := env.Shared["RBCONFIG_DLDFLAGS"]
	assert.False(t, ok)
	_, ok = env.Shared[EnvGlibc]
	assert.False(t, ok)
}

func TestAssembleEnvRubyHeadersFallback(t *testing.T) {
	sysroot := t.TempDir()
	hdr := filepath.Join(sysroot, "usr/local/rake-compiler/rubies/ruby-3.3.5/include/ruby-3.3.0")
	require.NoError(t, os.MkdirAll(hdr, 0o755))

	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)
	env := AssembleEnv(tc, NewShimGenerator(t.TempDir(), "zig"), sysroot, "", "zig")

	assert.Equal(t, hdr, env.Shared["RBCONFIG_rubyhdrdir"])
	assert.Equal(t, filepath.Join(hdr, "x86_64-linux-gnu"), env.Shared["RBCONFIG_rubyarchhdrdir"])
}

func TestAssembleEnvParsesRbConfig(t *testing.T) {
	sysroot := t.TempDir()
	rubyRoot := filepath.Join(sysroot, "usr/local/rake-compiler/rubies/ruby-3.3.5")
	arch := filepath.Join(rubyRoot, "lib/ruby/3.3.0/x86_64-linux")
	require.NoError(t, os.MkdirAll(arch, 0o755))
	rbconfig := `module RbConfig
  CONFIG = {}
  CONFIG["MAJOR"] = "3"
  CONFIG["includedir"] = "$(prefix)/include"
  CONFIG["rubyhdrdir"] = "$(includedir)/ruby-3.3.0"
end
`
	require.NoError(t, os.WriteFile(filepath.Join(arch, "rbconfig.rb"), []byte(rbconfig), 0o644))

	tc, err := LookupPlatform("x86_64-linux")
	require.NoError(t, err)
	env := AssembleEnv(tc, NewShimGenerator(t.TempDir(), "zig"), sysroot, "", "zig")

	assert.Equal(t, "3", env.Shared["RBCONFIG_MAJOR"])
	// prefix is recomputed from the cache location, not the build machine
	assert.Equal(t, filepath.ToSlash(rubyRoot), env.Shared["RBCONFIG_prefix"])
	assert.Equal(t, filepath.ToSlash(rubyRoot)+"/include/ruby-3.3.0", env.Shared["RBCONFIG_rubyhdrdir"])
}

func TestMergedOverlaysProcessEnv(t *testing.T) {
	env := &BuildEnvironment{
		Target: map[string]string{"CC_foo": "/shims/cc"},
		Shared: map[string]string{"RUBY_STATIC": "true"},
	}
	merged := env.Merged()

	found := map[string]bool{}
	for _, kv := range merged {
		k, _, _ := strings.Cut(kv, "=")
		switch k {
		case "CC_foo", "RUBY_STATIC":
			found[k] = true
		}
	}
	assert.True(t, found["CC_foo"])
	assert.True(t, found["RUBY_STATIC"])
	// the process environment is still there
	assert.GreaterOrEqual(t, len(merged), len(os.Environ()))
}
