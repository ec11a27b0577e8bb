package gemforge

import (
	"fmt"
	"strings"
)

// Toolchain describes one cross-compilation target: the Ruby platform id,
// the Rust target triple it maps to, and where its headers and static
// libraries live inside the rake-compiler-dock image filesystem.
type Toolchain struct {
	Platform        string   // Ruby platform id, e.g. "x86_64-linux"
	RustTarget      string   // Rust target triple, e.g. "x86_64-unknown-linux-gnu"
	ImagePlatform   string   // OCI platform selector, e.g. "linux/amd64"
	SysrootPrefixes []string // image paths holding target headers/libs
	Supported       bool     // false means mapped but not buildable yet
}

// RubyPrefixes are the image paths holding the cross-built Ruby
// installations (headers, rbconfig.rb, static libruby). They are the same
// for every rake-compiler-dock image.
var RubyPrefixes = []string{
	"usr/local/rake-compiler/rubies/",
	"usr/local/rake-compiler/ruby/",
}

var toolchains = []Toolchain{
	{
		Platform:        "arm-linux",
		RustTarget:      "arm-unknown-linux-gnueabihf",
		ImagePlatform:   "linux/arm/v7",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/arm-linux-gnueabihf/"},
		Supported:       true,
	},
	{
		Platform:        "aarch64-linux",
		RustTarget:      "aarch64-unknown-linux-gnu",
		ImagePlatform:   "linux/arm64",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/aarch64-linux-gnu/"},
		Supported:       true,
	},
	{
		Platform:        "aarch64-linux-musl",
		RustTarget:      "aarch64-unknown-linux-musl",
		ImagePlatform:   "linux/arm64",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/aarch64-linux-musl/"},
		Supported:       true,
	},
	{
		Platform:        "arm64-darwin",
		RustTarget:      "aarch64-apple-darwin",
		ImagePlatform:   "linux/arm64",
		SysrootPrefixes: []string{"opt/osxcross/target/SDK/"},
		Supported:       true,
	},
	{
		Platform:        "x64-mingw-ucrt",
		RustTarget:      "x86_64-pc-windows-gnu",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/x86_64-w64-mingw32/"},
		Supported:       true,
	},
	{
		Platform:        "aarch64-mingw-ucrt",
		RustTarget:      "aarch64-pc-windows-gnullvm",
		ImagePlatform:   "linux/arm64",
		SysrootPrefixes: []string{"usr/aarch64-w64-mingw32/"},
		Supported:       true,
	},
	{
		Platform:        "x64-mingw32",
		RustTarget:      "x86_64-pc-windows-gnu",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/x86_64-w64-mingw32/"},
		Supported:       true,
	},
	{
		Platform:        "x86-linux",
		RustTarget:      "i686-unknown-linux-gnu",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/i386-linux-gnu/"},
		Supported:       false,
	},
	{
		Platform:        "x86-mingw32",
		RustTarget:      "i686-pc-windows-gnu",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/i686-w64-mingw32/"},
		Supported:       false,
	},
	{
		Platform:        "x86_64-darwin",
		RustTarget:      "x86_64-apple-darwin",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"opt/osxcross/target/SDK/"},
		Supported:       true,
	},
	{
		Platform:        "x86_64-linux",
		RustTarget:      "x86_64-unknown-linux-gnu",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/x86_64-linux-gnu/"},
		Supported:       true,
	},
	{
		Platform:        "x86_64-linux-musl",
		RustTarget:      "x86_64-unknown-linux-musl",
		ImagePlatform:   "linux/amd64",
		SysrootPrefixes: []string{"usr/include/", "usr/lib/x86_64-linux-musl/"},
		Supported:       true,
	},
}

// LookupPlatform resolves a Ruby platform id to its toolchain.
func LookupPlatform(platform string) (*Toolchain, error) {
	for i := range toolchains {
		if toolchains[i].Platform == platform {
			return &toolchains[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownPlatform, platform, strings.Join(PlatformNames(), ", "))
}

// LookupRustTarget resolves a Rust target triple to its toolchain. Triples
// shared by several platforms (x86_64-pc-windows-gnu) resolve to the first
// supported entry in table order.
func LookupRustTarget(triple string) (*Toolchain, error) {
	var fallback *Toolchain
	for i := range toolchains {
		if toolchains[i].RustTarget != triple {
			continue
		}
		if toolchains[i].Supported {
			return &toolchains[i], nil
		}
		if fallback == nil {
			fallback = &toolchains[i]
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: no platform maps to rust target %q", ErrUnknownPlatform, triple)
}

// LookupAny accepts either a Ruby platform id or a Rust target triple.
func LookupAny(name string) (*Toolchain, error) {
	if tc, err := LookupPlatform(name); err == nil {
		return tc, nil
	}
	return LookupRustTarget(name)
}

// PlatformNames returns all known Ruby platform ids in table order.
func PlatformNames() []string {
	names := make([]string, 0, len(toolchains))
	for i := range toolchains {
		names = append(names, toolchains[i].Platform)
	}
	return names
}

// Toolchains returns a copy of the full table in table order.
func Toolchains() []Toolchain {
	out := make([]Toolchain, len(toolchains))
	copy(out, toolchains)
	return out
}

// Image returns the rake-compiler-dock image reference for this toolchain.
func (t *Toolchain) Image() string {
	return fmt.Sprintf("%s:%s-%s", imagePrefix, imageTag, t.Platform)
}

// ZigTarget rewrites the Rust triple into the spelling zig understands:
// the "-unknown-" vendor segment is dropped. An optional glibc version is
// appended for Linux targets.
func (t *Toolchain) ZigTarget(glibc string) string {
	return normalizeZigTriple(t.RustTarget, glibc)
}

// IsWindows reports whether the target produces PE binaries.
func (t *Toolchain) IsWindows() bool {
	return strings.Contains(t.RustTarget, "-windows-")
}

// KeepPath decides whether an image path belongs in the extracted sysroot.
// Headers, import/static libraries and the Ruby installs are kept; shared
// objects and everything else are skipped.
func (t *Toolchain) KeepPath(path string) bool {
	if strings.Contains(path, ".so") {
		return false
	}
	for _, prefix := range RubyPrefixes {
		if strings.HasPrefix(path, prefix) {
			if strings.HasSuffix(path, ".h") || strings.HasSuffix(path, ".a") ||
				strings.HasSuffix(path, "rbconfig.rb") || strings.Contains(path, "/include/") {
				return true
			}
			return false
		}
	}
	for _, prefix := range t.SysrootPrefixes {
		if strings.HasPrefix(path, prefix) {
			switch {
			case strings.HasSuffix(path, ".h"), strings.HasSuffix(path, ".def"),
				strings.HasSuffix(path, ".a"), strings.HasSuffix(path, ".o"):
				return true
			}
			return false
		}
	}
	return false
}
