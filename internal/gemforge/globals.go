package gemforge

import (
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// A value of 1 means a cache publish is in flight and must not be interrupted.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	CacheRoot  string
	Debug      bool
	Quiet      bool
	ConfigFile = "/etc/gemforge.conf"

	// SysrootMirror is an optional HTTP(S) mirror of pre-extracted sysroot
	// tarballs, tried before the OCI registry.
	SysrootMirror string

	imagePrefix = "ghcr.io/rake-compiler/rake-compiler-dock-image"
	imageTag    = "1.10.0-mri"
	zigDefault  = "zig"

	version   = "dev" // overridden at build time
	arch      = runtime.GOARCH
	buildDate = "unknown" // overridden at build time
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
