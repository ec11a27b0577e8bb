package gemforge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuildEnvironment holds the variables assembled for one cross build,
// separated from the ambient process environment. Target-scoped variables
// (compiler, linker, archiver, all qualified by the target triple) go in
// Target; generic variables that every build step may read go in Shared.
// Generic CC/CXX/AR/PATH entries are never produced: host-side steps like
// proc-macro compilation read those and must keep using the host
// toolchain.
type BuildEnvironment struct {
	Target map[string]string
	Shared map[string]string
}

// Merged flattens the environment on top of the current process
// environment, ready for exec. The struct itself never mutates the
// process environment.
func (e *BuildEnvironment) Merged() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.Shared)+len(e.Target))
	for k := range e.Shared {
		keys = append(keys, k)
	}
	for k := range e.Target {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := e.Target[k]; ok {
			env = append(env, k+"="+v)
		} else {
			env = append(env, k+"="+e.Shared[k])
		}
	}
	return env
}

// AssembleEnv builds the cross-compilation environment for a toolchain.
// Shims are referenced through the generator, the sysroot through the
// cache entry path. glibc and zigPath are forwarded to the shims.
func AssembleEnv(tc *Toolchain, shims *ShimGenerator, sysroot, glibc, zigPath string) *BuildEnvironment {
	env := &BuildEnvironment{
		Target: make(map[string]string),
		Shared: make(map[string]string),
	}

	triple := tc.RustTarget
	tripleUnderscore := strings.ReplaceAll(triple, "-", "_")
	tripleUpper := strings.ToUpper(tripleUnderscore)

	cc := shims.Path("cc")
	cxx := shims.Path("cxx")
	ar := shims.Path("ar")

	// cc-rs reads the underscore spelling first, the dashed one as a
	// fallback. Both are set; the generic CC/CXX/AR never are.
	env.Target["CC_"+tripleUnderscore] = cc
	env.Target["CXX_"+tripleUnderscore] = cxx
	env.Target["AR_"+tripleUnderscore] = ar
	env.Target["CC_"+triple] = cc
	env.Target["CXX_"+triple] = cxx
	env.Target["AR_"+triple] = ar

	env.Target["CARGO_TARGET_"+tripleUpper+"_LINKER"] = cc
	// zig only engages its bundled libc when the linker invocation names
	// the target, so the triple is forced through rustc's link args.
	env.Target["CARGO_TARGET_"+tripleUpper+"_RUSTFLAGS"] = fmt.Sprintf(
		"-C link-arg=-target -C link-arg=%s", normalizeZigTriple(triple, ""))

	// Keep cc-rs from injecting host-default flags into the cross build.
	env.Shared["CRATE_CC_NO_DEFAULTS"] = "1"

	env.Shared[EnvZig] = zigPath
	if glibc != "" {
		env.Shared[EnvGlibc] = glibc
	}

	if sysroot != "" {
		applyRubyConfig(env, sysroot, triple)
	}

	if strings.Contains(triple, "linux") {
		// Override host DLDFLAGS; macOS spellings break GNU ld.
		env.Shared["RBCONFIG_DLDFLAGS"] = "-Wl,-z,lazy"
	}

	env.Shared["RB_SYS_CROSS_COMPILING"] = "1"
	env.Shared["RBCONFIG_CROSS_COMPILING"] = "yes"
	env.Shared["RUBY_STATIC"] = "true"

	return env
}

// applyRubyConfig locates the newest cross-built Ruby in the sysroot and
// exports its rbconfig values (or computed header paths when rbconfig.rb
// is missing) as RBCONFIG_* variables.
func applyRubyConfig(env *BuildEnvironment, sysroot, triple string) {
	rubyRoot := findNewestRuby(sysroot)
	if rubyRoot == "" {
		debugf("no cross-built ruby found under %s\n", sysroot)
		return
	}

	rbconfig := findRbConfig(rubyRoot)
	if rbconfig != "" {
		values, err := ParseRbConfig(rbconfig)
		if err == nil {
			for k, v := range values {
				env.Shared["RBCONFIG_"+k] = v
			}
			debugf("loaded %d rbconfig values from %s\n", len(values), rbconfig)
			return
		}
		debugf("failed to parse %s: %v\n", rbconfig, err)
	}

	// Fallback: computed header paths.
	hdrdir := filepath.Join(rubyRoot, "include")
	entries, err := os.ReadDir(hdrdir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "ruby-") {
			hdr := filepath.Join(hdrdir, e.Name())
			env.Shared["RBCONFIG_rubyhdrdir"] = hdr
			env.Shared["RBCONFIG_rubyarchhdrdir"] = filepath.Join(hdr, strings.ReplaceAll(triple, "-unknown-", "-"))
			return
		}
	}
}

// findNewestRuby returns the highest-versioned ruby install directory in
// the cached sysroot, or "" when none is present.
func findNewestRuby(sysroot string) string {
	rubies := filepath.Join(sysroot, "usr/local/rake-compiler/rubies")
	entries, err := os.ReadDir(rubies)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	// Name order tracks version order for rake-compiler layouts.
	sort.Strings(names)
	return filepath.Join(rubies, names[len(names)-1])
}

// findRbConfig searches a ruby install for its rbconfig.rb.
func findRbConfig(rubyRoot string) string {
	matches, _ := filepath.Glob(filepath.Join(rubyRoot, "lib", "ruby", "*", "*", "rbconfig.rb"))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
