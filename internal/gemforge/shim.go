package gemforge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Environment variables read by the generated shims at compile time.
const (
	EnvZig   = "GEMFORGE_ZIG"        // zig executable the shims exec
	EnvGlibc = "GEMFORGE_GLIBC"      // optional glibc version, e.g. "2.17"
	EnvDebug = "GEMFORGE_SHIM_DEBUG" // log shim invocations to stderr
)

// ShimGenerator writes the cc/cxx/ar wrappers that translate compiler
// invocations into zig subcommands. On Unix the wrappers are bash scripts;
// on Windows they are copies of the gemforge executable itself which
// dispatches on its own basename (see RunShim).
type ShimGenerator struct {
	ShimDir string
	ZigPath string
}

// NewShimGenerator returns a generator writing under shimDir and wrapping
// the given zig executable.
func NewShimGenerator(shimDir, zigPath string) *ShimGenerator {
	return &ShimGenerator{ShimDir: shimDir, ZigPath: zigPath}
}

// shimNames lists the wrappers by role. The keys are also the file names
// (plus ".exe" on Windows); the values are the zig subcommands they run.
var shimNames = map[string]string{
	"cc":  "cc",
	"cxx": "c++",
	"ar":  "ar",
}

// Generate recreates the shim directory from scratch and writes all three
// wrappers. Shims are regenerated on every build so a stale zig path never
// survives.
func (g *ShimGenerator) Generate() error {
	if err := os.RemoveAll(g.ShimDir); err != nil {
		return fmt.Errorf("%w: cleaning shim dir: %v", ErrShimGeneration, err)
	}
	if err := os.MkdirAll(g.ShimDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating shim dir: %v", ErrShimGeneration, err)
	}
	if runtime.GOOS == "windows" {
		return g.generateWindows()
	}
	return g.generateUnix()
}

func (g *ShimGenerator) generateUnix() error {
	for name, subcommand := range shimNames {
		script := unixWrapperScript(g.ZigPath, subcommand)
		path := filepath.Join(g.ShimDir, name)
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			return fmt.Errorf("%w: writing %s shim: %v", ErrShimGeneration, name, err)
		}
	}
	return nil
}

// generateWindows copies the running executable under the shim names.
// When cargo later invokes cc.exe, main() recognizes the basename and
// calls RunShim instead of the normal CLI.
func (g *ShimGenerator) generateWindows() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("%w: locating own executable: %v", ErrShimGeneration, err)
	}
	for name := range shimNames {
		if err := copyFile(self, filepath.Join(g.ShimDir, name+".exe")); err != nil {
			return fmt.Errorf("%w: copying %s shim: %v", ErrShimGeneration, name, err)
		}
	}
	return nil
}

// Path returns the on-disk path of one wrapper by role ("cc", "cxx", "ar").
func (g *ShimGenerator) Path(name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(g.ShimDir, name+".exe")
	}
	return filepath.Join(g.ShimDir, name)
}

func unixWrapperScript(zigPath, subcommand string) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -e\n\n")
	fmt.Fprintf(&b, "if [ -n \"$%s\" ]; then\n", EnvDebug)
	fmt.Fprintf(&b, "    echo \"shim %s: $@\" >&2\n", subcommand)
	b.WriteString("fi\n\n")
	b.WriteString("declare -a clean_args=()\n")
	b.WriteString("skip_next=false\n")
	b.WriteString("for ((i=1; i<=$#; i++)); do\n")
	b.WriteString("    if [ \"$skip_next\" = true ]; then\n")
	b.WriteString("        skip_next=false\n")
	b.WriteString("        continue\n")
	b.WriteString("    fi\n")
	b.WriteString("    arg=\"${!i}\"\n")
	b.WriteString("    if [ \"$arg\" = \"-target\" ]; then\n")
	b.WriteString("        j=$((i+1))\n")
	b.WriteString("        triple=\"${!j}\"\n")
	b.WriteString("        clean_triple=\"${triple//-unknown-/-}\"\n")
	fmt.Fprintf(&b, "        if [ -n \"$%s\" ] && [[ \"$clean_triple\" == *-linux-* ]]; then\n", EnvGlibc)
	fmt.Fprintf(&b, "            clean_triple=\"${clean_triple}.${%s}\"\n", EnvGlibc)
	b.WriteString("        fi\n")
	b.WriteString("        clean_args+=(\"-target\" \"$clean_triple\")\n")
	b.WriteString("        skip_next=true\n")
	b.WriteString("    else\n")
	b.WriteString("        clean_args+=(\"$arg\")\n")
	b.WriteString("    fi\n")
	b.WriteString("done\n\n")
	fmt.Fprintf(&b, "exec %q %s \"${clean_args[@]}\"\n", zigPath, subcommand)
	return b.String()
}

// normalizeZigTriple rewrites a Rust target triple into zig's spelling:
// the "-unknown-" vendor segment is dropped, and the glibc version (if
// given) is appended to Linux triples.
func normalizeZigTriple(triple, glibc string) string {
	clean := strings.ReplaceAll(triple, "-unknown-", "-")
	if glibc != "" && strings.Contains(clean, "-linux-") {
		clean += "." + glibc
	}
	return clean
}

// RewriteArgs applies the shim's argument translation: every "-target"
// value has its "-unknown-" segment stripped and the glibc version
// appended when targeting Linux. All other arguments pass through
// untouched. This is the same rewrite the bash wrappers perform; keeping
// it here lets the Windows shims and the tests share one implementation.
func RewriteArgs(args []string, glibc string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-target" && i+1 < len(args) {
			out = append(out, "-target", normalizeZigTriple(args[i+1], glibc))
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// ShimRole inspects an argv[0] and reports which wrapper it names, if any.
// This is how the Windows binary shims are recognized in main().
func ShimRole(argv0 string) (subcommand string, ok bool) {
	base := strings.TrimSuffix(filepath.Base(argv0), ".exe")
	switch {
	case base == "ar" || strings.HasSuffix(base, "-ar"):
		return "ar", true
	case base == "cxx" || base == "c++" || strings.HasSuffix(base, "-cxx"):
		return "c++", true
	case base == "cc" || strings.HasSuffix(base, "-cc"):
		return "cc", true
	}
	return "", false
}

// RunShim executes one compiler invocation on behalf of a binary shim:
// the arguments are rewritten and handed to zig with the given
// subcommand. It returns zig's exit code.
func RunShim(subcommand string, args []string) int {
	zig := os.Getenv(EnvZig)
	if zig == "" {
		zig = zigDefault
	}
	clean := RewriteArgs(args, os.Getenv(EnvGlibc))
	if os.Getenv(EnvDebug) != "" {
		fmt.Fprintf(os.Stderr, "shim %s: %s\n", subcommand, strings.Join(clean, " "))
	}
	cmd := exec.Command(zig, append([]string{subcommand}, clean...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return ee.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "failed to execute %s: %v\n", zig, err)
		return 1
	}
	return 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
