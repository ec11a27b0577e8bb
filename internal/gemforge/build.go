package gemforge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// BuildOptions configures one cross build.
type BuildOptions struct {
	Target       string   // Ruby platform id or Rust target triple
	Profile      string   // cargo profile, "release" by default
	Features     []string // cargo features
	Glibc        string   // glibc version for Linux targets, e.g. "2.17"
	Zig          string   // zig executable, defaults to config/PATH
	ManifestPath string   // path to Cargo.toml when not in cwd
	CargoArgs    []string // extra args passed through to cargo
}

// RunBuild is the top-level build flow: resolve the target, make sure its
// sysroot is cached, generate shims into a private directory, assemble the
// scoped environment and hand off to cargo. Cargo's exit status is
// propagated through BuildDelegationError.
func RunBuild(ctx context.Context, opts BuildOptions) error {
	tc, err := LookupAny(opts.Target)
	if err != nil {
		return err
	}
	if !tc.Supported {
		return fmt.Errorf("%w: %s is mapped to %s but not buildable yet", ErrUnknownPlatform, tc.Platform, tc.RustTarget)
	}

	zigPath := opts.Zig
	if zigPath == "" {
		zigPath = zigDefault
	}
	zigVersion, err := validateZig(ctx, zigPath)
	if err != nil {
		return err
	}
	infof("Using zig %s for %s (%s)\n", zigVersion, tc.Platform, tc.RustTarget)

	cache, err := OpenCache(CacheRoot)
	if err != nil {
		return err
	}
	extractor := NewExtractor(cache)
	sysroot, err := extractor.EnsureSysroot(ctx, tc)
	if err != nil {
		return err
	}

	// Shims live in a directory private to this invocation so parallel
	// builds for different targets never trample each other.
	shimDir, err := os.MkdirTemp("", "gemforge-shims-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShimGeneration, err)
	}
	defer os.RemoveAll(shimDir)

	gen := NewShimGenerator(shimDir, zigPath)
	if err := gen.Generate(); err != nil {
		return err
	}

	env := AssembleEnv(tc, gen, sysroot, opts.Glibc, zigPath)

	args := []string{"build", "--target", tc.RustTarget}
	profile := opts.Profile
	if profile == "" {
		profile = "release"
	}
	if profile != "dev" {
		args = append(args, "--profile", profile)
	}
	if len(opts.Features) > 0 {
		args = append(args, "--features", strings.Join(opts.Features, ","))
	}
	if opts.ManifestPath != "" {
		args = append(args, "--manifest-path", opts.ManifestPath)
	}
	args = append(args, opts.CargoArgs...)

	cmd := exec.Command("cargo", args...)
	cmd.Env = env.Merged()
	debugf("running cargo %s\n", strings.Join(args, " "))

	execCtx := NewExecutor(ctx)
	if err := execCtx.Run(cmd); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &BuildDelegationError{Code: ee.ExitCode()}
		}
		return fmt.Errorf("failed to run cargo: %w", err)
	}

	infof("Build completed: target/%s/%s/\n", tc.RustTarget, profileDir(profile))
	return nil
}

func profileDir(profile string) string {
	if profile == "dev" {
		return "debug"
	}
	return profile
}

// validateZig runs `zig version` and returns the reported version.
func validateZig(ctx context.Context, zigPath string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, zigPath, "version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to execute %s: is zig installed? (%v)", zigPath, err)
	}
	return strings.TrimSpace(out.String()), nil
}
