package gemforge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: gemforge <command> [arguments]")
	colSuccess.Println("Run 'gemforge <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"list, ls", "[targets|cached]", "List supported targets or cached sysroots"},
		{"build, b", "--target <triple> [options] [-- cargo args]", "Cross-compile the current crate"},
		{"extract, x", "<platform|image-ref>", "Extract a target sysroot into the cache"},
		{"cache", "path|clear|import ...", "Inspect or manage the sysroot cache"},
		{"upload", "[platform...] [--yes]", "Publish cached sysroots to the configured mirror"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for the gemforge binary. It returns the
// process exit code.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					colArrow.Print("\n-> ")
					colError.Printf("Cache publish in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling gracefully\n", sig)
					cancel()
					time.Sleep(100 * time.Millisecond)
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						os.Exit(130)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return 0
	}

	if path := os.Getenv("GEMFORGE_CONF"); path != "" {
		ConfigFile = path
	}
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
	}
	initConfig(cfg)

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("gemforge %s (%s) built %s\n", version, arch, buildDate)
		return 0

	case "list", "ls":
		return runList(os.Args[2:])

	case "build", "b":
		return report(runBuildCommand(ctx, os.Args[2:]))

	case "extract", "x":
		return report(runExtractCommand(ctx, os.Args[2:]))

	case "cache":
		return report(runCacheCommand(os.Args[2:]))

	case "upload":
		cache, err := OpenCache(CacheRoot)
		if err != nil {
			return report(err)
		}
		return report(handleUploadCommand(os.Args[2:], cfg, cache))

	case "help", "--help", "-h":
		printHelp()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printHelp()
		return 1
	}
}

// report prints an error and converts it to an exit code.
func report(err error) int {
	if err == nil {
		return 0
	}
	var bde *BuildDelegationError
	if !errors.As(err, &bde) {
		colArrow.Print("-> ")
		colError.Printf("%v\n", err)
	}
	return ExitCode(err)
}

func runList(args []string) int {
	what := "targets"
	if len(args) > 0 {
		what = args[0]
	}
	switch what {
	case "targets":
		colArrow.Print("-> ")
		colSuccess.Println("Supported target platforms:")
		for _, tc := range Toolchains() {
			status := ""
			if !tc.Supported {
				status = "  (not yet supported)"
			}
			fmt.Printf("  %-20s %s%s\n", tc.Platform, tc.RustTarget, status)
		}
		return 0
	case "cached":
		cache, err := OpenCache(CacheRoot)
		if err != nil {
			return report(err)
		}
		platforms, err := cache.List()
		if err != nil {
			return report(err)
		}
		if len(platforms) == 0 {
			colNote.Println("No cached sysroots")
			return 0
		}
		for _, p := range platforms {
			meta, err := cache.Meta(p)
			if err != nil {
				fmt.Printf("  %-20s (unreadable metadata)\n", p)
				continue
			}
			fmt.Printf("  %-20s %8s  rubies: %s  extracted %s\n",
				p, humanSize(meta.SizeBytes),
				strings.Join(meta.RubyVersions, ", "),
				meta.PopulatedAt.Format("2006-01-02"))
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown list argument: %s (want targets or cached)\n", what)
		return 1
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func runBuildCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	target := fs.String("target", "", "platform id or Rust target triple (required)")
	fs.StringVar(target, "t", "", "shorthand for --target")
	profile := fs.String("profile", "release", "cargo profile")
	features := fs.String("features", "", "comma-separated cargo features")
	glibc := fs.String("glibc", os.Getenv(EnvGlibc), "glibc version for Linux targets, e.g. 2.17")
	zig := fs.String("zig", os.Getenv(EnvZig), "zig executable to wrap")
	manifest := fs.String("manifest-path", "", "path to Cargo.toml")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	verbose := fs.Bool("verbose", false, "enable debug output")

	// Everything after "--" goes to cargo untouched.
	var cargoArgs []string
	for i, a := range args {
		if a == "--" {
			cargoArgs = args[i+1:]
			args = args[:i]
			break
		}
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *target == "" {
		fs.Usage()
		return fmt.Errorf("%w: --target is required", ErrUnknownPlatform)
	}
	if *quiet {
		Quiet = true
	}
	if *verbose {
		Debug = true
	}

	opts := BuildOptions{
		Target:       *target,
		Profile:      *profile,
		Glibc:        *glibc,
		Zig:          *zig,
		ManifestPath: *manifest,
		CargoArgs:    cargoArgs,
	}
	if *features != "" {
		opts.Features = strings.Split(*features, ",")
	}
	return RunBuild(ctx, opts)
}

func runExtractCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "suppress progress output")
	verbose := fs.Bool("verbose", false, "enable debug output")
	force := fs.Bool("force", false, "re-extract even when cached")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: extract needs exactly one platform or image reference", ErrUnknownPlatform)
	}
	if *quiet {
		Quiet = true
	}
	if *verbose {
		Debug = true
	}

	ref := fs.Arg(0)
	tc, imageRef, err := resolveExtractTarget(ref)
	if err != nil {
		return err
	}

	cache, err := OpenCache(CacheRoot)
	if err != nil {
		return err
	}
	if cache.Has(tc.Platform) && !*force {
		colNote.Printf("Sysroot for %s already cached at %s\n", tc.Platform, cache.PathFor(tc.Platform))
		return nil
	}

	// --force keeps the old entry in place until the new one is complete.
	extractor := NewExtractor(cache)
	if *force {
		err = extractor.Reextract(ctx, tc, imageRef)
	} else {
		err = extractor.Extract(ctx, tc, imageRef)
	}
	if err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Extracted %s into %s\n", tc.Platform, cache.PathFor(tc.Platform))
	return nil
}

// resolveExtractTarget accepts either a platform id, a Rust triple, or a
// full image reference whose tag ends in a platform id.
func resolveExtractTarget(ref string) (*Toolchain, string, error) {
	if tc, err := LookupAny(ref); err == nil {
		return tc, tc.Image(), nil
	}
	if strings.ContainsAny(ref, "/:") {
		for _, name := range PlatformNames() {
			if strings.HasSuffix(ref, "-"+name) {
				tc, err := LookupPlatform(name)
				if err != nil {
					return nil, "", err
				}
				return tc, ref, nil
			}
		}
		return nil, "", fmt.Errorf("%w: cannot infer platform from image reference %q", ErrUnknownPlatform, ref)
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownPlatform, ref)
}

func runCacheCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("cache needs a subcommand: path, clear or import")
	}
	cache, err := OpenCache(CacheRoot)
	if err != nil {
		return err
	}

	switch args[0] {
	case "path":
		if len(args) > 1 {
			tc, err := LookupAny(args[1])
			if err != nil {
				return err
			}
			fmt.Println(cache.PathFor(tc.Platform))
		} else {
			fmt.Println(cache.Root)
		}
		return nil

	case "clear":
		platform := ""
		if len(args) > 1 {
			tc, err := LookupAny(args[1])
			if err != nil {
				return err
			}
			platform = tc.Platform
		}
		if err := cache.Clear(platform); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}
		colArrow.Print("-> ")
		if platform == "" {
			colSuccess.Println("Cache cleared")
		} else {
			colSuccess.Printf("Cleared cached sysroot for %s\n", platform)
		}
		return nil

	case "import":
		if len(args) != 3 {
			return fmt.Errorf("usage: gemforge cache import <platform> <tarball>")
		}
		tc, err := LookupAny(args[1])
		if err != nil {
			return err
		}
		tarball := args[2]
		if _, err := os.Stat(tarball); err != nil {
			return fmt.Errorf("cannot read %s: %w", tarball, err)
		}
		err = cache.Populate(tc.Platform, "import:"+tarball, func(stage string) error {
			if err := unpackSysroot(tarball, stage); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheWrite, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Imported %s into %s\n", tarball, cache.PathFor(tc.Platform))
		return nil

	default:
		return fmt.Errorf("unknown cache subcommand: %s", args[0])
	}
}
