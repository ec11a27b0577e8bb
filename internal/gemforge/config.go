package gemforge

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/gemforge.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge GEMFORGE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = os.TempDir()
	}

	return cfg, nil
}

// Merge GEMFORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "GEMFORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	CacheRoot = cfg.Values["GEMFORGE_CACHE_DIR"]
	if CacheRoot == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = "."
		}
		CacheRoot = filepath.Join(base, "gemforge")
	}

	Debug = cfg.Values["GEMFORGE_DEBUG"] == "1"
	Quiet = cfg.Values["GEMFORGE_QUIET"] == "1"

	if img := cfg.Values["GEMFORGE_IMAGE_PREFIX"]; img != "" {
		imagePrefix = strings.TrimRight(img, "/")
		debugf("=> Using image prefix from config: %s\n", imagePrefix)
	}
	if tag := cfg.Values["GEMFORGE_IMAGE_TAG"]; tag != "" {
		imageTag = tag
	}
	if zig := cfg.Values["GEMFORGE_ZIG"]; zig != "" {
		zigDefault = zig
	}

	if mirror := cfg.Values["GEMFORGE_MIRROR"]; mirror != "" {
		SysrootMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using sysroot mirror: %s\n", SysrootMirror)
	}
}
