package gemforge

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// rbconfig.rb is machine-generated, one CONFIG assignment per line, so a
// line scan is enough. Escaped quotes do not occur in the values we need.
var rbconfigAssign = regexp.MustCompile(`^\s*CONFIG\["([^"]+)"\]\s*=\s*"((?:[^"\\]|\\.)*)"`)

var rbconfigVarRef = regexp.MustCompile(`\$\(([^)]+)\)`)

// ParseRbConfig extracts the CONFIG hash from a cross-built Ruby's
// rbconfig.rb. The install prefix is recomputed from the file's location,
// which keeps the paths valid wherever the cache lives, and makefile-style
// $(var) references are expanded against the hash.
func ParseRbConfig(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := rbconfigAssign.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		config[m[1]] = strings.ReplaceAll(m[2], `\"`, `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(config) == 0 {
		return nil, fmt.Errorf("no configuration values found in %s", path)
	}

	if prefix := rbconfigPrefix(path); prefix != "" {
		config["prefix"] = prefix
	}
	interpolateRbConfig(config)
	return config, nil
}

// rbconfigPrefix derives the install prefix from an rbconfig.rb path:
// everything before "/lib/ruby/".
func rbconfigPrefix(path string) string {
	slashed := filepath.ToSlash(path)
	if i := strings.Index(slashed, "/lib/ruby/"); i >= 0 {
		return slashed[:i]
	}
	return ""
}

// interpolateRbConfig expands $(var) references bottom-up. Values whose
// referents are themselves unexpanded are retried on the next pass;
// unresolvable references are left as-is.
func interpolateRbConfig(config map[string]string) {
	for range 10 {
		substituted := false
		for key, value := range config {
			if !strings.Contains(value, "$(") {
				continue
			}
			expanded := value
			for _, m := range rbconfigVarRef.FindAllStringSubmatch(value, -1) {
				ref, ok := config[m[1]]
				if ok && !strings.Contains(ref, "$(") {
					expanded = strings.ReplaceAll(expanded, m[0], ref)
					substituted = true
				}
			}
			config[key] = expanded
		}
		if !substituted {
			return
		}
	}
}
