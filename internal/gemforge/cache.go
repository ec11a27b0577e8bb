package gemforge

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

const metaFileName = ".gemforge-meta.json"

// CacheMeta is written at the root of every populated platform directory.
// Its presence marks the entry as complete; a directory without it is a
// leftover from an interrupted populate and is treated as absent.
type CacheMeta struct {
	PopulatedAt  time.Time `json:"populated_at"`
	SizeBytes    int64     `json:"size_bytes"`
	Digest       string    `json:"digest"` // blake3 over the extracted tree
	RubyVersions []string  `json:"ruby_versions,omitempty"`
	Image        string    `json:"image,omitempty"`
}

// CacheStore manages extracted sysroots under a root directory, one
// subdirectory per Ruby platform id.
type CacheStore struct {
	Root string
}

// OpenCache returns a store rooted at dir, creating it if needed.
func OpenCache(dir string) (*CacheStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return &CacheStore{Root: dir}, nil
}

// PathFor returns the directory a platform's sysroot lives in (or would
// live in). It does not check for existence.
func (c *CacheStore) PathFor(platform string) string {
	return filepath.Join(c.Root, platform)
}

// Has reports whether a complete sysroot exists for platform.
func (c *CacheStore) Has(platform string) bool {
	_, err := os.Stat(filepath.Join(c.PathFor(platform), metaFileName))
	return err == nil
}

// Meta reads the metadata of a populated entry.
func (c *CacheStore) Meta(platform string) (*CacheMeta, error) {
	data, err := os.ReadFile(filepath.Join(c.PathFor(platform), metaFileName))
	if err != nil {
		return nil, err
	}
	var meta CacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt cache metadata for %s: %w", platform, err)
	}
	return &meta, nil
}

// List returns the platforms with complete cache entries, sorted.
func (c *CacheStore) List() ([]string, error) {
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && c.Has(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes one platform's entry, or every entry when platform is "".
// Stale temp directories from interrupted populates are removed either way;
// lock files are left alone so an in-flight populate keeps its flock.
func (c *CacheStore) Clear(platform string) error {
	if platform != "" {
		return os.RemoveAll(c.PathFor(platform))
	}
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.Root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Populate fills the cache entry for platform atomically. The producer is
// called with an empty staging directory; when it returns nil the staged
// tree is published under the platform name in one rename. Readers never
// observe a partial entry. Concurrent populates of the same platform are
// serialized with a lock file where flock exists; elsewhere the rename
// publish arbitrates and the loser discards its staged copy.
func (c *CacheStore) Populate(platform, image string, producer func(stage string) error) error {
	return c.populate(platform, image, false, producer)
}

// Replace re-populates an entry that may already exist. The old entry stays
// readable until the staged tree is complete and is swapped out only at the
// final rename; a failed producer leaves it untouched.
func (c *CacheStore) Replace(platform, image string, producer func(stage string) error) error {
	return c.populate(platform, image, true, producer)
}

func (c *CacheStore) populate(platform, image string, replace bool, producer func(stage string) error) error {
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	release, err := acquireLock(filepath.Join(c.Root, "."+platform+".lock"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	defer release()

	// Another process may have finished while we waited for the lock.
	if !replace && c.Has(platform) {
		debugf("cache entry for %s appeared while waiting, skipping populate\n", platform)
		return nil
	}

	// Stage inside the cache root so the final rename stays on one filesystem.
	stage, err := os.MkdirTemp(c.Root, ".stage-"+platform+"-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	defer os.RemoveAll(stage)

	if err := producer(stage); err != nil {
		return err
	}

	meta := CacheMeta{
		PopulatedAt:  time.Now().UTC(),
		Image:        image,
		RubyVersions: detectRubyVersions(stage),
	}
	meta.SizeBytes, meta.Digest, err = hashTree(stage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	if err := os.WriteFile(filepath.Join(stage, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	// Publish. The renames must not be interrupted by the signal handler.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)
	final := c.PathFor(platform)

	// Platforms without flock can reach this point concurrently; the first
	// published entry stands and later stages are discarded.
	if !replace && c.Has(platform) {
		debugf("cache entry for %s published concurrently, discarding stage\n", platform)
		return nil
	}

	// Move any existing entry aside first so it can be restored if the
	// publish rename fails.
	var old string
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(c.Root, ".old-"+platform)
		_ = os.RemoveAll(old)
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}
	}
	if err := os.Rename(stage, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// hashTree walks a directory and returns its total regular-file size plus a
// blake3 digest over the sorted relative paths and file contents.
func hashTree(root string) (int64, string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	sort.Strings(files)

	var size int64
	h := blake3.New(32, nil)
	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return 0, "", err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return 0, "", err
		}
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return 0, "", err
		}
		size += n
	}
	return size, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// detectRubyVersions lists the Ruby versions present in a staged sysroot by
// looking at the rake-compiler rubies directory names, e.g.
// "ruby-3.3.5" -> "3.3.5".
func detectRubyVersions(stage string) []string {
	entries, err := os.ReadDir(filepath.Join(stage, "usr/local/rake-compiler/rubies"))
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if v, ok := strings.CutPrefix(name, "ruby-"); ok {
			versions = append(versions, v)
		} else if name != "" && name[0] >= '0' && name[0] <= '9' {
			versions = append(versions, name)
		}
	}
	sort.Strings(versions)
	return versions
}
