package gemforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStageFile(t *testing.T, stage, rel, content string) {
	t.Helper()
	path := filepath.Join(stage, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCachePopulateAndHas(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	assert.False(t, cache.Has("x86_64-linux"))

	err = cache.Populate("x86_64-linux", "ghcr.io/example:tag", func(stage string) error {
		writeStageFile(t, stage, "usr/include/ruby.h", "#define RUBY_H")
		writeStageFile(t, stage, "usr/local/rake-compiler/rubies/ruby-3.3.5/include/ruby.h", "x")
		return nil
	})
	require.NoError(t, err)

	assert.True(t, cache.Has("x86_64-linux"))

	meta, err := cache.Meta("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/example:tag", meta.Image)
	assert.Equal(t, []string{"3.3.5"}, meta.RubyVersions)
	assert.NotEmpty(t, meta.Digest)
	assert.Positive(t, meta.SizeBytes)
	assert.False(t, meta.PopulatedAt.IsZero())

	// the staged file landed at its final path
	data, err := os.ReadFile(filepath.Join(cache.PathFor("x86_64-linux"), "usr/include/ruby.h"))
	require.NoError(t, err)
	assert.Equal(t, "#define RUBY_H", string(data))
}

func TestCachePopulateFailureLeavesNoEntry(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	err = cache.Populate("aarch64-linux", "img", func(stage string) error {
		writeStageFile(t, stage, "usr/include/partial.h", "partial")
		return ErrRegistryFetch
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryFetch)

	assert.False(t, cache.Has("aarch64-linux"))
	// no staging leftovers visible as entries
	list, err := cache.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCachePopulateSkipsWhenPresent(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cache.Populate("arm-linux", "img", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "first")
		return nil
	}))

	called := false
	require.NoError(t, cache.Populate("arm-linux", "img", func(stage string) error {
		called = true
		return nil
	}))
	assert.False(t, called, "populated entries are never re-extracted")
}

func TestCacheReplaceSwapsEntry(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cache.Populate("x86_64-linux", "img:v1", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "first")
		return nil
	}))

	require.NoError(t, cache.Replace("x86_64-linux", "img:v2", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "second")
		return nil
	}))

	data, err := os.ReadFile(filepath.Join(cache.PathFor("x86_64-linux"), "usr/include/a.h"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	meta, err := cache.Meta("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "img:v2", meta.Image)

	// no leftover aside directory after the swap
	entries, err := os.ReadDir(cache.Root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".old-")
	}
}

func TestCacheReplaceFailureKeepsOldEntry(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cache.Populate("x86_64-linux", "img:v1", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "first")
		return nil
	}))

	err = cache.Replace("x86_64-linux", "img:v2", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "half-written")
		return ErrRegistryFetch
	})
	require.ErrorIs(t, err, ErrRegistryFetch)

	// the old entry survives a failed re-population untouched
	assert.True(t, cache.Has("x86_64-linux"))
	data, err := os.ReadFile(filepath.Join(cache.PathFor("x86_64-linux"), "usr/include/a.h"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	meta, err := cache.Meta("x86_64-linux")
	require.NoError(t, err)
	assert.Equal(t, "img:v1", meta.Image)
}

func TestCachePopulateDiscardsLoserStage(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	// the producer publishes a competing entry directly, standing in for a
	// concurrent populate on a platform without flock
	err = cache.Populate("x86_64-linux", "img:loser", func(stage string) error {
		winner := cache.PathFor("x86_64-linux")
		require.NoError(t, os.MkdirAll(filepath.Join(winner, "usr/include"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(winner, "usr/include/a.h"), []byte("winner"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(winner, metaFileName), []byte(`{"image":"img:winner"}`), 0o644))
		writeStageFile(t, stage, "usr/include/a.h", "loser")
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cache.PathFor("x86_64-linux"), "usr/include/a.h"))
	require.NoError(t, err)
	assert.Equal(t, "winner", string(data))
}

func TestCacheClearSparesLockFiles(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cache.Populate("x86_64-linux", "img", func(stage string) error {
		writeStageFile(t, stage, "usr/include/a.h", "x")
		return nil
	}))
	lock := filepath.Join(cache.Root, ".x86_64-linux.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	require.NoError(t, cache.Clear(""))
	assert.False(t, cache.Has("x86_64-linux"))
	// an in-flight populate's flock must keep pointing at a live inode
	assert.FileExists(t, lock)
}

func TestCacheListAndClear(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"x86_64-linux", "arm64-darwin"} {
		require.NoError(t, cache.Populate(p, "img", func(stage string) error {
			writeStageFile(t, stage, "usr/include/a.h", p)
			return nil
		}))
	}

	list, err := cache.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"arm64-darwin", "x86_64-linux"}, list)

	require.NoError(t, cache.Clear("arm64-darwin"))
	assert.False(t, cache.Has("arm64-darwin"))
	assert.True(t, cache.Has("x86_64-linux"))

	require.NoError(t, cache.Clear(""))
	list, err = cache.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCacheMetaMissing(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	_, err = cache.Meta("x86_64-linux")
	assert.Error(t, err)
}

func TestHashTreeIsOrderIndependentAndContentSensitive(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	for _, d := range []string{dirA, dirB} {
		require.NoError(t, os.MkdirAll(filepath.Join(d, "sub"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(d, "a.h"), []byte("alpha"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(d, "sub", "b.h"), []byte("beta"), 0o644))
	}

	sizeA, digestA, err := hashTree(dirA)
	require.NoError(t, err)
	sizeB, digestB, err := hashTree(dirB)
	require.NoError(t, err)
	assert.Equal(t, digestA, digestB)
	assert.Equal(t, sizeA, sizeB)
	assert.EqualValues(t, len("alpha")+len("beta"), sizeA)

	require.NoError(t, os.WriteFile(filepath.Join(dirB, "a.h"), []byte("gamma"), 0o644))
	_, digestB2, err := hashTree(dirB)
	require.NoError(t, err)
	assert.NotEqual(t, digestA, digestB2)
}
