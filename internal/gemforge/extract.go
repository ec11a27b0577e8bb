package gemforge

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Extractor pulls rake-compiler-dock images from an OCI registry and
// populates the cache with the target's headers, static libraries and
// cross-built Rubies. Layers are streamed; the image is never assembled
// on disk.
type Extractor struct {
	Cache *CacheStore
}

func NewExtractor(cache *CacheStore) *Extractor {
	return &Extractor{Cache: cache}
}

// EnsureSysroot returns the cache path for a toolchain, extracting its
// image first when the entry is missing. A populated entry is never
// re-extracted.
func (x *Extractor) EnsureSysroot(ctx context.Context, tc *Toolchain) (string, error) {
	if x.Cache.Has(tc.Platform) {
		debugf("sysroot for %s already cached\n", tc.Platform)
		return x.Cache.PathFor(tc.Platform), nil
	}
	if err := x.Extract(ctx, tc, tc.Image()); err != nil {
		return "", err
	}
	return x.Cache.PathFor(tc.Platform), nil
}

// Extract populates the cache entry for tc from the given image reference.
// When a sysroot mirror is configured it is tried first; the registry is
// the fallback.
func (x *Extractor) Extract(ctx context.Context, tc *Toolchain, imageRef string) error {
	return x.Cache.Populate(tc.Platform, imageRef, x.producer(ctx, tc, imageRef))
}

// Reextract replaces an existing cache entry with freshly pulled content.
// The old sysroot stays readable until the new one is complete; a failed
// pull leaves it untouched.
func (x *Extractor) Reextract(ctx context.Context, tc *Toolchain, imageRef string) error {
	return x.Cache.Replace(tc.Platform, imageRef, x.producer(ctx, tc, imageRef))
}

func (x *Extractor) producer(ctx context.Context, tc *Toolchain, imageRef string) func(stage string) error {
	return func(stage string) error {
		if SysrootMirror != "" {
			err := fetchSysrootFromMirror(ctx, tc, stage)
			if err == nil {
				infof("Sysroot for %s fetched from mirror\n", tc.Platform)
				return nil
			}
			debugf("mirror miss for %s: %v\n", tc.Platform, err)
			// a half-unpacked mirror tarball must not leak into the
			// registry extraction
			if err := clearDir(stage); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheWrite, err)
			}
		}
		return x.pullImage(ctx, tc, imageRef, stage)
	}
}

// pullImage streams the image layers into stage, keeping only the paths
// the toolchain wants.
func (x *Extractor) pullImage(ctx context.Context, tc *Toolchain, imageRef, stage string) error {
	if _, err := registry.ParseReference(imageRef); err != nil {
		return fmt.Errorf("%w: invalid image reference %q: %v", ErrRegistryFetch, imageRef, err)
	}
	repo, err := remote.NewRepository(imageRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryFetch, err)
	}
	// Anonymous pull. No retrying transport: a failed fetch surfaces
	// immediately and the caller decides what to do.
	repo.Client = &auth.Client{
		Client: &http.Client{},
		Cache:  auth.NewCache(),
	}

	infof("Pulling %s\n", imageRef)
	manifest, err := resolveManifest(ctx, repo, imageRef, tc.ImagePlatform)
	if err != nil {
		return err
	}
	if len(manifest.Layers) == 0 {
		return fmt.Errorf("%w: image %s has no layers", ErrCorruptLayer, imageRef)
	}

	return x.extractLayers(ctx, repo, manifest.Layers, tc, stage)
}

// resolveManifest fetches the manifest for imageRef, descending through a
// multi-platform index to the entry matching imagePlatform.
func resolveManifest(ctx context.Context, repo *remote.Repository, imageRef, imagePlatform string) (*ocispec.Manifest, error) {
	desc, rc, err := repo.FetchReference(ctx, imageRef)
	if err != nil {
		return nil, mapRegistryErr(err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", ErrRegistryFetch, err)
	}

	if isIndexMediaType(desc.MediaType) {
		var index ocispec.Index
		if err := json.Unmarshal(body, &index); err != nil {
			return nil, fmt.Errorf("%w: parsing image index: %v", ErrCorruptLayer, err)
		}
		target, err := selectPlatform(index.Manifests, imagePlatform)
		if err != nil {
			return nil, err
		}
		rc, err := repo.Manifests().Fetch(ctx, *target)
		if err != nil {
			return nil, mapRegistryErr(err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading manifest: %v", ErrRegistryFetch, err)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest: %v", ErrCorruptLayer, err)
	}
	return &manifest, nil
}

func isIndexMediaType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex ||
		mt == "application/vnd.docker.distribution.manifest.list.v2+json"
}

// selectPlatform picks the index entry matching an "os/arch[/variant]"
// selector, falling back to the first entry when nothing matches.
func selectPlatform(manifests []ocispec.Descriptor, imagePlatform string) (*ocispec.Descriptor, error) {
	if len(manifests) == 0 {
		return nil, fmt.Errorf("%w: image index has no manifests", ErrRegistryFetch)
	}
	for i, m := range manifests {
		if m.Platform == nil {
			continue
		}
		got := m.Platform.OS + "/" + m.Platform.Architecture
		if m.Platform.Variant != "" {
			got += "/" + m.Platform.Variant
		}
		if got == imagePlatform {
			return &manifests[i], nil
		}
	}
	debugf("image index has no entry for %s, using the first manifest\n", imagePlatform)
	return &manifests[0], nil
}

// spooledLayer is one layer blob downloaded to a temp file, or the error
// that prevented it.
type spooledLayer struct {
	path string
	err  error
}

// extractLayers walks the layers in order, applying last-layer-wins
// semantics. While one layer's tar stream is being unpacked, the next
// layer's blob is already downloading, so network and disk work overlap.
func (x *Extractor) extractLayers(ctx context.Context, repo *remote.Repository, layers []ocispec.Descriptor, tc *Toolchain, stage string) error {
	next := make(chan spooledLayer)
	spool := func(desc ocispec.Descriptor, label string) {
		p, err := x.spoolBlob(ctx, repo, desc, label)
		next <- spooledLayer{path: p, err: err}
	}

	go spool(layers[0], layerLabel(0, len(layers)))
	for i := range layers {
		got := <-next
		if i+1 < len(layers) {
			go spool(layers[i+1], layerLabel(i+1, len(layers)))
		}
		if got.err != nil {
			// Drain the prefetch goroutine before returning.
			if i+1 < len(layers) {
				drained := <-next
				if drained.path != "" {
					os.Remove(drained.path)
				}
			}
			return got.err
		}
		err := applyLayer(got.path, layers[i].MediaType, tc, stage)
		os.Remove(got.path)
		if err != nil {
			if i+1 < len(layers) {
				drained := <-next
				if drained.path != "" {
					os.Remove(drained.path)
				}
			}
			return err
		}
	}
	return nil
}

func layerLabel(i, n int) string {
	return fmt.Sprintf("layer %d/%d", i+1, n)
}

// spoolBlob downloads one layer blob to a temp file, verifying its digest
// on the way through.
func (x *Extractor) spoolBlob(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor, label string) (string, error) {
	rc, err := repo.Blobs().Fetch(ctx, desc)
	if err != nil {
		return "", mapRegistryErr(err)
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "gemforge-layer-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	verifier := desc.Digest.Verifier()
	var w io.Writer = io.MultiWriter(f, verifier)
	var bar *progressbar.ProgressBar
	if showProgress() {
		bar = progressbar.DefaultBytes(desc.Size, label)
		w = io.MultiWriter(w, bar)
	}

	_, err = io.Copy(w, rc)
	if bar != nil {
		bar.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: downloading %s: %v", ErrRegistryFetch, desc.Digest, err)
	}
	if !verifier.Verified() {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: digest mismatch for %s", ErrCorruptLayer, desc.Digest)
	}
	return f.Name(), nil
}

// clearDir empties a directory without removing it.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func showProgress() bool {
	return !Quiet && term.IsTerminal(int(os.Stderr.Fd()))
}

// applyLayer unpacks one spooled layer into stage. Files already written
// by an earlier layer are overwritten; whiteout markers for paths we never
// extracted are skipped.
func applyLayer(blobPath, mediaType string, tc *Toolchain, stage string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	defer f.Close()

	var stream io.Reader
	switch {
	case strings.HasSuffix(mediaType, "gzip"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", ErrCorruptLayer, err)
		}
		defer gz.Close()
		stream = gz
	case strings.HasSuffix(mediaType, "zstd"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrCorruptLayer, err)
		}
		defer zr.Close()
		stream = zr
	case strings.HasSuffix(mediaType, "tar"):
		stream = f
	default:
		return fmt.Errorf("%w: unsupported layer media type %q", ErrCorruptLayer, mediaType)
	}

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar: %v", ErrCorruptLayer, err)
		}
		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if name == "." || name == "" {
			continue
		}
		// Whiteouts only matter for files we would have extracted, and
		// the kept set (headers, static libs) is never whited out in
		// these images. Skipping is a no-op either way.
		if strings.HasPrefix(path.Base(name), ".wh.") {
			continue
		}
		if !tc.KeepPath(name) {
			continue
		}
		dest := filepath.Join(stage, filepath.FromSlash(name))
		if !strings.HasPrefix(dest, filepath.Clean(stage)+string(os.PathSeparator)) {
			return fmt.Errorf("%w: tar entry escapes staging dir: %s", ErrCorruptLayer, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			if err := writeEntry(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheWrite, err)
			}
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheWrite, err)
			}
		}
	}
}

// writeEntry writes one regular file. O_TRUNC gives the last layer the
// final word when several layers carry the same path.
func writeEntry(dest string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		// A symlink from an earlier layer may be in the way.
		os.Remove(dest)
		f, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return nil
}

// mapRegistryErr classifies a registry error: HTTP 401/403 become
// ErrRegistryAuth, everything else ErrRegistryFetch.
func mapRegistryErr(err error) error {
	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ErrRegistryAuth, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrRegistryFetch, err)
}
