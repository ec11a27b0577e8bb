package gemforge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

// SysrootEntry is one record in the mirror's sysroot-index.json.
type SysrootEntry struct {
	Platform   string    `json:"platform"`
	Image      string    `json:"image,omitempty"`
	Filename   string    `json:"filename"`
	B3Sum      string    `json:"b3sum"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

const sysrootIndexName = "sysroot-index.json"

// ParseSysrootIndex decodes a mirror index.
func ParseSysrootIndex(data []byte) ([]SysrootEntry, error) {
	var entries []SysrootEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse sysroot index: %w", err)
	}
	return entries, nil
}

// fetchSysrootFromMirror tries to satisfy an extraction from the HTTP
// mirror instead of the registry. The index names the tarball for the
// platform and carries its blake3 sum; a mirror without a readable index
// is a miss, nothing is ever unpacked unverified. Errors are soft: the
// caller falls back to the registry.
func fetchSysrootFromMirror(ctx context.Context, tc *Toolchain, stage string) error {
	indexData, err := httpGet(ctx, SysrootMirror+"/"+sysrootIndexName)
	if err != nil {
		return fmt.Errorf("mirror index unavailable: %w", err)
	}
	entries, err := ParseSysrootIndex(indexData)
	if err != nil {
		return err
	}

	var filename, wantSum string
	for _, e := range entries {
		if e.Platform == tc.Platform {
			filename = e.Filename
			wantSum = e.B3Sum
			break
		}
	}
	if filename == "" {
		return fmt.Errorf("mirror index has no entry for %s", tc.Platform)
	}

	tmp, err := os.CreateTemp("", "gemforge-mirror-*.tar.zst")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = httpDownload(ctx, SysrootMirror+"/"+filename, tmp)
	tmp.Close()
	if err != nil {
		return err
	}

	sum, err := hashFile(tmp.Name())
	if err != nil {
		return err
	}
	if sum != wantSum {
		return fmt.Errorf("mirror tarball checksum mismatch for %s", tc.Platform)
	}

	return unpackSysroot(tmp.Name(), stage)
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func httpDownload(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// handleUploadCommand implements 'gemforge upload [platform...]': the named
// cache entries (or all of them) are packed and published to R2 when the
// mirror copy is missing or stale, then the index is rewritten.
func handleUploadCommand(args []string, cfg *Config, cache *CacheStore) error {
	ctx := context.Background()

	yes := false
	var selected []string
	for _, arg := range args {
		if arg == "--yes" || arg == "-y" {
			yes = true
			continue
		}
		if _, err := LookupPlatform(arg); err != nil {
			return err
		}
		selected = append(selected, arg)
	}

	platforms, err := cache.List()
	if err != nil {
		return err
	}
	if len(selected) > 0 {
		cached := make(map[string]bool, len(platforms))
		for _, p := range platforms {
			cached[p] = true
		}
		for _, p := range selected {
			if !cached[p] {
				return fmt.Errorf("%s is not in the cache, extract it first", p)
			}
		}
		platforms = selected
	}
	if len(platforms) == 0 {
		colNote.Println("Nothing to upload: cache is empty")
		return nil
	}

	r2, err := NewR2Client(cfg)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Println("Fetching remote sysroot index")
	var remoteIndex []SysrootEntry
	if data, err := r2.DownloadFile(ctx, sysrootIndexName); err != nil {
		debugf("remote index not found or error fetching: %v\n", err)
	} else if remoteIndex, err = ParseSysrootIndex(data); err != nil {
		return err
	}

	remote := make(map[string]SysrootEntry, len(remoteIndex))
	for _, e := range remoteIndex {
		remote[e.Platform] = e
	}

	var uploaded int
	for _, platform := range platforms {
		meta, err := cache.Meta(platform)
		if err != nil {
			debugf("skipping %s: %v\n", platform, err)
			continue
		}

		filename := platform + ".tar.zst"
		tmp, err := os.CreateTemp("", "gemforge-upload-*.tar.zst")
		if err != nil {
			return err
		}
		tmp.Close()
		if err := packSysroot(cache.PathFor(platform), tmp.Name()); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to pack %s: %w", platform, err)
		}

		sum, err := hashFile(tmp.Name())
		if err != nil {
			os.Remove(tmp.Name())
			return err
		}

		if existing, ok := remote[platform]; ok && existing.B3Sum == sum {
			debugf("%s is up to date on the mirror\n", platform)
			os.Remove(tmp.Name())
			continue
		}

		colArrow.Print("-> ")
		if !yes && !askForConfirmation(colWarn, "Upload sysroot %s? ", platform) {
			os.Remove(tmp.Name())
			continue
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", filename)
		if err := r2.UploadLocalFile(ctx, filename, tmp.Name()); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to upload %s: %w", platform, err)
		}

		stat, _ := os.Stat(tmp.Name())
		entry := SysrootEntry{
			Platform:   platform,
			Image:      meta.Image,
			Filename:   filename,
			B3Sum:      sum,
			UploadedAt: time.Now().UTC(),
		}
		if stat != nil {
			entry.SizeBytes = stat.Size()
		}
		remote[platform] = entry
		os.Remove(tmp.Name())
		uploaded++
	}

	if uploaded == 0 {
		colNote.Println("Mirror already up to date")
		return nil
	}

	newIndex := make([]SysrootEntry, 0, len(remote))
	for _, e := range remote {
		newIndex = append(newIndex, e)
	}
	sort.Slice(newIndex, func(i, j int) bool { return newIndex[i].Platform < newIndex[j].Platform })

	data, err := json.MarshalIndent(newIndex, "", "  ")
	if err != nil {
		return err
	}
	if err := r2.UploadFile(ctx, sysrootIndexName, data); err != nil {
		return fmt.Errorf("failed to upload index: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Uploaded %d sysroot(s) and refreshed the index\n", uploaded)
	return nil
}
