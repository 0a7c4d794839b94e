// Package layercache caches application-layer tar blobs keyed by a
// fingerprint of their source files, so an unchanged build reuses the
// previous layer instead of re-hashing and re-writing it.
package layercache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/onkernel/ocibuild/lib/ocierrors"
)

// File is one fingerprint input: Abs is its host path, Rel is its path
// relative to the build context.
type File struct {
	Abs string
	Rel string
}

// Entry is one cached layer blob.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Digest      string    `json:"digest"`
	MediaType   string    `json:"media_type"`
	// Runtime is a free-form tag the caller supplies to Store (e.g.
	// "python", "node", or "" for an untagged layer), recorded purely for
	// Stats breakdowns. It plays no part in Lookup, which matches on the
	// fingerprint alone and returns the first matching entry. Store does
	// not replace an existing entry with the same fingerprint.
	Runtime  string    `json:"runtime,omitempty"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"last_used"`
}

// RuntimeStats summarizes one Runtime tag's share of the cache.
type RuntimeStats struct {
	Entries   int
	TotalSize int64
}

// Stats summarizes the cache's current contents.
type Stats struct {
	Entries   int
	TotalSize int64
	ByRuntime map[string]RuntimeStats
}

type index struct {
	Entries []Entry `json:"entries"`
}

// Cache is a content-addressed store of layer tar blobs under dir, with an
// LRU eviction policy bounded by maxSizeBytes.
type Cache struct {
	dir          string
	maxSizeBytes int64

	mu  sync.Mutex
	idx index
}

// Open loads (or initializes) a cache rooted at dir.
func Open(dir string, maxSizeBytes int64) (*Cache, error) {
	if err := os.MkdirAll(blobsDir(dir), 0755); err != nil {
		return nil, ocierrors.NewIOError("create cache dir", err)
	}

	c := &Cache{dir: dir, maxSizeBytes: maxSizeBytes}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func blobsDir(dir string) string  { return filepath.Join(dir, "blobs", "sha256") }
func indexPath(dir string) string { return filepath.Join(dir, "index.json") }

func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(indexPath(c.dir))
	if os.IsNotExist(err) {
		c.idx = index{}
		return nil
	}
	if err != nil {
		return ocierrors.NewIOError("read cache index", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		// A corrupt index is treated as an empty cache rather than a fatal
		// error: the index is a best-effort accelerator, not source of truth.
		c.idx = index{}
		return nil
	}
	c.idx = idx
	return nil
}

// persist writes the index best-effort: a failure here does not invalidate
// the blobs already written, matching the documented non-crash-atomic index.
func (c *Cache) persist() error {
	data, err := json.MarshalIndent(c.idx, "", "  ")
	if err != nil {
		return ocierrors.NewIOError("marshal cache index", err)
	}
	tmp := indexPath(c.dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ocierrors.NewIOError("write cache index", err)
	}
	if err := os.Rename(tmp, indexPath(c.dir)); err != nil {
		os.Remove(tmp)
		return ocierrors.NewIOError("rename cache index", err)
	}
	return nil
}

// Fingerprint computes the cache key for a set of files: SHA-256 over, for
// each (abs, rel) pair sorted by rel, the rel path bytes followed by the
// decimal size and truncated-second mtime of abs. File contents are not
// hashed: an edit that keeps a file's size and lands within the same second
// as the mtime already fingerprinted is not detected.
func Fingerprint(files []File) (string, error) {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rel < sorted[j].Rel })

	h := sha256.New()
	for _, f := range sorted {
		info, err := os.Stat(f.Abs)
		if err != nil {
			return "", ocierrors.NewIOError("stat fingerprint input", err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", f.Rel, info.Size(), info.ModTime().Unix())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the cached digest, media type, and blob path for files'
// fingerprint, if present and the blob still exists on disk. A stale entry
// (index present, blob missing) is repaired by deletion and Lookup reports a
// miss. The media type reflects how the entry was actually built
// (Store's mediaType argument), not the caller's current compression
// setting, so toggling Config.Compress never mislabels a hit.
func (c *Cache) Lookup(files []File) (digest.Digest, string, string, bool, error) {
	fp, err := Fingerprint(files)
	if err != nil {
		return "", "", "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.idx.Entries {
		if e.Fingerprint != fp {
			continue
		}
		path := filepath.Join(blobsDir(c.dir), strDigestHex(e.Digest))
		if _, err := os.Stat(path); err != nil {
			c.idx.Entries = append(c.idx.Entries[:i], c.idx.Entries[i+1:]...)
			_ = c.persist()
			return "", "", "", false, nil
		}
		c.idx.Entries[i].LastUsed = time.Now()
		_ = c.persist()
		return digest.Digest(e.Digest), e.MediaType, path, true, nil
	}
	return "", "", "", false, nil
}

// Store records a newly built layer blob (already written at tarPath) under
// files' fingerprint, copying it into the cache's blob store, then runs
// eviction. runtime is an optional free-form tag (e.g. "python") carried
// only for Stats breakdowns.
func (c *Cache) Store(files []File, dgst digest.Digest, mediaType, runtime, tarPath string) error {
	fp, err := Fingerprint(files)
	if err != nil {
		return err
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		return ocierrors.NewIOError("stat layer blob", err)
	}

	dest := filepath.Join(blobsDir(c.dir), strDigestHex(dgst.String()))
	if err := copyFile(tarPath, dest); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.idx.Entries = append(c.idx.Entries, Entry{
		Fingerprint: fp,
		Digest:      dgst.String(),
		MediaType:   mediaType,
		Runtime:     runtime,
		Size:        info.Size(),
		Created:     now,
		LastUsed:    now,
	})

	if err := c.persist(); err != nil {
		return err
	}
	return c.evictLocked()
}

// evictLocked drops entries in ascending last_used order while total size
// exceeds maxSizeBytes, until total size is at most 80% of the limit. Caller
// must hold c.mu.
func (c *Cache) evictLocked() error {
	if c.maxSizeBytes <= 0 {
		return nil
	}

	total := c.totalSizeLocked()
	if total <= c.maxSizeBytes {
		return nil
	}

	sort.Slice(c.idx.Entries, func(i, j int) bool {
		return c.idx.Entries[i].LastUsed.Before(c.idx.Entries[j].LastUsed)
	})

	target := (c.maxSizeBytes * 80) / 100
	i := 0
	for total > target && i < len(c.idx.Entries) {
		e := c.idx.Entries[i]
		path := filepath.Join(blobsDir(c.dir), strDigestHex(e.Digest))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return ocierrors.NewIOError("evict cache blob", err)
		}
		total -= e.Size
		i++
	}
	c.idx.Entries = c.idx.Entries[i:]
	return c.persist()
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, e := range c.idx.Entries {
		total += e.Size
	}
	return total
}

// Clear removes every cached blob and empties the index.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(blobsDir(c.dir)); err != nil {
		return ocierrors.NewIOError("clear cache blobs", err)
	}
	if err := os.MkdirAll(blobsDir(c.dir), 0755); err != nil {
		return ocierrors.NewIOError("recreate cache dir", err)
	}
	c.idx = index{}
	return c.persist()
}

// Stats reports the current entry count and total blob size, broken down by
// Runtime tag (entries with no tag are grouped under "").
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var byRuntime map[string]RuntimeStats
	if len(c.idx.Entries) > 0 {
		byRuntime = make(map[string]RuntimeStats)
		for _, e := range c.idx.Entries {
			rs := byRuntime[e.Runtime]
			rs.Entries++
			rs.TotalSize += e.Size
			byRuntime[e.Runtime] = rs
		}
	}

	return Stats{
		Entries:   len(c.idx.Entries),
		TotalSize: c.totalSizeLocked(),
		ByRuntime: byRuntime,
	}
}

func strDigestHex(d string) string {
	return digest.Digest(d).Encoded()
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ocierrors.NewIOError("read source blob", err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ocierrors.NewIOError("write cache blob", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return ocierrors.NewIOError("rename cache blob", err)
	}
	return nil
}
