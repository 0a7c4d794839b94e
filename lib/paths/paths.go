// Package paths provides centralized path construction for the layer cache
// and OCI output directories.
//
// Directory structure:
//
//	{cacheDir}/
//	  blobs/sha256/<hex>     content-addressed layer tars
//	  index.json             cache entry metadata (fingerprint -> digest)
//
//	{outputDir}/
//	  oci-layout
//	  index.json
//	  blobs/sha256/<hex>
//	  refs/tags/<tag>
package paths

import "path/filepath"

// Cache provides typed path construction for the layer cache directory.
type Cache struct {
	dir string
}

// NewCache creates a Cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Blob returns the path to a cached blob by hex digest.
func (c *Cache) Blob(digestHex string) string {
	return filepath.Join(c.dir, "blobs", "sha256", digestHex)
}

// BlobsDir returns the cache's blob storage directory.
func (c *Cache) BlobsDir() string {
	return filepath.Join(c.dir, "blobs", "sha256")
}

// Index returns the path to the cache's entry index.
func (c *Cache) Index() string {
	return filepath.Join(c.dir, "index.json")
}

// Layout provides typed path construction for an OCI Image Layout directory.
type Layout struct {
	dir string
}

// NewLayout creates a Layout rooted at dir.
func NewLayout(dir string) *Layout {
	return &Layout{dir: dir}
}

// Dir returns the layout root directory.
func (l *Layout) Dir() string {
	return l.dir
}

// OCILayoutFile returns the path to the oci-layout marker file.
func (l *Layout) OCILayoutFile() string {
	return filepath.Join(l.dir, "oci-layout")
}

// IndexFile returns the path to the top-level index.json.
func (l *Layout) IndexFile() string {
	return filepath.Join(l.dir, "index.json")
}

// Blob returns the path to a blob by hex digest.
func (l *Layout) Blob(digestHex string) string {
	return filepath.Join(l.dir, "blobs", "sha256", digestHex)
}

// BlobsDir returns the layout's blob storage directory.
func (l *Layout) BlobsDir() string {
	return filepath.Join(l.dir, "blobs", "sha256")
}

// TagRef returns the path to the refs/tags/<tag> convenience file.
func (l *Layout) TagRef(tag string) string {
	return filepath.Join(l.dir, "refs", "tags", tag)
}

// TagsDir returns the refs/tags directory.
func (l *Layout) TagsDir() string {
	return filepath.Join(l.dir, "refs", "tags")
}
