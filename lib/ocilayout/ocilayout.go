// Package ocilayout reads and writes an OCI Image Layout directory: the
// oci-layout marker file, index.json, content-addressed blobs under
// blobs/sha256, and tag pointers under refs/tags.
package ocilayout

import (
	"encoding/json"
	"os"

	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
	"github.com/onkernel/ocibuild/lib/paths"
)

// Layout is a handle onto an OCI Image Layout directory.
type Layout struct {
	paths *paths.Layout
}

// Open prepares dir as an OCI Image Layout, creating it if necessary.
func Open(dir string) (*Layout, error) {
	p := paths.NewLayout(dir)
	if err := os.MkdirAll(p.BlobsDir(), 0755); err != nil {
		return nil, ocierrors.NewIOError("create layout blobs dir", err)
	}
	if err := os.MkdirAll(p.TagsDir(), 0755); err != nil {
		return nil, ocierrors.NewIOError("create layout tags dir", err)
	}
	l := &Layout{paths: p}
	if err := l.writeMarker(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the layout's root directory.
func (l *Layout) Dir() string { return l.paths.Dir() }

// BlobsDir returns the layout's content-addressed blob store directory, for
// callers (e.g. tarlayer.Write) that write a digest-named blob directly
// rather than going through WriteBlob/AdoptBlob.
func (l *Layout) BlobsDir() string { return l.paths.BlobsDir() }

func (l *Layout) writeMarker() error {
	marker := ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}
	data, err := json.Marshal(marker)
	if err != nil {
		return ocierrors.NewIOError("marshal oci-layout marker", err)
	}
	if err := os.WriteFile(l.paths.OCILayoutFile(), data, 0644); err != nil {
		return ocierrors.NewIOError("write oci-layout marker", err)
	}
	return nil
}

// WriteBlob writes data under the layout's content-addressed blob store,
// keyed by the descriptor's digest. It is idempotent: re-writing an
// existing blob is a no-op beyond the stat check.
func (l *Layout) WriteBlob(desc ocispec.Descriptor, data []byte) error {
	path := l.paths.Blob(desc.Digest.Encoded())
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ocierrors.NewIOError("write blob", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ocierrors.NewIOError("rename blob", err)
	}
	return nil
}

// AdoptBlob moves an existing file (e.g. a layer tar already written by
// tarlayer.Write) into the layout's blob store at the path its descriptor's
// digest implies. If a blob already exists there, the source file is
// removed and the existing blob is left untouched.
func (l *Layout) AdoptBlob(desc ocispec.Descriptor, existingPath string) error {
	dest := l.paths.Blob(desc.Digest.Encoded())
	if existingPath == dest {
		return nil
	}
	if _, err := os.Stat(dest); err == nil {
		return os.Remove(existingPath)
	}
	if err := os.Rename(existingPath, dest); err != nil {
		return ocierrors.NewIOError("adopt blob", err)
	}
	return nil
}

// ReadBlob reads a blob by digest.
func (l *Layout) ReadBlob(d ocispec.Digest) ([]byte, error) {
	data, err := os.ReadFile(l.paths.Blob(d.Encoded()))
	if err != nil {
		return nil, ocierrors.NewIOError("read blob", err)
	}
	return data, nil
}

// HasBlob reports whether a blob with the given digest exists.
func (l *Layout) HasBlob(d ocispec.Digest) bool {
	_, err := os.Stat(l.paths.Blob(d.Encoded()))
	return err == nil
}

// WriteIndex writes index.json, with idx's manifest descriptors expected to
// already carry the AnnotationRefName/platform annotations callers want
// recorded (see Tag for the common single-tag case).
func (l *Layout) WriteIndex(idx ocispec.Index) error {
	if idx.SchemaVersion == 0 {
		idx.SchemaVersion = 2
	}
	if idx.MediaType == "" {
		idx.MediaType = ocispec.MediaTypeImageIndex
	}
	data, err := ocispec.MarshalCanonical(idx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.paths.IndexFile(), data, 0644); err != nil {
		return ocierrors.NewIOError("write index.json", err)
	}
	return nil
}

// ReadIndex reads index.json.
func (l *Layout) ReadIndex() (ocispec.Index, error) {
	data, err := os.ReadFile(l.paths.IndexFile())
	if err != nil {
		return ocispec.Index{}, ocierrors.NewIOError("read index.json", err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return ocispec.Index{}, ocierrors.NewProtocolError("malformed index.json", err)
	}
	return idx, nil
}

// Tag records manifestDigest as the target of tag, both as a
// refs/tags/<tag> file and as an annotated entry in index.json.
func (l *Layout) Tag(tag string, manifest ocispec.Descriptor, platform ocispec.Platform) error {
	if manifest.Annotations == nil {
		manifest.Annotations = make(map[string]string)
	}
	manifest.Annotations[ocispec.AnnotationRefName] = tag
	manifest.Platform = &platform

	idx, err := l.ReadIndex()
	if err != nil {
		idx = ocispec.Index{SchemaVersion: 2, MediaType: ocispec.MediaTypeImageIndex}
	}

	replaced := false
	for i, m := range idx.Manifests {
		if m.Annotations[ocispec.AnnotationRefName] == tag {
			idx.Manifests[i] = manifest
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Manifests = append(idx.Manifests, manifest)
	}

	if err := l.WriteIndex(idx); err != nil {
		return err
	}

	if err := os.WriteFile(l.paths.TagRef(tag), []byte(manifest.Digest.String()), 0644); err != nil {
		return ocierrors.NewIOError("write tag ref", err)
	}
	return nil
}

// ResolveTag returns the manifest digest refs/tags/<tag> points to.
func (l *Layout) ResolveTag(tag string) (ocispec.Digest, error) {
	data, err := os.ReadFile(l.paths.TagRef(tag))
	if err != nil {
		return "", ocierrors.NewIOError("read tag ref", err)
	}
	return ocispec.Digest(data), nil
}
