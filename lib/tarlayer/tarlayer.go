// Package tarlayer builds OCI image layer blobs from a set of selected
// files: a reproducible (or optionally gzip-compressed) tar stream, hashed
// in a single pass and moved atomically into a content-addressed blob store.
package tarlayer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"

	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
)

// File is one selected input: Abs is its path on the host filesystem, Rel is
// the path it is written at inside the layer, relative to WorkDir.
type File struct {
	Abs string
	Rel string
}

// Options controls how a layer tar is emitted.
type Options struct {
	// WorkDir is prefixed onto every entry's in-archive path (e.g. "/app");
	// entry names are written without a leading "/" ("app/main.py").
	WorkDir string

	// Compress additionally gzips the tar and reports the gzip media type.
	// Reproducibility is unaffected: the underlying tar bytes are still
	// built deterministically before compression.
	Compress bool
}

// Result describes a written layer blob.
type Result struct {
	Descriptor ocispec.Descriptor
	// Path is the blob's final location under the destination blob store.
	Path string
}

// Write builds a layer tar from files, computes its digest, and moves it
// atomically into blobsDir/<hex>. Entries are emitted in sorted in-archive
// path order with zeroed mtime/uid/gid and root uname/gname, so identical
// input files always produce an identical blob regardless of host time or
// filesystem enumeration order.
func Write(files []File, blobsDir string, opts Options) (*Result, error) {
	entries := make([]File, len(files))
	copy(entries, files)
	sort.Slice(entries, func(i, j int) bool {
		return inArchivePath(entries[i].Rel, opts.WorkDir) < inArchivePath(entries[j].Rel, opts.WorkDir)
	})

	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, ocierrors.NewIOError("create blobs dir", err)
	}

	tmp, err := os.CreateTemp(blobsDir, "layer-*.tmp")
	if err != nil {
		return nil, ocierrors.NewIOError("create temp layer file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	mediaType := ocispec.MediaTypeImageLayer
	if err := writeTar(tmp, entries, opts); err != nil {
		tmp.Close()
		return nil, ocierrors.NewIOError("write layer tar", err)
	}
	if opts.Compress {
		mediaType = ocispec.MediaTypeImageLayerGzip
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, ocierrors.NewIOError("seek layer tar", err)
	}
	dgst, size, err := digestAndSize(tmp)
	tmp.Close()
	if err != nil {
		return nil, ocierrors.NewIOError("digest layer tar", err)
	}

	finalPath := filepath.Join(blobsDir, dgst.Encoded())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, ocierrors.NewIOError("rename layer blob", err)
	}

	return &Result{
		Descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    dgst,
			Size:      size,
		},
		Path: finalPath,
	}, nil
}

// writeTar streams entries into w, optionally through a gzip compressor.
// The tar bytes produced before compression are identical regardless of
// opts.Compress; only the bytes written to w differ.
func writeTar(w io.Writer, entries []File, opts Options) error {
	dest := w
	var gzw *gzip.Writer
	if opts.Compress {
		gzw = gzip.NewWriter(w)
		dest = gzw
	}

	tw := tar.NewWriter(dest)
	for _, f := range entries {
		if err := addEntry(tw, f, opts.WorkDir); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
	}
	return nil
}

func addEntry(tw *tar.Writer, f File, workDir string) error {
	info, err := os.Lstat(f.Abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Abs, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return addSymlinkEntry(tw, f, workDir, info)
	}

	if info.IsDir() {
		hdr := baseHeader(tar.TypeDir, inArchivePath(f.Rel, workDir)+"/", info)
		return tw.WriteHeader(hdr)
	}

	hdr := baseHeader(tar.TypeReg, inArchivePath(f.Rel, workDir), info)
	hdr.Size = info.Size()
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", f.Rel, err)
	}

	src, err := os.Open(f.Abs)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Abs, err)
	}
	defer src.Close()

	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("copy %s: %w", f.Rel, err)
	}
	return nil
}

func addSymlinkEntry(tw *tar.Writer, f File, workDir string, info os.FileInfo) error {
	target, err := os.Readlink(f.Abs)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", f.Abs, err)
	}
	hdr := baseHeader(tar.TypeSymlink, inArchivePath(f.Rel, workDir), info)
	hdr.Linkname = target
	return tw.WriteHeader(hdr)
}

// baseHeader builds a tar header with reproducibility fields zeroed:
// mtime, uid, gid, uname, gname, and no PAX/xattr records.
func baseHeader(typeflag byte, name string, info os.FileInfo) *tar.Header {
	return &tar.Header{
		Typeflag: typeflag,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Uid:      0,
		Gid:      0,
		Uname:    "root",
		Gname:    "root",
		ModTime:  time.Unix(0, 0).UTC(),
	}
}

func inArchivePath(rel, workDir string) string {
	rel = filepath.ToSlash(rel)
	if workDir == "" {
		return rel
	}
	return strings.TrimPrefix(path.Join(filepath.ToSlash(workDir), rel), "/")
}

func digestAndSize(r io.Reader) (digest.Digest, int64, error) {
	digester := digest.SHA256.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), n, nil
}
