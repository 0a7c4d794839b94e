package tarlayer

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/ocibuild/lib/ocispec"
)

func writeFixture(t *testing.T, dir string) []File {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b contents"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("a contents"), 0644))

	return []File{
		{Abs: filepath.Join(dir, "b.txt"), Rel: "b.txt"},
		{Abs: filepath.Join(dir, "sub", "a.txt"), Rel: "sub/a.txt"},
	}
}

func TestWrite_DeterministicAcrossRuns(t *testing.T) {
	src := t.TempDir()
	files := writeFixture(t, src)

	blobs1 := t.TempDir()
	r1, err := Write(files, blobs1, Options{WorkDir: "/app"})
	require.NoError(t, err)

	blobs2 := t.TempDir()
	r2, err := Write(files, blobs2, Options{WorkDir: "/app"})
	require.NoError(t, err)

	assert.Equal(t, r1.Descriptor.Digest, r2.Descriptor.Digest)
	assert.Equal(t, r1.Descriptor.Size, r2.Descriptor.Size)
}

func TestWrite_OrderIndependentOfInputOrder(t *testing.T) {
	src := t.TempDir()
	files := writeFixture(t, src)

	reversed := []File{files[1], files[0]}

	blobs1 := t.TempDir()
	r1, err := Write(files, blobs1, Options{WorkDir: "/app"})
	require.NoError(t, err)

	blobs2 := t.TempDir()
	r2, err := Write(reversed, blobs2, Options{WorkDir: "/app"})
	require.NoError(t, err)

	assert.Equal(t, r1.Descriptor.Digest, r2.Descriptor.Digest)
}

func TestWrite_UncompressedMediaTypeByDefault(t *testing.T) {
	src := t.TempDir()
	files := writeFixture(t, src)
	blobs := t.TempDir()

	r, err := Write(files, blobs, Options{WorkDir: "/app"})
	require.NoError(t, err)

	assert.Equal(t, ocispec.MediaTypeImageLayer, r.Descriptor.MediaType)
	assert.FileExists(t, r.Path)
	assert.Equal(t, filepath.Join(blobs, r.Descriptor.Digest.Encoded()), r.Path)
}

func TestWrite_CompressReportsGzipMediaType(t *testing.T) {
	src := t.TempDir()
	files := writeFixture(t, src)
	blobs := t.TempDir()

	r, err := Write(files, blobs, Options{WorkDir: "/app", Compress: true})
	require.NoError(t, err)

	assert.Equal(t, ocispec.MediaTypeImageLayerGzip, r.Descriptor.MediaType)
}

func TestWrite_EntriesZeroedAndSortedByPath(t *testing.T) {
	src := t.TempDir()
	files := writeFixture(t, src)
	blobs := t.TempDir()

	r, err := Write(files, blobs, Options{WorkDir: "/app"})
	require.NoError(t, err)

	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		assert.True(t, hdr.ModTime.IsZero() || hdr.ModTime.Unix() == 0)
		assert.Equal(t, 0, hdr.Uid)
		assert.Equal(t, 0, hdr.Gid)
		assert.Equal(t, "root", hdr.Uname)
		assert.Equal(t, "root", hdr.Gname)
	}

	assert.Equal(t, []string{"app/b.txt", "app/sub/a.txt"}, names)
}

func TestWrite_NoWorkDirPrefix(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("x"), 0644))
	blobs := t.TempDir()

	r, err := Write([]File{{Abs: filepath.Join(src, "f.txt"), Rel: "f.txt"}}, blobs, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "f.txt", hdr.Name)
}
