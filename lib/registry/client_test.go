package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/ocibuild/lib/credentials"
	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
)

func newTestClient(t *testing.T, srv *httptest.Server, creds credentials.Provider) *Client {
	t.Helper()
	host := srv.Listener.Addr().String()
	c := New(host, creds)
	c.httpClient = srv.Client()
	c.scheme = "http"
	return c
}

func TestHasBlob_200IsTrue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/sha256:abc", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	exists, err := c.HasBlob(context.Background(), "repo", ocispec.Digest("sha256:abc"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHasBlob_404IsFalse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/sha256:missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	exists, err := c.HasBlob(context.Background(), "repo", ocispec.Digest("sha256:missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPushBlob_SkipsWhenAlreadyPresent(t *testing.T) {
	var uploadCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&uploadCalls, 1)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	desc := ocispec.NewDescriptor(ocispec.MediaTypeImageLayer, []byte("layer bytes"))

	result, err := c.PushBlob(context.Background(), "repo", desc, []byte("layer bytes"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, int32(0), atomic.LoadInt32(&uploadCalls))
}

func TestPushBlob_UploadsWhenMissing(t *testing.T) {
	var putBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/v2/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/repo/blobs/uploads/upload-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/repo/blobs/uploads/upload-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		buf, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		putBody = buf
		require.Contains(t, r.URL.Query().Get("digest"), "sha256:")
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	data := []byte("layer bytes")
	desc := ocispec.NewDescriptor(ocispec.MediaTypeImageLayer, data)

	result, err := c.PushBlob(context.Background(), "repo", desc, data)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, data, putBody)
}

func TestPushManifest_AcceptsOKAndCreated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, ocispec.MediaTypeImageManifest, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err := c.PushManifest(context.Background(), "repo", "v1", ocispec.MediaTypeImageManifest, []byte(`{}`))
	require.NoError(t, err)
}

func TestPullManifest_SelectsPlatformFromIndex(t *testing.T) {
	amd64Manifest := ocispec.Manifest{MediaType: ocispec.MediaTypeImageManifest}
	amd64Bytes, _ := json.Marshal(amd64Manifest)
	amd64Digest := ocispec.NewDescriptor(ocispec.MediaTypeImageManifest, amd64Bytes).Digest

	arm64Manifest := ocispec.Manifest{MediaType: ocispec.MediaTypeImageManifest, Config: ocispec.Descriptor{Size: 1}}
	arm64Bytes, _ := json.Marshal(arm64Manifest)
	arm64Digest := ocispec.NewDescriptor(ocispec.MediaTypeImageManifest, arm64Bytes).Digest

	idx := ocispec.Index{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageManifest, Digest: amd64Digest, Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
			{MediaType: ocispec.MediaTypeImageManifest, Digest: arm64Digest, Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64"}},
		},
	}
	idxBytes, _ := json.Marshal(idx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
		w.Header().Set("Docker-Content-Digest", "sha256:indexdigest")
		w.Write(idxBytes)
	})
	mux.HandleFunc("/v2/repo/manifests/"+arm64Digest.String(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", arm64Digest.String())
		w.Write(arm64Bytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	data, digest, err := c.PullManifest(context.Background(), "repo", "v1", ocispec.Platform{OS: "linux", Architecture: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, arm64Digest, digest)
	assert.Equal(t, arm64Bytes, data)
}

func TestPullManifest_NoMatchingPlatformIsMismatch(t *testing.T) {
	idx := ocispec.Index{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageManifest, Digest: "sha256:aaaa", Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
		},
	}
	idxBytes, _ := json.Marshal(idx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
		w.Write(idxBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, _, err := c.PullManifest(context.Background(), "repo", "v1", ocispec.Platform{OS: "linux", Architecture: "arm64"})
	require.Error(t, err)
	var mismatch *ocierrors.PlatformMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestDo_ReauthenticatesOnceOn401(t *testing.T) {
	var authCalls, requestCalls int32

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer authSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/sha256:abc", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requestCalls, 1)
		if n == 1 {
			w.Header().Set("Www-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="registry",scope="repository:repo:pull"`, authSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewStaticProvider()
	c := newTestClient(t, srv, creds)

	exists, err := c.HasBlob(context.Background(), "repo", ocispec.Digest("sha256:abc"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&requestCalls))
}

func TestPullBlob_FollowsRedirectWithoutAuth(t *testing.T) {
	content := []byte("blob content")
	dgst := ocispec.NewDescriptor(ocispec.MediaTypeImageLayer, content).Digest

	storageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write(content)
	}))
	defer storageSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/blobs/"+dgst.String(), func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		w.Header().Set("Location", storageSrv.URL+"/blob")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewStaticProvider()
	creds.SetToken(srv.Listener.Addr().String(), "tok-abc")
	c := newTestClient(t, srv, creds)

	dest := filepath.Join(t.TempDir(), "blob")
	err := c.PullBlob(context.Background(), "repo", dgst, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
