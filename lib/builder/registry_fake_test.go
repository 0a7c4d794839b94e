package builder

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// fakeRegistry is a minimal in-memory Distribution v2 server used to drive
// Builder through a full base-pull/push cycle without a network dependency.
// It needs no auth: the Client skips the 401 flow entirely when the first
// request already succeeds.
type fakeRegistry struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	manifests  map[string][]byte
	mediaTypes map[string]string
	headCalls  map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blobs:      map[string][]byte{},
		manifests:  map[string][]byte{},
		mediaTypes: map[string]string{},
		headCalls:  map[string]int{},
	}
}

func (f *fakeRegistry) putBlob(repo string, data []byte) digest.Digest {
	dgst := digest.FromBytes(data)
	f.mu.Lock()
	f.blobs[repo+"@"+dgst.String()] = data
	f.mu.Unlock()
	return dgst
}

func (f *fakeRegistry) putManifest(repo, ref string, data []byte, mediaType string) {
	f.mu.Lock()
	f.manifests[repo+"@"+ref] = data
	f.mediaTypes[repo+"@"+ref] = mediaType
	f.mu.Unlock()
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v2/")

	switch {
	case strings.Contains(p, "/blobs/uploads/"):
		f.handleUpload(w, r, p)
	case strings.Contains(p, "/blobs/"):
		f.handleBlob(w, r, p)
	case strings.Contains(p, "/manifests/"):
		f.handleManifest(w, r, p)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRegistry) handleBlob(w http.ResponseWriter, r *http.Request, p string) {
	i := strings.Index(p, "/blobs/")
	repo, dgst := p[:i], p[i+len("/blobs/"):]
	key := repo + "@" + dgst

	f.mu.Lock()
	f.headCalls[key]++
	data, ok := f.blobs[key]
	f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodGet:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}
}

func (f *fakeRegistry) handleUpload(w http.ResponseWriter, r *http.Request, p string) {
	i := strings.Index(p, "/blobs/uploads/")
	repo, rest := p[:i], p[i+len("/blobs/uploads/"):]

	if r.Method == http.MethodPost && rest == "" {
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/up-1", repo))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if r.Method == http.MethodPut {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		dgst := r.URL.Query().Get("digest")
		f.mu.Lock()
		f.blobs[repo+"@"+dgst] = data
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
}

func (f *fakeRegistry) handleManifest(w http.ResponseWriter, r *http.Request, p string) {
	i := strings.Index(p, "/manifests/")
	repo, ref := p[:i], p[i+len("/manifests/"):]
	key := repo + "@" + ref

	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		data, ok := f.manifests[key]
		mt := f.mediaTypes[key]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		dgst := digest.FromBytes(data)
		w.Header().Set("Content-Type", mt)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		f.manifests[key] = data
		f.mediaTypes[key] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
