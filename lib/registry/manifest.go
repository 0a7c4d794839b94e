package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
)

// acceptManifestTypes is sent on every manifest GET so a multi-platform
// index is returnable alongside a single-platform manifest.
var acceptManifestTypes = []string{
	ocispec.MediaTypeImageManifest,
	"application/vnd.docker.distribution.manifest.v2+json",
	ocispec.MediaTypeImageIndex,
}

// PullManifest fetches repo's manifest at ref (a tag or digest). If the
// response is a multi-platform index, the entry matching platform is
// selected and re-pulled by digest. Returns the raw manifest bytes and the
// digest reported by the registry (Docker-Content-Digest), which is the
// manifest's canonical identity regardless of how it was fetched.
func (c *Client) PullManifest(ctx context.Context, repo, ref string, platform ocispec.Platform) ([]byte, ocispec.Digest, error) {
	data, digest, mediaType, err := c.getManifest(ctx, repo, ref)
	if err != nil {
		return nil, "", err
	}

	if mediaType != ocispec.MediaTypeImageIndex && mediaType != "application/vnd.docker.distribution.manifest.list.v2+json" {
		return data, digest, nil
	}

	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, "", ocierrors.NewProtocolError("malformed manifest index", err)
	}

	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.Architecture == platform.Architecture && m.Platform.OS == platform.OS {
			return c.getManifestByDigest(ctx, repo, m.Digest)
		}
	}
	return nil, "", ocierrors.NewPlatformMismatch(platform.OS, platform.Architecture)
}

func (c *Client) getManifest(ctx context.Context, repo, ref string) ([]byte, ocispec.Digest, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL(repo, ref), nil)
	if err != nil {
		return nil, "", "", err
	}
	for _, mt := range acceptManifestTypes {
		req.Header.Add("Accept", mt)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readBody(resp)
		return nil, "", "", ocierrors.NewRegistryError("pull manifest", resp.StatusCode, body)
	}

	data, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, "", "", ocierrors.NewIOError("read manifest body", err)
	}

	digest := ocispec.Digest(resp.Header.Get("Docker-Content-Digest"))
	mediaType := resp.Header.Get("Content-Type")
	return data, digest, mediaType, nil
}

func (c *Client) getManifestByDigest(ctx context.Context, repo string, digest ocispec.Digest) ([]byte, ocispec.Digest, error) {
	data, got, _, err := c.getManifest(ctx, repo, digest.String())
	if err != nil {
		return nil, "", err
	}
	if got == "" {
		got = digest
	}
	return data, got, nil
}

// PushManifest pushes data (already-serialized manifest bytes) as ref's
// manifest in repo.
func (c *Client) PushManifest(ctx context.Context, repo, ref string, mediaType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.manifestURL(repo, ref), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(data))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	default:
		body, _ := readBody(resp)
		return ocierrors.NewRegistryError("push manifest", resp.StatusCode, body)
	}
}
