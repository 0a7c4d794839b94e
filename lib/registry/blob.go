package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
)

// PushResult reports whether PushBlob actually uploaded bytes or found the
// blob already present.
type PushResult struct {
	Skipped bool
}

// HasBlob reports whether a blob with the given digest already exists in
// repo, via HEAD.
func (c *Client) HasBlob(ctx context.Context, repo string, digest ocispec.Digest) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(repo, digest.String()), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := readBody(resp)
		return false, ocierrors.NewRegistryError("head blob", resp.StatusCode, body)
	}
}

// PushBlob uploads data as a blob in repo, skipping the upload if the blob
// already exists (checked via HasBlob).
func (c *Client) PushBlob(ctx context.Context, repo string, desc ocispec.Descriptor, data []byte) (PushResult, error) {
	exists, err := c.HasBlob(ctx, repo, desc.Digest)
	if err != nil {
		return PushResult{}, err
	}
	if exists {
		return PushResult{Skipped: true}, nil
	}

	initReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadInitURL(repo), nil)
	if err != nil {
		return PushResult{}, err
	}

	initResp, err := c.do(ctx, initReq)
	if err != nil {
		return PushResult{}, err
	}
	location := initResp.Header.Get("Location")
	status := initResp.StatusCode
	drain(initResp.Body)

	if status != http.StatusAccepted {
		return PushResult{}, ocierrors.NewRegistryError("initiate blob upload", status, "")
	}
	if location == "" {
		return PushResult{}, ocierrors.NewProtocolError("upload initiation response had no Location header", nil)
	}

	uploadURL, err := absolutize(c.endpoint(), location)
	if err != nil {
		return PushResult{}, ocierrors.NewProtocolError("invalid upload Location", err)
	}
	q := uploadURL.Query()
	q.Set("digest", desc.Digest.String())
	uploadURL.RawQuery = q.Encode()

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL.String(), bytes.NewReader(data))
	if err != nil {
		return PushResult{}, err
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putReq.ContentLength = int64(len(data))
	putReq.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }

	putResp, err := c.do(ctx, putReq)
	if err != nil {
		return PushResult{}, err
	}
	defer drain(putResp.Body)

	switch putResp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return PushResult{}, nil
	default:
		body, _ := readBody(putResp)
		return PushResult{}, ocierrors.NewRegistryError("upload blob", putResp.StatusCode, body)
	}
}

// PullBlob downloads a blob by digest into destPath. Registries commonly
// redirect blob GETs to a storage backend; per the spec, the redirect is
// followed without forwarding the Authorization header.
func (c *Client) PullBlob(ctx context.Context, repo string, digest ocispec.Digest, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(repo, digest.String()), nil)
	if err != nil {
		return err
	}

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	plain := *c
	plain.httpClient = &noRedirect

	resp, err := plain.do(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		drain(resp.Body)
		if location == "" {
			return ocierrors.NewProtocolError("blob redirect had no Location header", nil)
		}

		redirectReq, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return err
		}
		resp, err = c.httpClient.Do(redirectReq)
		if err != nil {
			return ocierrors.NewIOError("follow blob redirect", err)
		}
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := readBody(resp)
		return ocierrors.NewRegistryError("pull blob", resp.StatusCode, body)
	}

	if err := streamToFile(resp.Body, destPath, digest); err != nil {
		return err
	}
	return nil
}

func streamToFile(r io.Reader, destPath string, expected ocispec.Digest) error {
	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ocierrors.NewIOError("create blob file", err)
	}

	digester := expected.Algorithm().Digester()
	tee := io.TeeReader(r, digester.Hash())
	if _, err := io.Copy(f, tee); err != nil {
		f.Close()
		os.Remove(tmp)
		return ocierrors.NewIOError("write blob file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ocierrors.NewIOError("close blob file", err)
	}

	if digester.Digest() != expected {
		os.Remove(tmp)
		return ocierrors.NewProtocolError(fmt.Sprintf("pulled blob digest mismatch: got %s want %s", digester.Digest(), expected), nil)
	}

	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return ocierrors.NewIOError("rename blob file", err)
	}
	return nil
}

func absolutize(base, location string) (*url.URL, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return baseURL.ResolveReference(u), nil
}

