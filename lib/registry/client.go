// Package registry implements a Distribution Registry API v2 client:
// blob existence checks, blob and manifest pushes and pulls, with the bearer-token
// challenge/response auth flow described by the spec.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/onkernel/ocibuild/lib/credentials"
	"github.com/onkernel/ocibuild/lib/logger"
	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/reference"
)

// Client talks to one registry host over the Distribution v2 protocol.
type Client struct {
	host       string
	httpClient *http.Client
	creds      credentials.Provider

	// scheme is "https" in production; tests override it to "http" to talk
	// to an httptest.Server.
	scheme string

	auth *tokenCache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (e.g. to inject a
// custom Transport, or a shorter Timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithScheme overrides the URL scheme ("https" by default). Useful for
// talking to an insecure local registry, or a test double, over plain HTTP.
func WithScheme(scheme string) Option {
	return func(cl *Client) { cl.scheme = scheme }
}

// New builds a Client for registry (the canonical host, e.g. "docker.io";
// rewritten internally to its HTTP endpoint).
func New(registryHost string, creds credentials.Provider, opts ...Option) *Client {
	c := &Client{
		host:       registryHost,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		creds:      creds,
		scheme:     "https",
		auth:       &tokenCache{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint() string {
	return c.scheme + "://" + reference.Endpoint(c.host)
}

func (c *Client) blobURL(repo, digest string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", c.endpoint(), repo, digest)
}

func (c *Client) uploadInitURL(repo string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.endpoint(), repo)
}

func (c *Client) manifestURL(repo, ref string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.endpoint(), repo, ref)
}

// do issues req, applying cached auth if present, and performs the
// single-retry bearer-token challenge/response flow on a 401. The returned
// response's body must be closed by the caller.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ocierrors.NewIOError("http request", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("Www-Authenticate")
	resp.Body.Close()

	logger.FromContext(ctx).Debug("registry returned 401, authenticating", "host", c.host)

	token, err := c.authenticate(ctx, challenge)
	if err != nil {
		return nil, ocierrors.NewAuthError(c.host, err)
	}
	c.auth.set(token)

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, ocierrors.NewIOError("rewind request body", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	resp2, err := c.httpClient.Do(retry)
	if err != nil {
		return nil, ocierrors.NewIOError("http retry request", err)
	}
	return resp2, nil
}

func (c *Client) applyAuth(req *http.Request) {
	if req.Header.Get("Authorization") != "" {
		return
	}
	if token, ok := c.auth.get(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if c.creds == nil {
		return
	}
	if token, ok := c.creds.Token(c.host); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if user, pass, ok := c.creds.Credentials(c.host); ok {
		req.SetBasicAuth(user, pass)
	}
}

func drain(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readAllLimited reads the full body with a generous cap (manifests and
// image configs are small JSON documents, never multi-megabyte).
func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 16*1024*1024))
}
