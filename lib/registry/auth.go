package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/onkernel/ocibuild/lib/ocierrors"
)

// tokenCache holds a single bearer token obtained from a prior challenge
// response. One Client talks to one registry host, so one cached token is
// sufficient; a fresh 401 (e.g. on scope mismatch) replaces it.
type tokenCache struct {
	mu    sync.Mutex
	token string
	have  bool
}

func (t *tokenCache) get() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token, t.have
}

func (t *tokenCache) set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	t.have = true
}

// challenge is a parsed "Bearer realm=... service=... scope=..." header.
type challenge struct {
	realm   string
	service string
	scope   string
}

func parseChallenge(header string) (challenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, fmt.Errorf("unsupported Www-Authenticate scheme: %q", header)
	}

	var ch challenge
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			ch.realm = val
		case "service":
			ch.service = val
		case "scope":
			ch.scope = val
		}
	}
	if ch.realm == "" {
		return challenge{}, fmt.Errorf("Www-Authenticate missing realm: %q", header)
	}
	return ch, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// authenticate exchanges the parsed challenge for a bearer token, using
// Basic auth with the credential provider's (user, secret) pair if present,
// a pre-supplied bearer token as Bearer auth against the token service if
// present, or an anonymous request otherwise.
func (c *Client) authenticate(ctx context.Context, header string) (string, error) {
	ch, err := parseChallenge(header)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}

	reqURL := ch.realm
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}

	if c.creds != nil {
		if token, ok := c.creds.Token(c.host); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if user, pass, ok := c.creds.Credentials(c.host); ok {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readBody(resp)
		return "", ocierrors.NewRegistryError("token exchange", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token != "" {
		return tr.Token, nil
	}
	if tr.AccessToken != "" {
		return tr.AccessToken, nil
	}
	return "", fmt.Errorf("token response carried no token")
}
