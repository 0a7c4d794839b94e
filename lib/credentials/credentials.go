// Package credentials resolves registry authentication material: either a
// username/password pair or a pre-issued bearer token, keyed by registry
// host.
package credentials

// Provider resolves credentials for a registry host. Both methods report ok
// = false when the provider has nothing for that host, which is not an
// error: the caller tries the next provider in a Chain, or falls back to
// anonymous access.
type Provider interface {
	// Credentials returns a username/password pair for registry.
	Credentials(registry string) (username, secret string, ok bool)
	// Token returns a pre-issued bearer token for registry, bypassing the
	// Distribution v2 token exchange entirely.
	Token(registry string) (token string, ok bool)
}

// Ensure the concrete providers below satisfy Provider.
var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*EnvProvider)(nil)
	_ Provider = Chain(nil)
)

// Chain tries each Provider in order and returns the first non-empty result.
type Chain []Provider

func (c Chain) Credentials(registry string) (string, string, bool) {
	for _, p := range c {
		if u, s, ok := p.Credentials(registry); ok {
			return u, s, true
		}
	}
	return "", "", false
}

func (c Chain) Token(registry string) (string, bool) {
	for _, p := range c {
		if t, ok := p.Token(registry); ok {
			return t, true
		}
	}
	return "", false
}

// StaticProvider holds credentials configured directly by the embedder
// (e.g. parsed from a config file or CLI flags), keyed by registry host.
type StaticProvider struct {
	creds  map[string][2]string
	tokens map[string]string
}

// NewStaticProvider builds an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		creds:  make(map[string][2]string),
		tokens: make(map[string]string),
	}
}

// SetCredentials registers a username/password pair for registry.
func (p *StaticProvider) SetCredentials(registry, username, secret string) {
	p.creds[registry] = [2]string{username, secret}
}

// SetToken registers a pre-issued bearer token for registry.
func (p *StaticProvider) SetToken(registry, token string) {
	p.tokens[registry] = token
}

func (p *StaticProvider) Credentials(registry string) (string, string, bool) {
	c, ok := p.creds[registry]
	if !ok {
		return "", "", false
	}
	return c[0], c[1], true
}

func (p *StaticProvider) Token(registry string) (string, bool) {
	t, ok := p.tokens[registry]
	return t, ok
}
