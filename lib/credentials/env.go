package credentials

import (
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvProvider resolves credentials from process environment variables named
// after the registry host: "<HOST>_REGISTRY_USERNAME" and
// "<HOST>_REGISTRY_PASSWORD", or "<HOST>_REGISTRY_TOKEN" for a bearer token.
// The host is upper-cased with every non-alphanumeric character folded to
// "_", e.g. "ghcr.io" -> "GHCR_IO_REGISTRY_USERNAME".
//
// If an envFile path was supplied, its contents are loaded once (via
// godotenv) into the lookup table without mutating the process environment,
// so concurrent builds with different .env files do not clobber each other.
type EnvProvider struct {
	lookup func(key string) (string, bool)
}

// NewEnvProvider builds an EnvProvider reading from the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// NewEnvProviderFromFile builds an EnvProvider reading from a dotenv file,
// falling back to the process environment for keys the file doesn't define.
func NewEnvProviderFromFile(path string) (*EnvProvider, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	return &EnvProvider{
		lookup: func(key string) (string, bool) {
			mu.Lock()
			defer mu.Unlock()
			if v, ok := vars[key]; ok {
				return v, true
			}
			return os.LookupEnv(key)
		},
	}, nil
}

func (p *EnvProvider) Credentials(registry string) (string, string, bool) {
	prefix := envPrefix(registry)
	user, userOK := p.lookup(prefix + "_REGISTRY_USERNAME")
	pass, passOK := p.lookup(prefix + "_REGISTRY_PASSWORD")
	if !userOK || !passOK {
		return "", "", false
	}
	return user, pass, true
}

func (p *EnvProvider) Token(registry string) (string, bool) {
	token, ok := p.lookup(envPrefix(registry) + "_REGISTRY_TOKEN")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func envPrefix(registry string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(registry) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
