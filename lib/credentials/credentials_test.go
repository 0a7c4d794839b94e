package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider_CredentialsAndToken(t *testing.T) {
	p := NewStaticProvider()
	p.SetCredentials("ghcr.io", "user", "secret")
	p.SetToken("registry-1.docker.io", "tok123")

	user, secret, ok := p.Credentials("ghcr.io")
	assert.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "secret", secret)

	_, _, ok = p.Credentials("unknown.example.com")
	assert.False(t, ok)

	token, ok := p.Token("registry-1.docker.io")
	assert.True(t, ok)
	assert.Equal(t, "tok123", token)
}

func TestChain_FirstNonEmptyWins(t *testing.T) {
	empty := NewStaticProvider()
	second := NewStaticProvider()
	second.SetCredentials("ghcr.io", "second-user", "second-secret")
	third := NewStaticProvider()
	third.SetCredentials("ghcr.io", "third-user", "third-secret")

	chain := Chain{empty, second, third}

	user, secret, ok := chain.Credentials("ghcr.io")
	require.True(t, ok)
	assert.Equal(t, "second-user", user)
	assert.Equal(t, "second-secret", secret)
}

func TestEnvProvider_ResolvesByRegistryHost(t *testing.T) {
	t.Setenv("GHCR_IO_REGISTRY_USERNAME", "envuser")
	t.Setenv("GHCR_IO_REGISTRY_PASSWORD", "envpass")

	p := NewEnvProvider()
	user, pass, ok := p.Credentials("ghcr.io")
	require.True(t, ok)
	assert.Equal(t, "envuser", user)
	assert.Equal(t, "envpass", pass)
}

func TestEnvProvider_MissingVarsIsMiss(t *testing.T) {
	p := NewEnvProvider()
	_, _, ok := p.Credentials("totally-unset-registry.example.com")
	assert.False(t, ok)
}

func TestEnvProvider_FromFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "LOCALHOST_5000_REGISTRY_USERNAME=fileuser\nLOCALHOST_5000_REGISTRY_PASSWORD=filepass\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0644))

	p, err := NewEnvProviderFromFile(envPath)
	require.NoError(t, err)

	user, pass, ok := p.Credentials("localhost:5000")
	require.True(t, ok)
	assert.Equal(t, "fileuser", user)
	assert.Equal(t, "filepass", pass)
}

func TestEnvPrefix_SanitizesHost(t *testing.T) {
	assert.Equal(t, "GHCR_IO", envPrefix("ghcr.io"))
	assert.Equal(t, "LOCALHOST_5000", envPrefix("localhost:5000"))
}
