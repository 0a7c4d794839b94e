package builder

import (
	"sort"
	"strings"

	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocispec"
)

// Config is the full set of options consumed by a single Build/Push cycle.
// Flags, TOML keys, and environment variable parsing into this shape are
// the embedder's responsibility.
type Config struct {
	// Tag is the required image reference the build is produced under.
	Tag string
	// BaseImage is a registry reference; required for non-scratch builds.
	BaseImage string

	ContextDir string
	// WorkDir is the in-image directory under which selected files are
	// placed. Defaults to "/app".
	WorkDir string

	Entrypoint   []string
	Cmd          []string
	User         string
	Env          map[string]string
	Labels       map[string]string
	ExposedPorts []string

	// IncludePaths overrides automatic file selection (lib/selector).
	IncludePaths []string

	IncludeDeps      bool
	RequirementsFile string
	// OfflineDepsDir names a directory of already-downloaded packages (e.g.
	// a frozen pip-download cache) to package as the dependency layer,
	// taking precedence over venv discovery when set.
	OfflineDepsDir string

	// OutputDir is the OCI layout destination.
	OutputDir string

	UseCache       bool
	CacheDir       string
	MaxCacheSizeMB int64

	// Platform is "<os>/<arch>"; defaults to "linux/amd64".
	Platform string

	// Reproducible is not read by the builder: own layers are always
	// emitted in reproducible mode (sorted entries, zeroed mtime/uid/gid,
	// root uname/gname) whatever its value, and there is no
	// non-reproducible mode.
	Reproducible bool

	// Compress gzips own-built layers instead of leaving them as
	// uncompressed tar. Uniform with inherited base layers, which are
	// typically tar+gzip already; off by default since uncompressed tar is
	// faster to build and cache.
	Compress bool
}

// resolvedPlatform validates and parses Config.Platform, defaulting to
// linux/amd64 when unset. Exactly two non-empty "/"-separated segments are
// accepted; anything else is a ConfigError.
func (c Config) resolvedPlatform() (ocispec.Platform, error) {
	raw := c.Platform
	if raw == "" {
		raw = "linux/amd64"
	}

	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ocispec.Platform{}, ocierrors.NewConfigError("platform", errInvalidPlatform(raw))
	}

	return ocispec.Platform{OS: parts[0], Architecture: parts[1]}, nil
}

type invalidPlatformError struct{ raw string }

func (e *invalidPlatformError) Error() string {
	return "platform must be \"<os>/<arch>\", got: " + e.raw
}

func errInvalidPlatform(raw string) error { return &invalidPlatformError{raw: raw} }

func (c Config) workDir() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	return "/app"
}

// appImageConfig builds the v1.ImageConfig representing this Config's image
// config intent, for merging over a base config.
func (c Config) appImageConfig() ocispec.ImageConfig {
	cfg := ocispec.ImageConfig{
		WorkingDir: c.workDir(),
		Entrypoint: c.Entrypoint,
		Cmd:        c.Cmd,
		User:       c.User,
		Labels:     c.Labels,
	}

	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+c.Env[k])
		}
		cfg.Env = env
	}

	if len(c.ExposedPorts) > 0 {
		ports := make(map[string]struct{}, len(c.ExposedPorts))
		for _, p := range c.ExposedPorts {
			ports[p] = struct{}{}
		}
		cfg.ExposedPorts = ports
	}

	return cfg
}
