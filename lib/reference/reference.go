// Package reference canonicalizes image reference strings into
// (registry, repository, tag) triples, built on
// github.com/distribution/reference so parsing follows the same grammar
// every other Distribution-aware tool uses.
package reference

import (
	"strings"

	distref "github.com/distribution/reference"

	"github.com/onkernel/ocibuild/lib/ocierrors"
)

// Canonical is a fully-resolved image reference: a registry host, a
// repository path (no registry prefix), and a tag (never empty after
// canonicalization: defaults to "latest").
type Canonical struct {
	Registry   string
	Repository string
	Tag        string
}

// String reassembles the canonical reference, e.g. "docker.io/library/alpine:latest".
func (c Canonical) String() string {
	return c.Registry + "/" + c.Repository + ":" + c.Tag
}

// Parse canonicalizes a reference string per the standard Docker Hub
// rules: a bare name becomes "docker.io/library/<name>:latest"; a
// two-segment name becomes "docker.io/<user>/<app>:latest"; an explicit
// registry host (detected by the first path segment containing "." or ":")
// is preserved as-is; a missing tag defaults to "latest".
//
// Parse is idempotent: Parse(canon.String()) == canon for any Canonical
// produced by Parse.
func Parse(raw string) (Canonical, error) {
	named, err := distref.ParseNormalizedNamed(raw)
	if err != nil {
		return Canonical{}, ocierrors.NewConfigError("reference", err)
	}
	named = distref.TagNameOnly(named)

	tagged, ok := named.(distref.Tagged)
	if !ok {
		return Canonical{}, ocierrors.NewConfigError("reference", errMissingTag(raw))
	}

	return Canonical{
		Registry:   distref.Domain(named),
		Repository: distref.Path(named),
		Tag:        tagged.Tag(),
	}, nil
}

func errMissingTag(raw string) error {
	return &missingTagError{raw: raw}
}

type missingTagError struct{ raw string }

func (e *missingTagError) Error() string {
	return "reference has no tag after normalization: " + e.raw
}

// Endpoint rewrites Docker Hub's canonical domain to its actual HTTP API
// host. Every other registry's host is returned unchanged.
func Endpoint(registry string) string {
	if registry == "docker.io" {
		return "registry-1.docker.io"
	}
	return registry
}

// IsDockerHub reports whether registry refers to Docker Hub under either its
// canonical or HTTP-endpoint name.
func IsDockerHub(registry string) bool {
	r := strings.ToLower(registry)
	return r == "docker.io" || r == "registry-1.docker.io"
}
