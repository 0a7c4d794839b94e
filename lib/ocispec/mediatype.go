// Package ocispec wraps the OCI image-spec types with the canonical JSON
// encoding and base/application config-merge rules this build engine needs.
// It builds directly on github.com/opencontainers/image-spec's v1 structs
// and github.com/opencontainers/go-digest rather than hand-rolled structs,
// so descriptors, manifests, indexes, and config files round-trip exactly
// the way any other OCI-aware tool expects.
package ocispec

import v1 "github.com/opencontainers/image-spec/specs-go/v1"

// Media types used by this engine's own output. Base-image layers keep
// whatever media type they were pulled with (commonly tar+gzip); these are
// the types assigned to layers, configs, and manifests this engine writes.
const (
	MediaTypeImageLayer     = v1.MediaTypeImageLayer
	MediaTypeImageLayerGzip = v1.MediaTypeImageLayerGzip
	MediaTypeImageConfig    = v1.MediaTypeImageConfig
	MediaTypeImageManifest  = v1.MediaTypeImageManifest
	MediaTypeImageIndex     = v1.MediaTypeImageIndex
)

// ImageLayoutFile is the name of the OCI Image Layout marker file.
const ImageLayoutFile = v1.ImageLayoutFile

// ImageLayoutVersion is the version written to the oci-layout marker file.
const ImageLayoutVersion = v1.ImageLayoutVersion

// ImageLayout is the JSON structure of the oci-layout marker file.
type ImageLayout = v1.ImageLayout

// AnnotationRefName is the annotation key used to tag a manifest descriptor
// in index.json with the human-readable tag it was built/pushed under.
const AnnotationRefName = v1.AnnotationRefName

// AnnotationBaseImageName is the label/annotation key some base images use
// to self-identify, consulted for distroless detection.
const AnnotationBaseImageName = v1.AnnotationBaseImageName
