package ocispec

import (
	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is the central currency of the system: a typed
// (media_type, digest, size) triple, optionally carrying a target platform.
// It is a direct alias of the OCI image-spec type.
type Descriptor = v1.Descriptor

// Platform narrows a manifest-list entry to one (os, architecture) pair.
type Platform = v1.Platform

// Manifest describes one image variant: a config descriptor plus an ordered
// list of layer descriptors. Layer order is semantic (stacking order).
type Manifest = v1.Manifest

// Index lists multiple manifests, typically one per platform.
type Index = v1.Index

// ImageConfig is the `config` sub-object of an image configuration JSON blob.
type ImageConfig = v1.ImageConfig

// Image is the full image configuration JSON document (architecture, os,
// config, rootfs, history).
type Image = v1.Image

// RootFS names the layer diff IDs making up an image's filesystem, in
// application order.
type RootFS = v1.RootFS

// History is one entry in an image config's build history.
type History = v1.History

// Digest is a "sha256:"+hex content digest.
type Digest = digest.Digest

// SHA256 is the only digest algorithm this engine produces or verifies.
const SHA256 = digest.SHA256

// NewDescriptor builds a Descriptor for a blob's bytes.
func NewDescriptor(mediaType string, data []byte) Descriptor {
	return Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
}
