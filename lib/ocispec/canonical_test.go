package ocispec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsMapKeys(t *testing.T) {
	v := map[string]string{"zeta": "1", "alpha": "2", "mu": "3"}

	data, err := MarshalCanonical(v)
	require.NoError(t, err)

	assert.Equal(t, `{"alpha":"2","mu":"3","zeta":"1"}`, string(data))
}

func TestMarshalCanonical_NoInsignificantWhitespace(t *testing.T) {
	desc := Descriptor{
		MediaType: MediaTypeImageConfig,
		Digest:    "sha256:abc",
		Size:      42,
	}

	data, err := MarshalCanonical(desc)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "\n")
	assert.NotContains(t, string(data), "  ")
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	m := Manifest{
		MediaType: MediaTypeImageManifest,
		Config:    Descriptor{MediaType: MediaTypeImageConfig, Digest: "sha256:aaa", Size: 10},
		Layers: []Descriptor{
			{MediaType: MediaTypeImageLayer, Digest: "sha256:bbb", Size: 20},
			{MediaType: MediaTypeImageLayer, Digest: "sha256:ccc", Size: 30},
		},
	}

	first, err := MarshalCanonical(m)
	require.NoError(t, err)
	second, err := MarshalCanonical(m)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDescriptorFor_DigestAndSizeMatchBytes(t *testing.T) {
	m := Manifest{MediaType: MediaTypeImageManifest}

	desc, data, err := DescriptorFor(MediaTypeImageManifest, m)
	require.NoError(t, err)

	assert.Equal(t, MediaTypeImageManifest, desc.MediaType)
	assert.Equal(t, int64(len(data)), desc.Size)

	redigested := NewDescriptor(MediaTypeImageManifest, data)
	assert.Equal(t, redigested.Digest, desc.Digest)
}
