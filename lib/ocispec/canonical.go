package ocispec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalCanonical serializes v as canonical JSON: compact, no insignificant
// whitespace, stable key order. encoding/json already sorts map keys and
// preserves struct-field declaration order, which is exactly the ordering
// the OCI descriptor/manifest/index/config schemas need — digests are
// computed over this output, so any serialization drift changes identity.
func MarshalCanonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical json: %w", err)
	}

	// json.Marshal never emits insignificant whitespace on its own, but
	// Compact guards against that invariant changing out from under us.
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("compact canonical json: %w", err)
	}
	return buf.Bytes(), nil
}

// DescriptorFor computes a Descriptor for a JSON document by marshaling it
// canonically and hashing the result.
func DescriptorFor(mediaType string, v any) (Descriptor, []byte, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return Descriptor{}, nil, err
	}
	return NewDescriptor(mediaType, data), data, nil
}
