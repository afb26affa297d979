package rpc

import "strings"

// Metadata is a case-insensitively keyed string map carrying call metadata.
// Keys are stored lowercase; repeated wire-level keys are joined with ", ".
type Metadata map[string]string

// NewMetadata builds Metadata from header-style key/value pairs. Keys are
// lower-cased, repeated keys join with ", ", and keys starting with any of
// the given reserved prefixes are dropped (protocol pseudo-headers).
func NewMetadata(headers map[string][]string, reservedPrefixes ...string) Metadata {
	if len(headers) == 0 {
		return nil
	}
	md := make(Metadata, len(headers))
outer:
	for key, values := range headers {
		lower := strings.ToLower(key)
		for _, prefix := range reservedPrefixes {
			if strings.HasPrefix(lower, prefix) {
				continue outer
			}
		}
		if len(values) == 0 {
			continue
		}
		md[lower] = strings.Join(values, ", ")
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// Get returns the value for a key, matched case-insensitively.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[strings.ToLower(key)]
}

// Set stores a value under the lower-cased key.
func (m Metadata) Set(key, value string) {
	m[strings.ToLower(key)] = value
}

// Has reports whether the key is present, matched case-insensitively.
func (m Metadata) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[strings.ToLower(key)]
	return ok
}

// Clone returns a copy of the metadata. Cloning nil returns nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Map returns the metadata as a plain string map for template and condition
// evaluation contexts.
func (m Metadata) Map() map[string]string {
	return map[string]string(m)
}
