// Package metadata models the string headers carried alongside a message.
package metadata

import (
	"maps"
	"slices"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeaders copies broker headers into Metadata. It never returns nil.
func FromHeaders(headers map[string]string) Metadata {
	md := make(Metadata, len(headers))
	maps.Copy(md, headers)
	return md
}

// Headers returns the map to attach to an outgoing message, nil when empty.
func (m Metadata) Headers() map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(map[string]string(m))
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.WithAll(nil)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.WithAll(nil)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
// Entries win over existing keys.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := make(Metadata, len(m)+len(entries))
	maps.Copy(cloned, m)
	maps.Copy(cloned, entries)
	return cloned
}

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}
