// Package metadata holds the string view of message headers and the wire-level
// header names natsflow services agree on.
package metadata

import "maps"

// Metadata is the first value of every header carried by a message. Values
// are never mutated in place; With and WithAll return copies.
type Metadata map[string]string

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy. The copy of a nil Metadata is empty, not nil.
func (m Metadata) Clone() Metadata {
	return m.WithAll(nil)
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	return m.WithAll(Metadata{key: value})
}

// WithAll returns a copy of m overlaid with entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := make(Metadata, len(m)+len(entries))
	maps.Copy(out, m)
	maps.Copy(out, entries)
	return out
}
