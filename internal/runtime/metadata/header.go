package metadata

import "github.com/nats-io/nats.go"

// Wire-level header names. They are part of the protocol between services
// and must not change.
const (
	// HeaderReplyTo carries the reply subject of a stream-backed request.
	HeaderReplyTo = "Nf-Reply-To"
	// HeaderKnownType names the concrete payload type for polymorphic decoding.
	HeaderKnownType = "Nf-Known-Type"
	// HeaderError carries the text of a remote failure on a reply.
	HeaderError = "Nf-Error"
)

// FromHeader converts NATS headers into Metadata, keeping the first value of
// each key.
func FromHeader(h nats.Header) Metadata {
	if len(h) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// ToHeader converts Metadata into NATS headers.
func ToHeader(md Metadata) nats.Header {
	h := make(nats.Header, len(md))
	for k, v := range md {
		h[k] = []string{v}
	}
	return h
}

// CloneHeader returns a deep copy of h. A nil header stays nil so that
// absence round-trips.
func CloneHeader(h nats.Header) nats.Header {
	if h == nil {
		return nil
	}
	out := make(nats.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Get returns the first value stored under key, matching the exact key
// first and falling back to a case-insensitive scan.
func Get(h nats.Header, key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key]; ok && len(v) > 0 {
		return v[0]
	}
	for k, v := range h {
		if len(v) > 0 && equalFold(k, key) {
			return v[0]
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
