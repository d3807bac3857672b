package httpproto

import "strings"

// Header is a case-insensitive, order-preserving, multi-value header
// collection (spec.md §3: "headers (case-insensitive, order-preserving)").
// A plain map[string][]string cannot preserve declaration order across
// distinct field names, which matters for the round-trip-parsing testable
// property in spec.md §8.
type Header struct {
	fields []headerField
}

type headerField struct {
	name  string // as received, case preserved
	value string
}

// Add appends a header field, preserving order and allowing duplicates
// (e.g. multiple Set-Cookie lines).
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Set replaces all existing values for name with a single value.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes all fields matching name, case-insensitively.
func (h *Header) Del(name string) {
	out := h.fields[:0]

	for _, f := range h.fields {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
		}
	}

	h.fields = out
}

// Get returns the first value for name, case-insensitively, or "" if absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return f.value
		}
	}

	return ""
}

// Values returns every value for name, in declaration order.
func (h *Header) Values(name string) []string {
	var out []string

	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			out = append(out, f.value)
		}
	}

	return out
}

// Has reports whether any field with this name is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return true
		}
	}

	return false
}

// Count returns the number of fields named name, for invariants like
// "two Content-Length headers ⇒ 400".
func (h *Header) Count(name string) int {
	n := 0

	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			n++
		}
	}

	return n
}

// Each calls fn for every field in declaration order.
func (h *Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// IsToken reports whether s is a valid RFC 7230 token (used to validate
// field-names and the method).
func IsToken(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}

	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}

	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}

	return false
}

// containsCROrLF reports whether s contains a bare CR or LF byte. Any header
// name or value containing either must be rejected to defeat CRLF/header
// injection (spec.md §4.3).
func containsCROrLF(s string) bool {
	return strings.IndexByte(s, '\r') >= 0 || strings.IndexByte(s, '\n') >= 0
}
