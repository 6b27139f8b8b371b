// Package model contains the value types shared by every layer of the sync
// engine: paths, document keys, field values, documents, mutations, overlays
// and field index definitions.
package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ResourcePath is a slash separated path to a collection or document.
type ResourcePath []string

// ParseResourcePath parses a slash separated path. Leading and trailing
// slashes are ignored; empty segments are rejected.
func ParseResourcePath(s string) (ResourcePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return ResourcePath{}, nil
	}
	segments := strings.Split(s, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", s)
		}
	}
	return ResourcePath(segments), nil
}

// Len returns the number of segments.
func (p ResourcePath) Len() int { return len(p) }

// IsEmpty reports whether the path has no segments.
func (p ResourcePath) IsEmpty() bool { return len(p) == 0 }

// Child returns a new path with the given segments appended.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make(ResourcePath, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1:len(p)-1]
}

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// PopFirst returns the path without its first n segments.
func (p ResourcePath) PopFirst(n int) ResourcePath {
	if n >= len(p) {
		return ResourcePath{}
	}
	return p[n:]
}

// IsPrefixOf reports whether p is a (non-strict) prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one segment deeper
// than p and prefixed by it.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

// IsDocumentPath reports whether the path addresses a document.
func (p ResourcePath) IsDocumentPath() bool {
	return len(p) > 0 && len(p)%2 == 0
}

// Equal reports segment-wise equality.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment; a prefix sorts first.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

// CanonicalString joins the segments with slashes.
func (p ResourcePath) CanonicalString() string {
	return strings.Join(p, "/")
}

func (p ResourcePath) String() string { return p.CanonicalString() }

// KeyFieldName is the reserved field name that refers to the document key.
const KeyFieldName = "__name__"

var simpleFieldName = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// FieldPath addresses a (possibly nested) field within a document.
type FieldPath []string

// KeyFieldPath returns the field path that refers to the document key.
func KeyFieldPath() FieldPath { return FieldPath{KeyFieldName} }

// ParseFieldPath parses a dot separated field path. Segments may be quoted
// with backticks to contain dots.
func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return nil, fmt.Errorf("invalid field path: empty")
	}
	var segments []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '`':
			quoted = !quoted
		case c == '.' && !quoted:
			if cur.Len() == 0 {
				return nil, fmt.Errorf("invalid field path %q: empty segment", s)
			}
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("invalid field path %q: unterminated backtick", s)
	}
	if cur.Len() == 0 {
		return nil, fmt.Errorf("invalid field path %q: empty segment", s)
	}
	return FieldPath(append(segments, cur.String())), nil
}

// MustFieldPath parses s and panics on error. Intended for literals.
func MustFieldPath(s string) FieldPath {
	p, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of segments.
func (f FieldPath) Len() int { return len(f) }

// IsEmpty reports whether the path has no segments.
func (f FieldPath) IsEmpty() bool { return len(f) == 0 }

// IsKeyField reports whether f refers to the document key.
func (f FieldPath) IsKeyField() bool {
	return len(f) == 1 && f[0] == KeyFieldName
}

// Child returns a new path with segment appended.
func (f FieldPath) Child(segment string) FieldPath {
	out := make(FieldPath, 0, len(f)+1)
	out = append(out, f...)
	return append(out, segment)
}

// PopLast returns the parent path.
func (f FieldPath) PopLast() FieldPath {
	if len(f) == 0 {
		return nil
	}
	return f[: len(f)-1 : len(f)-1]
}

// LastSegment returns the final segment.
func (f FieldPath) LastSegment() string {
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

// IsPrefixOf reports whether f is a (non-strict) prefix of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	return ResourcePath(f).IsPrefixOf(ResourcePath(other))
}

// Equal reports segment-wise equality.
func (f FieldPath) Equal(other FieldPath) bool {
	return ResourcePath(f).Equal(ResourcePath(other))
}

// Compare orders field paths segment by segment.
func (f FieldPath) Compare(other FieldPath) int {
	return ResourcePath(f).Compare(ResourcePath(other))
}

// CanonicalString renders the path with dots, quoting segments that are not
// simple identifiers.
func (f FieldPath) CanonicalString() string {
	parts := make([]string, len(f))
	for i, seg := range f {
		if simpleFieldName.MatchString(seg) {
			parts[i] = seg
			continue
		}
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, "`", "\\`")
		parts[i] = "`" + seg + "`"
	}
	return strings.Join(parts, ".")
}

func (f FieldPath) String() string { return f.CanonicalString() }

// MarshalText implements encoding.TextMarshaler.
func (f FieldPath) MarshalText() ([]byte, error) {
	return []byte(f.CanonicalString()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FieldPath) UnmarshalText(text []byte) error {
	p, err := ParseFieldPath(string(text))
	if err != nil {
		return err
	}
	*f = p
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p ResourcePath) MarshalText() ([]byte, error) {
	return []byte(p.CanonicalString()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ResourcePath) UnmarshalText(text []byte) error {
	parsed, err := ParseResourcePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
