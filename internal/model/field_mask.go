package model

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// FieldMask is a sorted, de-duplicated set of field paths.
type FieldMask struct {
	fields []FieldPath
}

// NewFieldMask builds a mask from paths.
func NewFieldMask(paths ...FieldPath) FieldMask {
	cp := make([]FieldPath, len(paths))
	copy(cp, paths)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Compare(cp[j]) < 0 })
	out := cp[:0]
	for i, p := range cp {
		if i > 0 && p.Equal(cp[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return FieldMask{fields: out}
}

// Fields returns the paths in order.
func (m FieldMask) Fields() []FieldPath { return m.fields }

// Len returns the number of paths.
func (m FieldMask) Len() int { return len(m.fields) }

// Covers reports whether path is equal to or nested under a mask entry.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union returns a mask holding the paths of m plus paths.
func (m FieldMask) Union(paths ...FieldPath) FieldMask {
	all := make([]FieldPath, 0, len(m.fields)+len(paths))
	all = append(all, m.fields...)
	all = append(all, paths...)
	return NewFieldMask(all...)
}

// Equal reports whether both masks hold the same paths.
func (m FieldMask) Equal(other FieldMask) bool {
	if len(m.fields) != len(other.fields) {
		return false
	}
	for i := range m.fields {
		if !m.fields[i].Equal(other.fields[i]) {
			return false
		}
	}
	return true
}

func (m FieldMask) String() string {
	parts := make([]string, len(m.fields))
	for i, f := range m.fields {
		parts[i] = f.CanonicalString()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// MarshalJSON implements json.Marshaler.
func (m FieldMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *FieldMask) UnmarshalJSON(data []byte) error {
	var paths []FieldPath
	if err := json.Unmarshal(data, &paths); err != nil {
		return err
	}
	*m = NewFieldMask(paths...)
	return nil
}
