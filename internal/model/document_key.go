package model

import (
	"fmt"
	"sort"
	"strings"
)

// DocumentKey identifies a document by its full path. It wraps the canonical
// slash separated path so that keys are comparable and usable as map keys.
//
// The zero DocumentKey is the empty key, which sorts before every real key.
type DocumentKey struct {
	path string
}

// NewDocumentKey returns the key for path, which must have an even, non-zero
// number of segments.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if !path.IsDocumentPath() {
		return DocumentKey{}, fmt.Errorf("invalid document path %q: must have an even number of segments", path.CanonicalString())
	}
	return DocumentKey{path: path.CanonicalString()}, nil
}

// ParseDocumentKey parses a slash separated document path.
func ParseDocumentKey(s string) (DocumentKey, error) {
	p, err := ParseResourcePath(s)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(p)
}

// Key parses s as a document key and panics if it is not one.
//
// Example:
//
//	k := model.Key("rooms/eros/messages/1")
func Key(s string) DocumentKey {
	k, err := ParseDocumentKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// EmptyKey returns the key that sorts before every document key.
func EmptyKey() DocumentKey { return DocumentKey{} }

// IsEmpty reports whether k is the empty key.
func (k DocumentKey) IsEmpty() bool { return k.path == "" }

// Path returns the key's segments.
func (k DocumentKey) Path() ResourcePath {
	if k.path == "" {
		return ResourcePath{}
	}
	return ResourcePath(strings.Split(k.path, "/"))
}

// String returns the canonical path.
func (k DocumentKey) String() string { return k.path }

// DocumentID returns the final path segment.
func (k DocumentKey) DocumentID() string {
	if i := strings.LastIndexByte(k.path, '/'); i >= 0 {
		return k.path[i+1:]
	}
	return k.path
}

// CollectionPath returns the path of the collection containing the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

// CollectionGroup returns the id of the collection containing the document.
func (k DocumentKey) CollectionGroup() string {
	return k.CollectionPath().LastSegment()
}

// HasCollectionID reports whether the document's immediate collection is id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

// Compare orders keys segment by segment.
func (k DocumentKey) Compare(other DocumentKey) int {
	return comparePathStrings(k.path, other.path)
}

// Less reports whether k sorts before other.
func (k DocumentKey) Less(other DocumentKey) bool { return k.Compare(other) < 0 }

// MarshalText implements encoding.TextMarshaler.
func (k DocumentKey) MarshalText() ([]byte, error) { return []byte(k.path), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DocumentKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = DocumentKey{}
		return nil
	}
	parsed, err := ParseDocumentKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// comparePathStrings compares two canonical paths segment by segment without
// splitting them.
func comparePathStrings(a, b string) int {
	for a != "" && b != "" {
		sa, ra := cutSegment(a)
		sb, rb := cutSegment(b)
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
		a, b = ra, rb
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	}
	return 1
}

func cutSegment(p string) (segment, rest string) {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

// DocumentKeySet is an unordered set of keys. Use Sorted for a stable order.
type DocumentKeySet map[DocumentKey]struct{}

// NewDocumentKeySet returns a set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k.
func (s DocumentKeySet) Add(k DocumentKey) { s[k] = struct{}{} }

// Remove deletes k.
func (s DocumentKeySet) Remove(k DocumentKey) { delete(s, k) }

// Has reports whether k is in the set.
func (s DocumentKeySet) Has(k DocumentKey) bool {
	_, ok := s[k]
	return ok
}

// Len returns the number of keys.
func (s DocumentKeySet) Len() int { return len(s) }

// AddAll inserts every key of other.
func (s DocumentKeySet) AddAll(other DocumentKeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Union returns a new set holding the keys of both sets.
func (s DocumentKeySet) Union(other DocumentKeySet) DocumentKeySet {
	out := make(DocumentKeySet, len(s)+len(other))
	out.AddAll(s)
	out.AddAll(other)
	return out
}

// Clone returns a copy of the set.
func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	out.AddAll(s)
	return out
}

// Equal reports whether both sets hold the same keys.
func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys in key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	keys := make([]DocumentKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys sorts keys in place.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}
