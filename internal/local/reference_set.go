package local

import (
	"github.com/benbjohnson/immutable"

	"github.com/steveyegge/docsync/internal/model"
)

// docRef links a document to a target id or a batch id.
type docRef struct {
	key model.DocumentKey
	id  int
}

type refsByKey struct{}

func (refsByKey) Compare(a, b docRef) int {
	if c := a.key.Compare(b.key); c != 0 {
		return c
	}
	return cmpInt(a.id, b.id)
}

type refsByID struct{}

func (refsByID) Compare(a, b docRef) int {
	if c := cmpInt(a.id, b.id); c != 0 {
		return c
	}
	return a.key.Compare(b.key)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ReferenceSet is an in-memory many-to-many relation between document keys
// and ids (target ids or batch ids). It answers both "which ids reference
// this key" and "which keys does this id reference".
type ReferenceSet struct {
	byKey *immutable.SortedMap[docRef, struct{}]
	byID  *immutable.SortedMap[docRef, struct{}]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: immutable.NewSortedMap[docRef, struct{}](refsByKey{}),
		byID:  immutable.NewSortedMap[docRef, struct{}](refsByID{}),
	}
}

// IsEmpty reports whether the set holds no references.
func (s *ReferenceSet) IsEmpty() bool { return s.byKey.Len() == 0 }

// AddReference records that id references key.
func (s *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := docRef{key: key, id: id}
	s.byKey = s.byKey.Set(ref, struct{}{})
	s.byID = s.byID.Set(ref, struct{}{})
}

// AddReferences records that id references every key in keys.
func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	for k := range keys {
		s.AddReference(k, id)
	}
}

// RemoveReference drops the reference from id to key.
func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	s.removeRef(docRef{key: key, id: id})
}

// RemoveReferences drops the references from id to every key in keys.
func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	for k := range keys {
		s.RemoveReference(k, id)
	}
}

// RemoveReferencesForID drops every reference of id and returns the keys it
// referenced.
func (s *ReferenceSet) RemoveReferencesForID(id int) []model.DocumentKey {
	var removed []docRef
	s.forID(id, func(ref docRef) { removed = append(removed, ref) })
	keys := make([]model.DocumentKey, 0, len(removed))
	for _, ref := range removed {
		s.removeRef(ref)
		keys = append(keys, ref.key)
	}
	return keys
}

// RemoveAllReferences clears the set.
func (s *ReferenceSet) RemoveAllReferences() {
	s.byKey = immutable.NewSortedMap[docRef, struct{}](refsByKey{})
	s.byID = immutable.NewSortedMap[docRef, struct{}](refsByID{})
}

// ReferencesForID returns the keys referenced by id.
func (s *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	s.forID(id, func(ref docRef) { keys.Add(ref.key) })
	return keys
}

// ContainsKey reports whether any id references key.
func (s *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	itr := s.byKey.Iterator()
	itr.Seek(docRef{key: key, id: minID})
	if itr.Done() {
		return false
	}
	ref, _, _ := itr.Next()
	return ref.key == key
}

// minID sorts before every target and batch id.
const minID = -1 << 31

func (s *ReferenceSet) forID(id int, fn func(docRef)) {
	itr := s.byID.Iterator()
	itr.Seek(docRef{key: model.EmptyKey(), id: id})
	for !itr.Done() {
		ref, _, _ := itr.Next()
		if ref.id != id {
			return
		}
		fn(ref)
	}
}

func (s *ReferenceSet) removeRef(ref docRef) {
	s.byKey = s.byKey.Delete(ref)
	s.byID = s.byID.Delete(ref)
}
