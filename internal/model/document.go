package model

import (
	"fmt"
	"sort"
)

// DocumentType is the variant of a MutableDocument.
type DocumentType int

const (
	// InvalidDocument is a key for which nothing is known yet.
	InvalidDocument DocumentType = iota
	// FoundDocument exists with data.
	FoundDocument
	// NoDocument is known not to exist at its version.
	NoDocument
	// UnknownDocument was written by an acknowledged mutation whose resulting
	// contents are unknown (a patch against a document we did not have).
	UnknownDocument
)

func (t DocumentType) String() string {
	switch t {
	case FoundDocument:
		return "found"
	case NoDocument:
		return "missing"
	case UnknownDocument:
		return "unknown"
	}
	return "invalid"
}

// DocumentState tracks whether a document reflects unacknowledged or
// acknowledged-but-unsynced writes.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

// MutableDocument is a document in one of its four variants. Mutations and
// remote updates modify it in place; use Clone before handing it elsewhere.
type MutableDocument struct {
	key        DocumentKey
	docType    DocumentType
	version    SnapshotVersion
	readTime   SnapshotVersion
	createTime SnapshotVersion
	data       ObjectValue
	state      DocumentState
}

// NewInvalidDocument returns an invalid document for key.
func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key}
}

// NewFoundDocument returns an existing document.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument returns a deleted document.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument returns a document with unknown contents.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument turns d into an existing document.
func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *MutableDocument {
	if d.createTime.IsMin() && (d.docType == InvalidDocument || d.docType == NoDocument) {
		d.createTime = version
	}
	d.version = version
	d.docType = FoundDocument
	d.data = data
	d.state = Synced
	return d
}

// ConvertToNoDocument turns d into a deleted document.
func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = NoDocument
	d.data = EmptyObject()
	d.state = Synced
	return d
}

// ConvertToUnknownDocument turns d into a document with unknown contents.
func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = UnknownDocument
	d.data = EmptyObject()
	d.state = HasCommittedMutations
	return d
}

// SetHasCommittedMutations marks d as reflecting an acknowledged write.
func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = HasCommittedMutations
	return d
}

// SetHasLocalMutations marks d as reflecting a pending write.
func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = HasLocalMutations
	d.version = MinVersion()
	return d
}

// SetReadTime records when the document was read from the server.
func (d *MutableDocument) SetReadTime(t SnapshotVersion) *MutableDocument {
	d.readTime = t
	return d
}

// SetCreateTime overrides the creation time reported by the server.
func (d *MutableDocument) SetCreateTime(t SnapshotVersion) *MutableDocument {
	d.createTime = t
	return d
}

// SetData replaces the document data.
func (d *MutableDocument) SetData(data ObjectValue) { d.data = data }

// Key returns the document key.
func (d *MutableDocument) Key() DocumentKey { return d.key }

// Type returns the document variant.
func (d *MutableDocument) Type() DocumentType { return d.docType }

// Version returns the server version.
func (d *MutableDocument) Version() SnapshotVersion { return d.version }

// ReadTime returns when the document was last read from the server.
func (d *MutableDocument) ReadTime() SnapshotVersion { return d.readTime }

// CreateTime returns the document creation time.
func (d *MutableDocument) CreateTime() SnapshotVersion { return d.createTime }

// Data returns the document fields.
func (d *MutableDocument) Data() ObjectValue { return d.data }

// State returns the pending-write state.
func (d *MutableDocument) State() DocumentState { return d.state }

// Field returns the value at path. The key field path yields a reference to
// the document itself.
func (d *MutableDocument) Field(path FieldPath) (Value, bool) {
	if path.IsKeyField() {
		return Reference(d.key), true
	}
	return d.data.Field(path)
}

func (d *MutableDocument) IsValidDocument() bool   { return d.docType != InvalidDocument }
func (d *MutableDocument) IsFoundDocument() bool   { return d.docType == FoundDocument }
func (d *MutableDocument) IsNoDocument() bool      { return d.docType == NoDocument }
func (d *MutableDocument) IsUnknownDocument() bool { return d.docType == UnknownDocument }

// HasLocalMutations reports whether d reflects an unacknowledged write.
func (d *MutableDocument) HasLocalMutations() bool { return d.state == HasLocalMutations }

// HasCommittedMutations reports whether d reflects an acknowledged write not
// yet confirmed by a listen stream.
func (d *MutableDocument) HasCommittedMutations() bool { return d.state == HasCommittedMutations }

// HasPendingWrites reports whether either mutation flag is set.
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Clone returns an independent copy.
func (d *MutableDocument) Clone() *MutableDocument {
	cp := *d
	return &cp
}

// Equal compares every attribute except read time.
func (d *MutableDocument) Equal(other *MutableDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key == other.key &&
		d.docType == other.docType &&
		d.version == other.version &&
		d.state == other.state &&
		d.data.Equal(other.data)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %v, state=%d)", d.key, d.docType, d.version, d.data, d.state)
}

// DocumentMap maps keys to documents.
type DocumentMap map[DocumentKey]*MutableDocument

// SortedKeys returns the keys of m in key order.
func (m DocumentMap) SortedKeys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// KeySet returns the keys of m.
func (m DocumentMap) KeySet() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for k := range m {
		s.Add(k)
	}
	return s
}

// OverlayedDocument is a document with overlays applied together with the
// fields the overlays touched. A nil MutatedFields means the whole document
// was replaced.
type OverlayedDocument struct {
	Document      *MutableDocument
	MutatedFields *FieldMask
}

// DocumentComparator orders documents.
type DocumentComparator func(a, b *MutableDocument) int

// CompareByKey orders documents by key.
func CompareByKey(a, b *MutableDocument) int { return a.Key().Compare(b.Key()) }

// DocumentSet is an ordered set of documents with unique keys.
type DocumentSet struct {
	cmp   DocumentComparator
	docs  []*MutableDocument
	byKey map[DocumentKey]*MutableDocument
}

// NewDocumentSet returns an empty set ordered by cmp, or by key when cmp is
// nil.
func NewDocumentSet(cmp DocumentComparator) *DocumentSet {
	if cmp == nil {
		cmp = CompareByKey
	}
	return &DocumentSet{cmp: cmp, byKey: make(map[DocumentKey]*MutableDocument)}
}

func (s *DocumentSet) less(a, b *MutableDocument) bool {
	if c := s.cmp(a, b); c != 0 {
		return c < 0
	}
	return a.Key().Compare(b.Key()) < 0
}

// Len returns the number of documents.
func (s *DocumentSet) Len() int { return len(s.docs) }

// IsEmpty reports whether the set is empty.
func (s *DocumentSet) IsEmpty() bool { return len(s.docs) == 0 }

// Has reports whether a document with key is present.
func (s *DocumentSet) Has(key DocumentKey) bool {
	_, ok := s.byKey[key]
	return ok
}

// Get returns the document with key, or nil.
func (s *DocumentSet) Get(key DocumentKey) *MutableDocument { return s.byKey[key] }

// First returns the smallest document, or nil.
func (s *DocumentSet) First() *MutableDocument {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[0]
}

// Last returns the largest document, or nil.
func (s *DocumentSet) Last() *MutableDocument {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[len(s.docs)-1]
}

// IndexOf returns the position of key, or -1.
func (s *DocumentSet) IndexOf(key DocumentKey) int {
	d, ok := s.byKey[key]
	if !ok {
		return -1
	}
	return s.search(d)
}

func (s *DocumentSet) search(d *MutableDocument) int {
	i := sort.Search(len(s.docs), func(i int) bool { return !s.less(s.docs[i], d) })
	if i < len(s.docs) && s.docs[i].Key() == d.Key() {
		return i
	}
	return -1
}

// Add inserts or replaces a document.
func (s *DocumentSet) Add(d *MutableDocument) {
	s.Delete(d.Key())
	i := sort.Search(len(s.docs), func(i int) bool { return !s.less(s.docs[i], d) })
	s.docs = append(s.docs, nil)
	copy(s.docs[i+1:], s.docs[i:])
	s.docs[i] = d
	s.byKey[d.Key()] = d
}

// Delete removes the document with key.
func (s *DocumentSet) Delete(key DocumentKey) {
	old, ok := s.byKey[key]
	if !ok {
		return
	}
	if i := s.search(old); i >= 0 {
		s.docs = append(s.docs[:i], s.docs[i+1:]...)
	}
	delete(s.byKey, key)
}

// Docs returns the documents in order. Callers must not modify the slice.
func (s *DocumentSet) Docs() []*MutableDocument { return s.docs }

// Keys returns the keys of the documents.
func (s *DocumentSet) Keys() DocumentKeySet {
	out := make(DocumentKeySet, len(s.docs))
	for _, d := range s.docs {
		out.Add(d.Key())
	}
	return out
}

// Clone returns a copy with the same comparator.
func (s *DocumentSet) Clone() *DocumentSet {
	cp := &DocumentSet{cmp: s.cmp, docs: make([]*MutableDocument, len(s.docs)), byKey: make(map[DocumentKey]*MutableDocument, len(s.byKey))}
	copy(cp.docs, s.docs)
	for k, v := range s.byKey {
		cp.byKey[k] = v
	}
	return cp
}

// Equal reports whether both sets hold equal documents in the same order.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if len(s.docs) != len(other.docs) {
		return false
	}
	for i := range s.docs {
		if !s.docs[i].Equal(other.docs[i]) {
			return false
		}
	}
	return true
}
