package index

import (
	"bytes"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/model"
)

// Entry is one row of a field index: the encoded values a document holds
// for the index's segments.
type Entry struct {
	IndexID     int
	DocumentKey model.DocumentKey
	// ArrayValue is the encoded array element for the contains segment, or
	// empty when the index has none.
	ArrayValue []byte
	// DirectionalValue concatenates the encoded values of the ascending and
	// descending segments, in segment order.
	DirectionalValue []byte
}

// Compare orders entries the way the index stores them.
func (e Entry) Compare(other Entry) int {
	if c := cmpInt(e.IndexID, other.IndexID); c != 0 {
		return c
	}
	if c := bytes.Compare(e.ArrayValue, other.ArrayValue); c != 0 {
		return c
	}
	if c := bytes.Compare(e.DirectionalValue, other.DirectionalValue); c != 0 {
		return c
	}
	return e.DocumentKey.Compare(other.DocumentKey)
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

// ComputeEntries returns the entries doc contributes to fi. A document that
// lacks a directional field, or whose contains field is not an array,
// contributes nothing.
func ComputeEntries(fi *model.FieldIndex, doc *model.MutableDocument) []Entry {
	directional, ok := encodeDirectional(fi, doc)
	if !ok {
		return nil
	}
	seg, hasArray := fi.ArraySegment()
	if !hasArray {
		return []Entry{{IndexID: fi.IndexID, DocumentKey: doc.Key(), DirectionalValue: directional}}
	}
	v, ok := doc.Field(seg.FieldPath)
	if !ok || !v.IsArray() {
		return nil
	}
	var out []Entry
	seen := make(map[string]bool)
	for _, elem := range v.ArrayValue() {
		enc := EncodeValue(elem)
		if seen[string(enc)] {
			continue
		}
		seen[string(enc)] = true
		out = append(out, Entry{
			IndexID:          fi.IndexID,
			DocumentKey:      doc.Key(),
			ArrayValue:       enc,
			DirectionalValue: directional,
		})
	}
	return out
}

func encodeDirectional(fi *model.FieldIndex, doc *model.MutableDocument) ([]byte, bool) {
	var buf []byte
	for _, seg := range fi.DirectionalSegments() {
		v, ok := doc.Field(seg.FieldPath)
		if !ok {
			return nil, false
		}
		buf = AppendDirectional(buf, v, seg.Kind)
	}
	return buf, true
}

// next returns the smallest byte string above every string prefixed by p.
func next(p []byte) []byte {
	if end := encoding.PrefixEnd(p); end != nil {
		return end
	}
	return encoding.Successor(p)
}
