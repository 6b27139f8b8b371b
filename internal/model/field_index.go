package model

import (
	"fmt"
	"strings"
)

// SegmentKind is how an index segment orders or matches its field.
type SegmentKind int

const (
	Ascending SegmentKind = iota
	Descending
	Contains
)

func (k SegmentKind) String() string {
	switch k {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	case Contains:
		return "contains"
	}
	return fmt.Sprintf("SegmentKind(%d)", int(k))
}

// ParseSegmentKind parses the String form of a SegmentKind.
func ParseSegmentKind(s string) (SegmentKind, error) {
	switch strings.ToLower(s) {
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	case "contains", "array-contains":
		return Contains, nil
	}
	return 0, fmt.Errorf("unknown index segment kind %q", s)
}

// IndexSegment is one field of a FieldIndex.
type IndexSegment struct {
	FieldPath FieldPath   `json:"fieldPath"`
	Kind      SegmentKind `json:"kind"`
}

// UnknownIndexID marks a FieldIndex that has not been persisted.
const UnknownIndexID = -1

// InitialSequenceNumber is the sequence number of a never-updated index.
const InitialSequenceNumber = 0

// IndexOffset is a position in the remote document cache ordered by read
// time, then document key, then largest batch id.
type IndexOffset struct {
	ReadTime       SnapshotVersion `json:"readTime"`
	DocumentKey    DocumentKey     `json:"documentKey"`
	LargestBatchID int             `json:"largestBatchId"`
}

// MinOffset sorts before every document.
func MinOffset() IndexOffset {
	return IndexOffset{DocumentKey: EmptyKey(), LargestBatchID: BatchIDUnknown}
}

// OffsetFromReadTime returns the offset just after everything read at or
// before readTime.
func OffsetFromReadTime(readTime SnapshotVersion, largestBatchID int) IndexOffset {
	ts := readTime.Timestamp
	if ts.Nanos+1 == 1e9 {
		ts = Timestamp{Seconds: ts.Seconds + 1}
	} else {
		ts.Nanos++
	}
	return IndexOffset{ReadTime: SnapshotVersion{ts}, DocumentKey: EmptyKey(), LargestBatchID: largestBatchID}
}

// OffsetFromDocument returns the offset of doc.
func OffsetFromDocument(doc *MutableDocument) IndexOffset {
	return IndexOffset{ReadTime: doc.ReadTime(), DocumentKey: doc.Key(), LargestBatchID: BatchIDUnknown}
}

// Compare orders offsets.
func (o IndexOffset) Compare(other IndexOffset) int {
	if c := o.ReadTime.Compare(other.ReadTime); c != 0 {
		return c
	}
	if c := o.DocumentKey.Compare(other.DocumentKey); c != 0 {
		return c
	}
	return cmpInt(int64(o.LargestBatchID), int64(other.LargestBatchID))
}

// IndexState tracks backfill progress of one index for one user.
type IndexState struct {
	SequenceNumber int64       `json:"sequenceNumber"`
	Offset         IndexOffset `json:"offset"`
}

// FieldIndex is a secondary index over a collection group.
type FieldIndex struct {
	IndexID         int            `json:"indexId"`
	CollectionGroup string         `json:"collectionGroup"`
	Segments        []IndexSegment `json:"segments"`
	State           IndexState     `json:"state"`
}

// ArraySegment returns the contains segment, if any.
func (f *FieldIndex) ArraySegment() (IndexSegment, bool) {
	for _, s := range f.Segments {
		if s.Kind == Contains {
			return s, true
		}
	}
	return IndexSegment{}, false
}

// DirectionalSegments returns the ascending and descending segments.
func (f *FieldIndex) DirectionalSegments() []IndexSegment {
	out := make([]IndexSegment, 0, len(f.Segments))
	for _, s := range f.Segments {
		if s.Kind != Contains {
			out = append(out, s)
		}
	}
	return out
}

// SemanticEqual reports whether both indexes cover the same fields in the
// same way, ignoring id and state.
func (f *FieldIndex) SemanticEqual(other *FieldIndex) bool {
	return CompareFieldIndexes(f, other) == 0
}

// CompareFieldIndexes orders indexes by collection group then segments.
func CompareFieldIndexes(a, b *FieldIndex) int {
	if c := strings.Compare(a.CollectionGroup, b.CollectionGroup); c != 0 {
		return c
	}
	n := min(len(a.Segments), len(b.Segments))
	for i := 0; i < n; i++ {
		if c := a.Segments[i].FieldPath.Compare(b.Segments[i].FieldPath); c != 0 {
			return c
		}
		if c := cmpInt(int64(a.Segments[i].Kind), int64(b.Segments[i].Kind)); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a.Segments)), int64(len(b.Segments)))
}

func (f *FieldIndex) String() string {
	parts := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		parts[i] = s.FieldPath.CanonicalString() + " " + s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", f.CollectionGroup, strings.Join(parts, ", "))
}
