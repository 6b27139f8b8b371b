// Package bundle reads document bundles: JSON-lines files holding a
// metadata element followed by named queries, document metadata and
// documents, produced by a server so clients can seed their cache without
// a listen.
//
// A bundle looks like:
//
//	{"metadata":{"id":"rooms-2024","createTime":{"seconds":1700000000},"version":1,"totalDocuments":1}}
//	{"namedQuery":{"name":"latest","readTime":{"seconds":1700000000},"query":{...}}}
//	{"documentMetadata":{"name":"rooms/r1","readTime":{"seconds":1700000000},"exists":true,"queries":["latest"]}}
//	{"document":{"name":"rooms/r1","fields":{...},"updateTime":{"seconds":1699999000}}}
package bundle

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// Metadata describes a bundle.
type Metadata struct {
	ID             string          `json:"id"`
	CreateTime     model.Timestamp `json:"createTime"`
	Version        int             `json:"version"`
	TotalDocuments int             `json:"totalDocuments"`
	TotalBytes     int64           `json:"totalBytes"`
}

// NamedQuery is a query saved under a name together with the read time of
// its results in the bundle.
type NamedQuery struct {
	Name     string                `json:"name"`
	ReadTime model.SnapshotVersion `json:"readTime"`
	Query    query.Query           `json:"query"`
}

// DocumentMetadata precedes every document. A document that does not exist
// has metadata only.
type DocumentMetadata struct {
	Key      model.DocumentKey     `json:"name"`
	ReadTime model.SnapshotVersion `json:"readTime"`
	Exists   bool                  `json:"exists"`
	Queries  []string              `json:"queries,omitempty"`
}

// Document is the content of an existing bundled document.
type Document struct {
	Key        model.DocumentKey     `json:"name"`
	Fields     model.ObjectValue     `json:"fields"`
	CreateTime model.SnapshotVersion `json:"createTime"`
	UpdateTime model.SnapshotVersion `json:"updateTime"`
}

// Element is one line of a bundle. Exactly one field is set.
type Element struct {
	Metadata         *Metadata         `json:"metadata,omitempty"`
	NamedQuery       *NamedQuery       `json:"namedQuery,omitempty"`
	DocumentMetadata *DocumentMetadata `json:"documentMetadata,omitempty"`
	Document         *Document         `json:"document,omitempty"`
}

func (e *Element) validate() error {
	n := 0
	for _, set := range []bool{e.Metadata != nil, e.NamedQuery != nil, e.DocumentMetadata != nil, e.Document != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("element must hold exactly one value, got %d", n)
	}
	return nil
}

// ErrNoMetadata is returned for a bundle that does not start with its
// metadata.
var ErrNoMetadata = errors.New("bundle does not start with metadata")

// Reader decodes the elements of a bundle.
type Reader struct {
	scanner   *bufio.Scanner
	metadata  *Metadata
	line      int
	bytesRead int64
}

// maxLineSize bounds a single element.
const maxLineSize = 16 << 20

// NewReader reads the metadata element of r and returns a reader positioned
// at the next element.
func NewReader(r io.Reader) (*Reader, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	rd := &Reader{scanner: s}
	first, err := rd.Next()
	if err == io.EOF || (err == nil && first.Metadata == nil) {
		return nil, ErrNoMetadata
	}
	if err != nil {
		return nil, err
	}
	if first.Metadata.ID == "" {
		return nil, fmt.Errorf("bundle metadata has no id")
	}
	rd.metadata = first.Metadata
	return rd, nil
}

// Metadata returns the bundle's metadata.
func (r *Reader) Metadata() Metadata { return *r.metadata }

// BytesRead returns the number of bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.bytesRead }

// Next returns the next element, or io.EOF after the last. Blank lines are
// skipped.
func (r *Reader) Next() (*Element, error) {
	for r.scanner.Scan() {
		r.line++
		raw := r.scanner.Bytes()
		r.bytesRead += int64(len(raw)) + 1
		if len(raw) == 0 {
			continue
		}
		var e Element
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", r.line, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("invalid element at line %d: %w", r.line, err)
		}
		if e.Metadata != nil && r.metadata != nil {
			return nil, fmt.Errorf("unexpected second metadata at line %d", r.line)
		}
		return &e, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	return nil, io.EOF
}
