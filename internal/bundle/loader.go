package bundle

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/steveyegge/docsync/internal/model"
)

// TaskState is the state of a bundle load.
type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskError   TaskState = "error"
)

// Progress reports how far a load got.
type Progress struct {
	TaskID          string    `json:"taskId"`
	State           TaskState `json:"state"`
	DocumentsLoaded int       `json:"documentsLoaded"`
	TotalDocuments  int       `json:"totalDocuments"`
	BytesLoaded     int64     `json:"bytesLoaded"`
	TotalBytes      int64     `json:"totalBytes"`
}

// BundledDocument pairs a document's metadata with its content, which is
// nil when the document does not exist.
type BundledDocument struct {
	Metadata DocumentMetadata
	Document *Document
}

// ToMutableDocument converts the bundled document into a cache entry read
// at its metadata's read time.
func (d BundledDocument) ToMutableDocument() *model.MutableDocument {
	if d.Document == nil {
		return model.NewNoDocument(d.Metadata.Key, d.Metadata.ReadTime).SetReadTime(d.Metadata.ReadTime)
	}
	doc := model.NewFoundDocument(d.Metadata.Key, d.Document.UpdateTime, d.Document.Fields)
	doc.SetCreateTime(d.Document.CreateTime)
	return doc.SetReadTime(d.Metadata.ReadTime)
}

// Contents is everything a bundle holds, in file order.
type Contents struct {
	Metadata  Metadata
	Queries   []NamedQuery
	Documents []BundledDocument
}

// KeysForQuery returns the keys of the documents the bundle lists as
// results of the named query.
func (c *Contents) KeysForQuery(name string) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, d := range c.Documents {
		for _, q := range d.Metadata.Queries {
			if q == name && d.Document != nil {
				keys.Add(d.Metadata.Key)
			}
		}
	}
	return keys
}

// Loader reads a bundle to the end while reporting progress after each
// document.
type Loader struct {
	reader   *Reader
	progress Progress
	onUpdate func(Progress)
}

// NewLoader returns a loader over r. onUpdate may be nil.
func NewLoader(r *Reader, onUpdate func(Progress)) *Loader {
	md := r.Metadata()
	return &Loader{
		reader: r,
		progress: Progress{
			TaskID:         uuid.NewString(),
			State:          TaskRunning,
			TotalDocuments: md.TotalDocuments,
			TotalBytes:     md.TotalBytes,
		},
		onUpdate: onUpdate,
	}
}

// Progress returns the current progress.
func (l *Loader) Progress() Progress { return l.progress }

func (l *Loader) report() {
	l.progress.BytesLoaded = l.reader.BytesRead()
	if l.onUpdate != nil {
		l.onUpdate(l.progress)
	}
}

// Fail marks the load failed and reports it.
func (l *Loader) Fail() {
	l.progress.State = TaskError
	l.report()
}

// Complete marks the load successful and reports it.
func (l *Loader) Complete() {
	l.progress.State = TaskSuccess
	l.report()
}

// Load reads every remaining element. A document must directly follow its
// metadata.
func (l *Loader) Load() (*Contents, error) {
	c := &Contents{Metadata: l.reader.Metadata()}
	l.report()
	var pending *DocumentMetadata
	flush := func() {
		if pending != nil {
			c.Documents = append(c.Documents, BundledDocument{Metadata: *pending})
			pending = nil
			l.progress.DocumentsLoaded++
			l.report()
		}
	}
	for {
		e, err := l.reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.Fail()
			return nil, err
		}
		switch {
		case e.NamedQuery != nil:
			flush()
			c.Queries = append(c.Queries, *e.NamedQuery)
		case e.DocumentMetadata != nil:
			flush()
			pending = e.DocumentMetadata
			if !pending.Exists {
				flush()
			}
		case e.Document != nil:
			if pending == nil || pending.Key != e.Document.Key {
				l.Fail()
				return nil, fmt.Errorf("document %s has no preceding metadata", e.Document.Key)
			}
			c.Documents = append(c.Documents, BundledDocument{Metadata: *pending, Document: e.Document})
			pending = nil
			l.progress.DocumentsLoaded++
			l.report()
		}
	}
	if pending != nil && pending.Exists {
		l.Fail()
		return nil, fmt.Errorf("document %s is missing from the bundle", pending.Key)
	}
	return c, nil
}
