package local

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/schema"
)

// QueryContext counts the documents a query execution read.
type QueryContext struct {
	DocumentReadCount int
}

// RemoteDocumentCache holds the latest server-confirmed version of every
// cached document together with the total size of the cache.
type RemoteDocumentCache struct {
	indexes *IndexManager
}

// NewRemoteDocumentCache returns a cache that registers new collections in
// indexes.
func NewRemoteDocumentCache(indexes *IndexManager) *RemoteDocumentCache {
	return &RemoteDocumentCache{indexes: indexes}
}

// read returns the stored document and its encoded size, or an invalid
// document of size zero.
func (c *RemoteDocumentCache) read(tx *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, int64, error) {
	data, err := tx.Store(schema.RemoteDocuments).Get(schema.RemoteDocumentKey(key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if data == nil {
		return model.NewInvalidDocument(key), 0, nil
	}
	row, err := schema.Decode[schema.RemoteDocumentRow](data)
	if err != nil {
		return nil, 0, err
	}
	return row.ToDocument(), int64(len(data)), nil
}

// GetEntry returns the cached document of key, or an invalid document.
func (c *RemoteDocumentCache) GetEntry(tx *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, _, err := c.read(tx, key)
	return doc, err
}

// GetEntries returns an entry for every key, invalid when not cached.
func (c *RemoteDocumentCache) GetEntries(tx *persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, keys.Len())
	for _, k := range keys.Sorted() {
		doc, err := c.GetEntry(tx, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	return out, nil
}

// GetSize returns the byte size of the cache.
func (c *RemoteDocumentCache) GetSize(tx *persistence.Transaction) (int64, error) {
	row, err := persistence.GetRow[schema.RemoteDocumentGlobalRow](tx.Store(schema.RemoteDocumentGlobal), schema.SingletonKey())
	if err != nil || row == nil {
		return 0, err
	}
	return row.ByteSize, nil
}

func (c *RemoteDocumentCache) addSize(tx *persistence.Transaction, delta int64) error {
	if delta == 0 {
		return nil
	}
	size, err := c.GetSize(tx)
	if err != nil {
		return err
	}
	return persistence.PutRow(tx.Store(schema.RemoteDocumentGlobal), schema.SingletonKey(),
		&schema.RemoteDocumentGlobalRow{ByteSize: max(size+delta, 0)})
}

// write stores doc and its read time index rows and returns the size change.
func (c *RemoteDocumentCache) write(tx *persistence.Transaction, doc *model.MutableDocument) (int64, error) {
	key := doc.Key()
	old, oldSize, err := c.read(tx, key)
	if err != nil {
		return 0, err
	}
	if err := c.deleteIndexRows(tx, old); err != nil {
		return 0, err
	}
	data, err := schema.Encode(schema.NewRemoteDocumentRow(doc))
	if err != nil {
		return 0, err
	}
	if err := tx.Store(schema.RemoteDocuments).Put(schema.RemoteDocumentKey(key), data); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tx.Store(schema.RemoteDocumentsByCollection).Put(schema.RemoteDocumentByCollectionKey(key, doc.ReadTime()), []byte{}); err != nil {
		return 0, err
	}
	if err := tx.Store(schema.RemoteDocumentsByGroup).Put(schema.RemoteDocumentByGroupKey(key, doc.ReadTime()), []byte{}); err != nil {
		return 0, err
	}
	if err := c.indexes.AddToCollectionParentIndex(tx, key.CollectionPath()); err != nil {
		return 0, err
	}
	return int64(len(data)) - oldSize, nil
}

// remove deletes key and returns the size change.
func (c *RemoteDocumentCache) remove(tx *persistence.Transaction, key model.DocumentKey) (int64, error) {
	old, oldSize, err := c.read(tx, key)
	if err != nil || !old.IsValidDocument() {
		return 0, err
	}
	if err := c.deleteIndexRows(tx, old); err != nil {
		return 0, err
	}
	if err := tx.Store(schema.RemoteDocuments).Delete(schema.RemoteDocumentKey(key)); err != nil {
		return 0, err
	}
	return -oldSize, nil
}

func (c *RemoteDocumentCache) deleteIndexRows(tx *persistence.Transaction, old *model.MutableDocument) error {
	if !old.IsValidDocument() {
		return nil
	}
	if err := tx.Store(schema.RemoteDocumentsByCollection).Delete(schema.RemoteDocumentByCollectionKey(old.Key(), old.ReadTime())); err != nil {
		return err
	}
	return tx.Store(schema.RemoteDocumentsByGroup).Delete(schema.RemoteDocumentByGroupKey(old.Key(), old.ReadTime()))
}

// afterOffset reports whether doc sorts after offset by read time, then
// key.
func afterOffset(doc *model.MutableDocument, offset model.IndexOffset) bool {
	if c := doc.ReadTime().Compare(offset.ReadTime); c != 0 {
		return c > 0
	}
	return doc.Key().Compare(offset.DocumentKey) > 0
}

// GetDocumentsMatchingQuery returns the cached documents directly inside
// the query's collection that were read after offset and either match q
// or are in mutatedKeys. Documents with local mutations must be returned
// even when their remote version does not match, since the overlay may
// make them match.
func (c *RemoteDocumentCache) GetDocumentsMatchingQuery(tx *persistence.Transaction, q query.Query, offset model.IndexOffset, mutatedKeys model.DocumentKeySet, qctx *QueryContext) (model.DocumentMap, error) {
	coll := q.Path
	prefix := schema.RemoteDocumentCollectionPrefix(coll)
	var keys []model.DocumentKey
	r := persistence.PrefixRange(prefix)
	if offset.Compare(model.MinOffset()) > 0 {
		docID := ""
		if !offset.DocumentKey.IsEmpty() {
			docID = offset.DocumentKey.DocumentID()
		}
		r.Start = schema.RemoteDocumentByCollectionStart(coll, offset.ReadTime, docID)
	}
	err := tx.Store(schema.RemoteDocumentsByCollection).Iterate(r, false, func(k, _ []byte) error {
		_, key, err := schema.DecodeRemoteDocumentByCollectionKey(k)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(model.DocumentMap)
	for _, key := range keys {
		doc, err := c.GetEntry(tx, key)
		if err != nil {
			return nil, err
		}
		if qctx != nil {
			qctx.DocumentReadCount++
		}
		if !doc.IsValidDocument() || !afterOffset(doc, offset) {
			continue
		}
		if mutatedKeys.Has(key) || q.Matches(doc) {
			out[key] = doc
		}
	}
	return out, nil
}

// GetAllFromCollectionGroup returns up to limit documents of group read
// after offset, in read time order.
func (c *RemoteDocumentCache) GetAllFromCollectionGroup(tx *persistence.Transaction, group string, offset model.IndexOffset, limit int) (model.DocumentMap, error) {
	r := persistence.PrefixRange(schema.RemoteDocumentByGroupPrefix(group))
	r.Start = schema.RemoteDocumentByGroupStart(group, offset.ReadTime, offset.DocumentKey)
	out := make(model.DocumentMap)
	err := tx.Store(schema.RemoteDocumentsByGroup).Iterate(r, false, func(k, _ []byte) error {
		if len(out) >= limit {
			return persistence.ErrStop
		}
		_, key, err := schema.DecodeRemoteDocumentByGroupKey(k)
		if err != nil {
			return err
		}
		doc, err := c.GetEntry(tx, key)
		if err != nil {
			return err
		}
		if doc.IsValidDocument() {
			out[key] = doc
		}
		return nil
	})
	return out, err
}

// GetNewDocumentChanges returns the documents of group read after
// sinceReadTime and the largest read time among them.
func (c *RemoteDocumentCache) GetNewDocumentChanges(tx *persistence.Transaction, group string, sinceReadTime model.SnapshotVersion) (model.DocumentMap, model.SnapshotVersion, error) {
	r := persistence.PrefixRange(schema.RemoteDocumentByGroupPrefix(group))
	if !sinceReadTime.IsMin() {
		r.Start = schema.RemoteDocumentByGroupStart(group, model.OffsetFromReadTime(sinceReadTime, model.BatchIDUnknown).ReadTime, model.EmptyKey())
	}
	out := make(model.DocumentMap)
	latest := sinceReadTime
	err := tx.Store(schema.RemoteDocumentsByGroup).Iterate(r, false, func(k, _ []byte) error {
		readTime, key, err := schema.DecodeRemoteDocumentByGroupKey(k)
		if err != nil {
			return err
		}
		doc, err := c.GetEntry(tx, key)
		if err != nil {
			return err
		}
		out[key] = doc
		if readTime.After(latest) {
			latest = readTime
		}
		return nil
	})
	return out, latest, err
}

// NewChangeBuffer returns a buffer for a batch of cache changes.
func (c *RemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return &RemoteDocumentChangeBuffer{
		cache:   c,
		changes: make(map[model.DocumentKey]*model.MutableDocument),
	}
}

// RemoteDocumentChangeBuffer collects document additions and removals made
// while applying one event and writes them, with a single size update, on
// Apply. Reads through the buffer see the buffered changes.
type RemoteDocumentChangeBuffer struct {
	cache   *RemoteDocumentCache
	changes map[model.DocumentKey]*model.MutableDocument
	applied bool
}

// AddEntry buffers doc, which must carry its read time.
func (b *RemoteDocumentChangeBuffer) AddEntry(doc *model.MutableDocument) {
	b.assertOpen()
	b.changes[doc.Key()] = doc.Clone()
}

// RemoveEntry buffers the removal of key.
func (b *RemoteDocumentChangeBuffer) RemoveEntry(key model.DocumentKey, readTime model.SnapshotVersion) {
	b.assertOpen()
	b.changes[key] = model.NewInvalidDocument(key).SetReadTime(readTime)
}

// GetEntry returns the buffered or cached document of key.
func (b *RemoteDocumentChangeBuffer) GetEntry(tx *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	b.assertOpen()
	if doc, ok := b.changes[key]; ok {
		return doc.Clone(), nil
	}
	return b.cache.GetEntry(tx, key)
}

// GetEntries returns the buffered or cached documents of keys.
func (b *RemoteDocumentChangeBuffer) GetEntries(tx *persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, keys.Len())
	for _, k := range keys.Sorted() {
		doc, err := b.GetEntry(tx, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	return out, nil
}

// Apply writes the buffered changes and the resulting size change.
func (b *RemoteDocumentChangeBuffer) Apply(tx *persistence.Transaction) error {
	b.assertOpen()
	b.applied = true
	var delta int64
	for _, key := range model.DocumentMap(b.changes).SortedKeys() {
		doc := b.changes[key]
		var d int64
		var err error
		if doc.IsValidDocument() {
			d, err = b.cache.write(tx, doc)
		} else {
			d, err = b.cache.remove(tx, key)
		}
		if err != nil {
			return err
		}
		delta += d
	}
	return b.cache.addSize(tx, delta)
}

func (b *RemoteDocumentChangeBuffer) assertOpen() {
	if b.applied {
		panic("remote document change buffer used after Apply")
	}
}
