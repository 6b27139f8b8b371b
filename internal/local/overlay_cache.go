package local

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/schema"
)

// DocumentOverlayCache stores, per user and document, the squashed effect
// of every pending batch. Overlays are a cache: they can always be rebuilt
// from the mutation queue.
type DocumentOverlayCache struct {
	uid string
}

// NewDocumentOverlayCache returns the overlay cache of user.
func NewDocumentOverlayCache(user model.User) *DocumentOverlayCache {
	return &DocumentOverlayCache{uid: user.UID}
}

// GetOverlay returns the overlay of key, or nil.
func (c *DocumentOverlayCache) GetOverlay(tx *persistence.Transaction, key model.DocumentKey) (*model.Overlay, error) {
	row, err := persistence.GetRow[schema.OverlayRow](tx.Store(schema.DocumentOverlays), schema.DocumentOverlayKey(c.uid, key))
	if err != nil || row == nil {
		return nil, err
	}
	o := row.ToOverlay()
	return &o, nil
}

// GetOverlays returns the overlays of keys that have one.
func (c *DocumentOverlayCache) GetOverlays(tx *persistence.Transaction, keys model.DocumentKeySet) (map[model.DocumentKey]model.Overlay, error) {
	out := make(map[model.DocumentKey]model.Overlay)
	for _, k := range keys.Sorted() {
		o, err := c.GetOverlay(tx, k)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[k] = *o
		}
	}
	return out, nil
}

// SaveOverlays stores overlays, all produced by batches up to
// largestBatchID, replacing any existing overlay of the same keys.
func (c *DocumentOverlayCache) SaveOverlays(tx *persistence.Transaction, largestBatchID int, overlays map[model.DocumentKey]model.Mutation) error {
	for key, m := range overlays {
		if err := c.removeOverlay(tx, key); err != nil {
			return err
		}
		o := model.Overlay{LargestBatchID: largestBatchID, Mutation: m}
		if err := persistence.PutRow(tx.Store(schema.DocumentOverlays), schema.DocumentOverlayKey(c.uid, key), schema.NewOverlayRow(c.uid, o)); err != nil {
			return fmt.Errorf("failed to save overlay of %s: %w", key, err)
		}
		if err := tx.Store(schema.DocumentOverlaysByCollection).Put(
			schema.OverlayByCollectionKey(c.uid, key.CollectionPath(), largestBatchID, key.DocumentID()), []byte{}); err != nil {
			return err
		}
		if err := tx.Store(schema.DocumentOverlaysByCollectionGroup).Put(
			schema.OverlayByGroupKey(c.uid, key.CollectionGroup(), largestBatchID, key), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (c *DocumentOverlayCache) removeOverlay(tx *persistence.Transaction, key model.DocumentKey) error {
	existing, err := c.GetOverlay(tx, key)
	if err != nil || existing == nil {
		return err
	}
	if err := tx.Store(schema.DocumentOverlays).Delete(schema.DocumentOverlayKey(c.uid, key)); err != nil {
		return err
	}
	if err := tx.Store(schema.DocumentOverlaysByCollection).Delete(
		schema.OverlayByCollectionKey(c.uid, key.CollectionPath(), existing.LargestBatchID, key.DocumentID())); err != nil {
		return err
	}
	return tx.Store(schema.DocumentOverlaysByCollectionGroup).Delete(
		schema.OverlayByGroupKey(c.uid, key.CollectionGroup(), existing.LargestBatchID, key))
}

// RemoveOverlaysForBatchID removes the overlays of keys that were last
// written by batchID.
func (c *DocumentOverlayCache) RemoveOverlaysForBatchID(tx *persistence.Transaction, keys model.DocumentKeySet, batchID int) error {
	for _, k := range keys.Sorted() {
		o, err := c.GetOverlay(tx, k)
		if err != nil {
			return err
		}
		if o != nil && o.LargestBatchID == batchID {
			if err := c.removeOverlay(tx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetOverlaysForCollection returns the overlays of documents directly
// inside collection whose largest batch id is above sinceBatchID.
func (c *DocumentOverlayCache) GetOverlaysForCollection(tx *persistence.Transaction, collection model.ResourcePath, sinceBatchID int) (map[model.DocumentKey]model.Overlay, error) {
	r := persistence.PrefixRange(schema.OverlayByCollectionPrefix(c.uid, collection))
	r.Start = schema.OverlayByCollectionStart(c.uid, collection, sinceBatchID)
	keys := model.NewDocumentKeySet()
	err := tx.Store(schema.DocumentOverlaysByCollection).Iterate(r, false, func(raw, _ []byte) error {
		key, err := schema.DecodeOverlayByCollectionKey(raw)
		if err != nil {
			return err
		}
		keys.Add(key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.GetOverlays(tx, keys)
}

// GetOverlaysForCollectionGroup returns at least count overlays of group
// with a largest batch id above sinceBatchID, in batch order. Overlays of
// the batch that reaches count are all included, so a batch is never split
// across calls.
func (c *DocumentOverlayCache) GetOverlaysForCollectionGroup(tx *persistence.Transaction, group string, sinceBatchID, count int) (map[model.DocumentKey]model.Overlay, error) {
	r := persistence.PrefixRange(schema.OverlayByGroupPrefix(c.uid, group))
	r.Start = schema.OverlayByGroupStart(c.uid, group, sinceBatchID)
	keys := model.NewDocumentKeySet()
	currentBatch := model.BatchIDUnknown
	err := tx.Store(schema.DocumentOverlaysByCollectionGroup).Iterate(r, false, func(raw, _ []byte) error {
		batchID, key, err := schema.DecodeOverlayByGroupKey(raw)
		if err != nil {
			return err
		}
		if keys.Len() >= count && batchID != currentBatch {
			return persistence.ErrStop
		}
		currentBatch = batchID
		keys.Add(key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.GetOverlays(tx, keys)
}
