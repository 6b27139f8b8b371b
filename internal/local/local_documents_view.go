package local

import (
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// LocalDocumentsView combines the remote document cache with the user's
// overlays to produce the documents as the user sees them.
type LocalDocumentsView struct {
	docs      *RemoteDocumentCache
	mutations *MutationQueue
	overlays  *DocumentOverlayCache
	indexes   *IndexManager
}

// NewLocalDocumentsView returns a view over the given caches.
func NewLocalDocumentsView(docs *RemoteDocumentCache, mutations *MutationQueue, overlays *DocumentOverlayCache, indexes *IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{docs: docs, mutations: mutations, overlays: overlays, indexes: indexes}
}

// baseDocument returns the document an overlay applies to. Set and delete
// overlays replace the whole document, so the cache is not read for them.
func (v *LocalDocumentsView) baseDocument(tx *persistence.Transaction, key model.DocumentKey, overlay *model.Overlay) (*model.MutableDocument, error) {
	if overlay == nil || overlay.Mutation.Type == model.PatchMutation {
		return v.docs.GetEntry(tx, key)
	}
	return model.NewInvalidDocument(key), nil
}

// GetDocument returns the local view of key. The result is an invalid
// document when nothing is known about key.
func (v *LocalDocumentsView) GetDocument(tx *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	overlay, err := v.overlays.GetOverlay(tx, key)
	if err != nil {
		return nil, err
	}
	doc, err := v.baseDocument(tx, key, overlay)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		empty := model.NewFieldMask()
		overlay.Mutation.ApplyToLocalView(doc, &empty, model.Now())
	}
	return doc, nil
}

// GetDocuments returns the local view of keys.
func (v *LocalDocumentsView) GetDocuments(tx *persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.docs.GetEntries(tx, keys)
	if err != nil {
		return nil, err
	}
	return v.GetLocalViewOfDocuments(tx, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies the overlays to docs, which hold the
// remote versions. Overlays of documents in existenceChanged are
// recalculated first, since a patch may now apply (or stop applying).
func (v *LocalDocumentsView) GetLocalViewOfDocuments(tx *persistence.Transaction, docs model.DocumentMap, existenceChanged model.DocumentKeySet) (model.DocumentMap, error) {
	overlayed, err := v.GetOverlayedDocuments(tx, docs, existenceChanged)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap, len(overlayed))
	for k, od := range overlayed {
		out[k] = od.Document
	}
	return out, nil
}

// GetOverlayedDocuments is GetLocalViewOfDocuments that also reports the
// fields each overlay touched.
func (v *LocalDocumentsView) GetOverlayedDocuments(tx *persistence.Transaction, docs model.DocumentMap, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	overlays, err := v.overlays.GetOverlays(tx, docs.KeySet())
	if err != nil {
		return nil, err
	}
	return v.computeViews(tx, docs, overlays, existenceChanged)
}

func (v *LocalDocumentsView) computeViews(tx *persistence.Transaction, docs model.DocumentMap, overlays map[model.DocumentKey]model.Overlay, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	recalculate := make(model.DocumentMap)
	masks := make(map[model.DocumentKey]*model.FieldMask, len(docs))
	for key, doc := range docs {
		overlay, ok := overlays[key]
		switch {
		case existenceChanged.Has(key) && (!ok || overlay.Mutation.Type == model.PatchMutation):
			recalculate[key] = doc
		case ok:
			empty := model.NewFieldMask()
			masks[key] = overlay.Mutation.ApplyToLocalView(doc, &empty, model.Now())
		default:
			empty := model.NewFieldMask()
			masks[key] = &empty
		}
	}
	recalculated, err := v.recalculateAndSaveOverlays(tx, recalculate)
	if err != nil {
		return nil, err
	}
	for k, m := range recalculated {
		masks[k] = m
	}
	out := make(map[model.DocumentKey]*model.OverlayedDocument, len(docs))
	for key, doc := range docs {
		out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: masks[key]}
	}
	return out, nil
}

// recalculateAndSaveOverlays replays every batch affecting docs onto them
// and stores the resulting overlays. Each key's overlay is attributed to
// the most recent batch that touched it. It returns the mutated fields of
// each document.
func (v *LocalDocumentsView) recalculateAndSaveOverlays(tx *persistence.Transaction, docs model.DocumentMap) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := make(map[model.DocumentKey]*model.FieldMask, len(docs))
	if len(docs) == 0 {
		return masks, nil
	}
	batches, err := v.mutations.GetAllMutationBatchesAffectingDocumentKeys(tx, docs.KeySet())
	if err != nil {
		return nil, err
	}
	for key := range docs {
		empty := model.NewFieldMask()
		masks[key] = &empty
	}
	touchedBy := make(map[int]model.DocumentKeySet)
	for _, b := range batches {
		for _, key := range b.Keys().Sorted() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			masks[key] = b.ApplyToLocalView(doc, masks[key])
			if touchedBy[b.BatchID] == nil {
				touchedBy[b.BatchID] = model.NewDocumentKeySet()
			}
			touchedBy[b.BatchID].Add(key)
		}
	}

	ids := make([]int, 0, len(touchedBy))
	for id := range touchedBy {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	processed := model.NewDocumentKeySet()
	for _, id := range ids {
		overlays := make(map[model.DocumentKey]model.Mutation)
		for _, key := range touchedBy[id].Sorted() {
			if processed.Has(key) {
				continue
			}
			processed.Add(key)
			if m := model.CalculateOverlayMutation(docs[key], masks[key]); m != nil {
				overlays[key] = *m
			}
		}
		if err := v.overlays.SaveOverlays(tx, id, overlays); err != nil {
			return nil, err
		}
	}
	return masks, nil
}

// RecalculateAndSaveOverlaysForDocumentKeys rebuilds the overlays of keys
// from the remote documents and the mutation queue.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(tx *persistence.Transaction, keys model.DocumentKeySet) error {
	docs, err := v.docs.GetEntries(tx, keys)
	if err != nil {
		return err
	}
	_, err = v.recalculateAndSaveOverlays(tx, docs)
	return err
}

// GetDocumentsMatchingQuery returns the local view of the documents
// matching q that changed after offset. Documents whose overlays were
// written after offset's batch are always included.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(tx *persistence.Transaction, q query.Query, offset model.IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(tx, q.Path)
	case q.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(tx, q, offset, qctx)
	default:
		return v.documentsMatchingCollectionQuery(tx, q, offset, qctx)
	}
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(tx *persistence.Transaction, path model.ResourcePath) (model.DocumentMap, error) {
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return nil, err
	}
	doc, err := v.GetDocument(tx, key)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(tx *persistence.Transaction, q query.Query, offset model.IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	parents, err := v.indexes.GetCollectionParents(tx, q.CollectionGroup)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	for _, parent := range parents {
		docs, err := v.documentsMatchingCollectionQuery(tx, q.AsCollectionQueryAtPath(parent.Child(q.CollectionGroup)), offset, qctx)
		if err != nil {
			return nil, err
		}
		for k, d := range docs {
			out[k] = d
		}
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(tx *persistence.Transaction, q query.Query, offset model.IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(tx, q.Path, offset.LargestBatchID)
	if err != nil {
		return nil, err
	}
	mutated := make(model.DocumentKeySet, len(overlays))
	for k := range overlays {
		mutated.Add(k)
	}
	docs, err := v.docs.GetDocumentsMatchingQuery(tx, q, offset, mutated, qctx)
	if err != nil {
		return nil, err
	}
	// Documents that only exist locally have no remote entry yet.
	for k := range overlays {
		if _, ok := docs[k]; !ok {
			docs[k] = model.NewInvalidDocument(k)
		}
	}
	out := make(model.DocumentMap, len(docs))
	for k, doc := range docs {
		if overlay, ok := overlays[k]; ok {
			empty := model.NewFieldMask()
			overlay.Mutation.ApplyToLocalView(doc, &empty, model.Now())
		}
		if q.Matches(doc) {
			out[k] = doc
		}
	}
	return out, nil
}

// LocalViewChanges is a page of documents for the index backfiller.
type LocalViewChanges struct {
	BatchID int
	Changes model.DocumentMap
}

// GetNextDocuments returns up to count documents of group changed after
// offset, including documents with overlays newer than offset's batch.
func (v *LocalDocumentsView) GetNextDocuments(tx *persistence.Transaction, group string, offset model.IndexOffset, count int) (LocalViewChanges, error) {
	docs, err := v.docs.GetAllFromCollectionGroup(tx, group, offset, count)
	if err != nil {
		return LocalViewChanges{}, err
	}
	var overlays map[model.DocumentKey]model.Overlay
	if count-len(docs) > 0 {
		overlays, err = v.overlays.GetOverlaysForCollectionGroup(tx, group, offset.LargestBatchID, count-len(docs))
	} else {
		overlays = make(map[model.DocumentKey]model.Overlay)
	}
	if err != nil {
		return LocalViewChanges{}, err
	}

	largestBatchID := model.BatchIDUnknown
	missing := model.NewDocumentKeySet()
	for k, o := range overlays {
		if _, ok := docs[k]; !ok {
			missing.Add(k)
		}
		largestBatchID = max(largestBatchID, o.LargestBatchID)
	}
	extra, err := v.docs.GetEntries(tx, missing)
	if err != nil {
		return LocalViewChanges{}, err
	}
	for k, d := range extra {
		docs[k] = d
	}
	// Overlays of documents in this page must be applied even when they
	// are older than offset.
	pageOverlays, err := v.overlays.GetOverlays(tx, docs.KeySet())
	if err != nil {
		return LocalViewChanges{}, err
	}
	views, err := v.computeViews(tx, docs, pageOverlays, model.NewDocumentKeySet())
	if err != nil {
		return LocalViewChanges{}, err
	}
	out := make(model.DocumentMap, len(views))
	for k, od := range views {
		out[k] = od.Document
	}
	return LocalViewChanges{BatchID: largestBatchID, Changes: out}, nil
}
