package sync

import (
	"slices"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// ChangeType is the kind of change a document went through in a view.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata changes only the document's pending-write state.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	}
	return "metadata"
}

// order sorts changes in a snapshot: removals first, then additions, then
// modifications.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	}
	return 2
}

// DocumentViewChange is one document's change between two snapshots.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// documentChangeSet merges successive changes of the same document into the
// single change a listener sees.
type documentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

func newDocumentChangeSet() *documentChangeSet {
	return &documentChangeSet{changes: make(map[model.DocumentKey]DocumentViewChange)}
}

func (s *documentChangeSet) track(change DocumentViewChange) {
	key := change.Doc.Key()
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}
	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		errs.Fail("unsupported combination of changes: %s after %s for %s", change.Type, old.Type, key)
	}
}

func (s *documentChangeSet) list() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	return out
}

// SyncState is how far a view is in sync with the backend.
type SyncState int

const (
	SyncNone SyncState = iota
	// SyncLocal views are served from cache only.
	SyncLocal
	// SyncSynced views match the backend at a consistent snapshot.
	SyncSynced
)

// ViewSnapshot is the state of a query's results at one point in time,
// together with the changes since the previous snapshot.
type ViewSnapshot struct {
	Query   query.Query
	Docs    *model.DocumentSet
	OldDocs *model.DocumentSet
	Changes []DocumentViewChange
	// MutatedKeys are the documents with pending local writes.
	MutatedKeys             model.DocumentKeySet
	FromCache               bool
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
	// HasCachedResults is set when the view started from previously
	// synced results in the cache.
	HasCachedResults bool
}

// FromInitialDocuments returns the first snapshot of a listener that joins
// an existing view: every document is reported as added.
func FromInitialDocuments(q query.Query, docs *model.DocumentSet, mutatedKeys model.DocumentKeySet, fromCache, excludesMetadataChanges, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, d := range docs.Docs() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}
	return &ViewSnapshot{
		Query:                   q,
		Docs:                    docs,
		OldDocs:                 model.NewDocumentSet(q.Comparator()),
		Changes:                 changes,
		MutatedKeys:             mutatedKeys,
		FromCache:               fromCache,
		SyncStateChanged:        true,
		ExcludesMetadataChanges: excludesMetadataChanges,
		HasCachedResults:        hasCachedResults,
	}
}

// HasPendingWrites reports whether any document has unacknowledged writes.
func (s *ViewSnapshot) HasPendingWrites() bool { return s.MutatedKeys.Len() > 0 }

// withoutMetadataChanges drops the metadata-only changes of s, or returns
// nil if nothing would be left to report.
func (s *ViewSnapshot) withoutMetadataChanges() *ViewSnapshot {
	var changes []DocumentViewChange
	for _, c := range s.Changes {
		if c.Type != ChangeMetadata {
			changes = append(changes, c)
		}
	}
	cp := *s
	cp.Changes = changes
	cp.ExcludesMetadataChanges = true
	return &cp
}

// LimboChangeType says whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, to be passed to
// ApplyChanges.
type ViewDocumentChanges struct {
	documentSet *model.DocumentSet
	changeSet   *documentChangeSet
	mutatedKeys model.DocumentKeySet
	// needsRefill is set when a limited view dropped documents it can only
	// replace by re-running the query against the local store.
	needsRefill bool
}

// NeedsRefill reports whether the changes must be recomputed from a full
// query result.
func (c *ViewDocumentChanges) NeedsRefill() bool { return c.needsRefill }

// ViewChange is the result of applying changes to a view.
type ViewChange struct {
	// Snapshot is nil when nothing a listener can observe changed.
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View computes the result set of one query from document changes and
// keeps track of the documents the backend confirmed for it.
type View struct {
	query     query.Query
	cmp       model.DocumentComparator
	syncState SyncState
	// current is set once the backend marked the target current.
	current     bool
	documentSet *model.DocumentSet
	// syncedDocuments are the keys the backend reported for the target.
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
}

// NewView returns an empty view of q. remoteKeys are the keys the backend
// last reported for q's target.
func NewView(q query.Query, remoteKeys model.DocumentKeySet) *View {
	cmp := q.Comparator()
	return &View{
		query:           q,
		cmp:             cmp,
		documentSet:     model.NewDocumentSet(cmp),
		syncedDocuments: remoteKeys.Clone(),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

// Query returns the view's query.
func (v *View) Query() query.Query { return v.query }

// SyncedDocuments returns the keys the backend reported for the view.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// computeInitialSnapshot returns the view's current state as a first
// snapshot, for a listener joining a view that already exists.
func (v *View) computeInitialSnapshot() *ViewSnapshot {
	return FromInitialDocuments(v.query, v.documentSet, v.mutatedKeys, v.syncState == SyncLocal, false, false)
}

// ComputeDocChanges iterates over docs and computes the view's next result
// set. previous carries the changes computed so far in this round, for
// when the result is recomputed after a refill.
func (v *View) ComputeDocChanges(docs model.DocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := newDocumentChangeSet()
	oldSet := v.documentSet
	mutatedKeys := v.mutatedKeys
	if previous != nil {
		changeSet = previous.changeSet
		oldSet = previous.documentSet
		mutatedKeys = previous.mutatedKeys
	}
	newSet := oldSet.Clone()
	mutatedKeys = mutatedKeys.Clone()

	// Documents past the edge of a full limited view only matter if they
	// sort before it.
	var lastDocInLimit, firstDocInLimit *model.MutableDocument
	if v.query.HasLimit() && oldSet.Len() == v.query.Limit {
		if v.query.LimitType == query.LimitFirst {
			lastDocInLimit = oldSet.Last()
		} else {
			firstDocInLimit = oldSet.First()
		}
	}

	needsRefill := false
	for _, key := range docs.SortedKeys() {
		newDoc := docs[key]
		oldDoc := oldSet.Get(key)
		if newDoc != nil && !v.query.Matches(newDoc) {
			newDoc = nil
		}

		oldDocHadPendingMutations := oldDoc != nil && mutatedKeys.Has(key)
		newDocHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !v.shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					changeApplied = true
					if (lastDocInLimit != nil && v.cmp(newDoc, lastDocInLimit) > 0) ||
						(firstDocInLimit != nil && v.cmp(newDoc, firstDocInLimit) < 0) {
						// The modified document moved out of the window; the
						// document that takes its place is not known yet.
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet.track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				// A document left a full window; the next one in line
				// is not in the view yet.
				needsRefill = true
			}
		}

		if changeApplied {
			if newDoc != nil {
				newSet.Add(newDoc)
				if newDoc.HasLocalMutations() {
					mutatedKeys.Add(key)
				} else {
					mutatedKeys.Remove(key)
				}
			} else {
				newSet.Delete(key)
				mutatedKeys.Remove(key)
			}
		}
	}

	if v.query.HasLimit() {
		for newSet.Len() > v.query.Limit {
			var drop *model.MutableDocument
			if v.query.LimitType == query.LimitFirst {
				drop = newSet.Last()
			} else {
				drop = newSet.First()
			}
			newSet.Delete(drop.Key())
			mutatedKeys.Remove(drop.Key())
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: drop})
		}
	}

	errs.Assert(!needsRefill || previous == nil, "view needs a refill after a refill")
	return &ViewDocumentChanges{
		documentSet: newSet,
		changeSet:   changeSet,
		mutatedKeys: mutatedKeys,
		needsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back a change from a locally
// acknowledged write until the backend's own version arrives, so listeners
// do not see the document flicker.
func (v *View) shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges moves the view to docChanges and returns the snapshot to
// raise. targetChange is the backend's change to the view's target, if
// any. With limboResolutionEnabled the view reports the documents it shows
// that the backend has not confirmed.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, limboResolutionEnabled bool, targetChange *remote.TargetChange, targetIsPendingReset bool) ViewChange {
	errs.Assert(!docChanges.needsRefill, "cannot apply changes that need a refill")
	oldDocs := v.documentSet
	v.documentSet = docChanges.documentSet
	v.mutatedKeys = docChanges.mutatedKeys

	changes := docChanges.changeSet.list()
	slices.SortFunc(changes, func(a, b DocumentViewChange) int {
		if d := a.Type.order() - b.Type.order(); d != 0 {
			return d
		}
		if c := v.cmp(a.Doc, b.Doc); c != 0 {
			return c
		}
		return a.Doc.Key().Compare(b.Doc.Key())
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments(limboResolutionEnabled)
	}
	synced := len(v.limboDocuments) == 0 && v.current && !targetIsPendingReset
	newState := SyncLocal
	if synced {
		newState = SyncSynced
	}
	syncStateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             v.documentSet,
			OldDocs:          oldDocs,
			Changes:          changes,
			MutatedKeys:      v.mutatedKeys,
			FromCache:        newState == SyncLocal,
			SyncStateChanged: syncStateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks the view as served from cache when the
// client goes offline.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.Offline {
		// The backend may have changed while the client cannot hear it.
		v.current = false
		return v.ApplyChanges(&ViewDocumentChanges{
			documentSet: v.documentSet,
			changeSet:   newDocumentChangeSet(),
			mutatedKeys: v.mutatedKeys,
		}, false, nil, false)
	}
	return ViewChange{}
}

func (v *View) applyTargetChange(change *remote.TargetChange) {
	if change == nil {
		return
	}
	for key := range change.AddedDocuments {
		v.syncedDocuments.Add(key)
	}
	for key := range change.ModifiedDocuments {
		errs.Assert(v.syncedDocuments.Has(key), "modified document %s not found in view", key)
	}
	for key := range change.RemovedDocuments {
		v.syncedDocuments.Remove(key)
	}
	v.current = change.Current
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}
	doc := v.documentSet.Get(key)
	if doc == nil {
		return false
	}
	// Local writes are shown until acknowledged; the backend is not
	// expected to know about them yet.
	return !doc.HasLocalMutations()
}

func (v *View) updateLimboDocuments(enabled bool) []LimboDocumentChange {
	if !enabled || !v.current {
		return nil
	}
	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	for _, d := range v.documentSet.Docs() {
		if v.shouldBeInLimbo(d.Key()) {
			v.limboDocuments.Add(d.Key())
		}
	}
	var out []LimboDocumentChange
	for _, key := range old.Sorted() {
		if !v.limboDocuments.Has(key) {
			out = append(out, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
	}
	for _, key := range v.limboDocuments.Sorted() {
		if !old.Has(key) {
			out = append(out, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
	}
	return out
}

// SynchronizeWithPersistedState rebuilds the view's limbo bookkeeping from
// a fresh query result. Clients that do not own the network connection use
// it after the primary changed the shared cache.
func (v *View) SynchronizeWithPersistedState(res *local.QueryResult) ViewChange {
	v.syncedDocuments = res.RemoteKeys.Clone()
	v.limboDocuments = model.NewDocumentKeySet()
	changes := v.ComputeDocChanges(res.Documents, nil)
	return v.ApplyChanges(changes, true, nil, false)
}
