package local

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/schema"
)

// resumeTokenMaxAge is how long a target's resume token may go unpersisted
// while events keep arriving without document changes.
const resumeTokenMaxAge = 5 * time.Minute

// ListenState is the lifecycle of a target inside the local store.
type ListenState int

const (
	// ListenReleased targets are not held by any query.
	ListenReleased ListenState = iota
	// ListenActive targets receive remote events.
	ListenActive
	// ListenExistenceFilterMismatch targets lost their resume token after
	// the backend's count disagreed with ours and must be re-listened.
	ListenExistenceFilterMismatch
)

func (s ListenState) String() string {
	switch s {
	case ListenActive:
		return "listening"
	case ListenExistenceFilterMismatch:
		return "existence-filter-mismatch"
	}
	return "released"
}

type activeTarget struct {
	data  *TargetData
	state ListenState
	refs  int
}

// LocalWriteResult is the outcome of a local write.
type LocalWriteResult struct {
	BatchID int
	Changes model.DocumentMap
}

// QueryResult is the outcome of a local query execution.
type QueryResult struct {
	Documents model.DocumentMap
	// RemoteKeys are the keys the backend last reported for the query's
	// target.
	RemoteKeys model.DocumentKeySet
}

// UserChangeResult describes the switch from one user's queue to another's.
type UserChangeResult struct {
	AffectedDocuments model.DocumentMap
	RemovedBatchIDs   []int
	AddedBatchIDs     []int
}

// LocalViewChange is the set of keys a view started or stopped showing.
type LocalViewChange struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// Options configures a LocalStore.
type Options struct {
	Persistence *persistence.Persistence
	User        model.User
	Settings    *config.Settings
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// LocalStore is the single entry point to everything a client keeps
// locally. It composes the caches into the operations the sync engine
// performs and owns the in-memory state of active targets.
//
// LocalStore is not safe for concurrent use; callers serialize access
// through the client's async queue.
type LocalStore struct {
	persistence *persistence.Persistence
	settings    *config.Settings
	metrics     *metrics.Metrics
	root        *zap.Logger
	log         *zap.SugaredLogger

	delegate    *LruDelegate
	targetCache *TargetCache
	remoteDocs  *RemoteDocumentCache
	bundles     BundleCache
	gc          *LruGarbageCollector

	user          model.User
	mutationQueue *MutationQueue
	overlays      *DocumentOverlayCache
	indexes       *IndexManager
	view          *LocalDocumentsView
	queryEngine   *QueryEngine

	targets             map[int]*activeTarget
	targetIDByCanonical map[string]int
	localViewReferences *ReferenceSet
	// collectionGroupReadTime is the latest read time this client has seen
	// per collection group, used to pick up changes other clients wrote.
	collectionGroupReadTime map[string]model.SnapshotVersion
}

// NewLocalStore builds a local store for opts.User. Start must be called
// before use.
func NewLocalStore(opts Options) *LocalStore {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	delegate, targets := NewLruDelegate()
	s := &LocalStore{
		persistence:             opts.Persistence,
		settings:                settings,
		metrics:                 opts.Metrics,
		root:                    opts.Logger,
		log:                     logging.For(opts.Logger, logging.ComponentLocalStore),
		delegate:                delegate,
		targetCache:             targets,
		targets:                 make(map[int]*activeTarget),
		targetIDByCanonical:     make(map[string]int),
		localViewReferences:     NewReferenceSet(),
		collectionGroupReadTime: make(map[string]model.SnapshotVersion),
	}
	delegate.SetInMemoryPins(s.localViewReferences)
	s.initializeUserComponents(opts.User)
	s.gc = NewLruGarbageCollector(delegate, s.remoteDocs, settings.GC, opts.Metrics, logging.For(opts.Logger, logging.ComponentLruGC))
	return s
}

func (s *LocalStore) initializeUserComponents(user model.User) {
	s.user = user
	s.indexes = NewIndexManager(user)
	if s.remoteDocs == nil {
		s.remoteDocs = NewRemoteDocumentCache(s.indexes)
	} else {
		s.remoteDocs.indexes = s.indexes
	}
	s.mutationQueue = NewMutationQueue(user, s.indexes, s.delegate)
	s.overlays = NewDocumentOverlayCache(user)
	s.view = NewLocalDocumentsView(s.remoteDocs, s.mutationQueue, s.overlays, s.indexes)
	enabled := s.settings.QueryEngine.IndexAutoCreation
	if s.queryEngine != nil {
		enabled = s.queryEngine.settings.IndexAutoCreation
	}
	qs := s.settings.QueryEngine
	qs.IndexAutoCreation = enabled
	s.queryEngine = NewQueryEngine(s.view, s.indexes, qs, s.metrics, logging.For(s.root, logging.ComponentQueryEngine))
}

func (s *LocalStore) indexManager() *IndexManager { return s.indexes }

func (s *LocalStore) documentsView() *LocalDocumentsView { return s.view }

// Persistence returns the store's persistence layer.
func (s *LocalStore) Persistence() *persistence.Persistence { return s.persistence }

// User returns the user whose queue the store currently serves.
func (s *LocalStore) User() model.User { return s.user }

// Start completes migrations that need the local store, such as building
// overlays for batches written before overlays were persisted.
func (s *LocalStore) Start(ctx context.Context) error {
	err := s.persistence.RunTransaction(ctx, "start local store", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		pending, err := persistence.GetGlobal(tx, schema.GlobalOverlayMigrationPending)
		if err != nil || string(pending) != "true" {
			return err
		}
		if err := s.migrateOverlays(tx); err != nil {
			return err
		}
		return tx.Store(schema.Globals).Delete(schema.GlobalKey(schema.GlobalOverlayMigrationPending))
	})
	if err != nil {
		return fmt.Errorf("failed to start local store: %w", err)
	}
	return s.reportPendingBatches(ctx)
}

func (s *LocalStore) migrateOverlays(tx *persistence.Transaction) error {
	keysByUser := make(map[string]model.DocumentKeySet)
	err := persistence.IterateRows[schema.MutationBatchRow](tx.Store(schema.Mutations), persistence.Everything(), false,
		func(_ []byte, row *schema.MutationBatchRow) error {
			keys, ok := keysByUser[row.UserID]
			if !ok {
				keys = model.NewDocumentKeySet()
				keysByUser[row.UserID] = keys
			}
			for _, m := range row.Mutations {
				keys.Add(m.Key)
			}
			return nil
		})
	if err != nil {
		return err
	}
	for uid, keys := range keysByUser {
		user := model.User{UID: uid}
		indexes := NewIndexManager(user)
		view := NewLocalDocumentsView(NewRemoteDocumentCache(indexes), NewMutationQueue(user, indexes, s.delegate), NewDocumentOverlayCache(user), indexes)
		if err := view.RecalculateAndSaveOverlaysForDocumentKeys(tx, keys); err != nil {
			return fmt.Errorf("failed to migrate overlays for %s: %w", user, err)
		}
		s.log.Infow("built overlays for existing batches", "user", user.String(), "documents", keys.Len())
	}
	return nil
}

func (s *LocalStore) reportPendingBatches(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	batches, err := persistence.Run(ctx, s.persistence, "count pending batches", persistence.ReadOnly, func(tx *persistence.Transaction) ([]*model.MutationBatch, error) {
		return s.mutationQueue.GetAllMutationBatches(tx)
	})
	if err != nil {
		return err
	}
	s.metrics.SetPendingBatches(len(batches))
	return nil
}

// HandleUserChange switches the store to user's mutation queue and returns
// the documents whose local view may differ as a result.
func (s *LocalStore) HandleUserChange(ctx context.Context, user model.User) (*UserChangeResult, error) {
	oldBatches, err := persistence.Run(ctx, s.persistence, "read batches of previous user", persistence.ReadOnly, func(tx *persistence.Transaction) ([]*model.MutationBatch, error) {
		return s.mutationQueue.GetAllMutationBatches(tx)
	})
	if err != nil {
		return nil, err
	}
	s.initializeUserComponents(user)
	res, err := persistence.Run(ctx, s.persistence, "handle user change", persistence.ReadOnly, func(tx *persistence.Transaction) (*UserChangeResult, error) {
		newBatches, err := s.mutationQueue.GetAllMutationBatches(tx)
		if err != nil {
			return nil, err
		}
		res := &UserChangeResult{}
		changed := model.NewDocumentKeySet()
		for _, b := range oldBatches {
			res.RemovedBatchIDs = append(res.RemovedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		for _, b := range newBatches {
			res.AddedBatchIDs = append(res.AddedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		res.AffectedDocuments, err = s.view.GetDocuments(tx, changed)
		return res, err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("switched user", "user", user.String(), "removed_batches", len(res.RemovedBatchIDs), "added_batches", len(res.AddedBatchIDs))
	return res, s.reportPendingBatches(ctx)
}

// LocalWrite queues mutations as a new batch and returns the resulting
// local view of every written document.
func (s *LocalStore) LocalWrite(ctx context.Context, mutations []model.Mutation) (*LocalWriteResult, error) {
	if len(mutations) == 0 {
		return nil, errs.New(errs.InvalidArgument, "a write must contain at least one mutation")
	}
	now := model.Now()
	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}
	res, err := persistence.Run(ctx, s.persistence, "locally write mutations", persistence.ReadWrite, func(tx *persistence.Transaction) (*LocalWriteResult, error) {
		remoteDocs, err := s.remoteDocs.GetEntries(tx, keys)
		if err != nil {
			return nil, err
		}
		withoutRemoteVersion := model.NewDocumentKeySet()
		for k, doc := range remoteDocs {
			if !doc.IsValidDocument() {
				withoutRemoteVersion.Add(k)
			}
		}
		overlayed, err := s.view.GetOverlayedDocuments(tx, remoteDocs, model.NewDocumentKeySet())
		if err != nil {
			return nil, err
		}
		batch, err := s.mutationQueue.AddMutationBatch(tx, now, nil, mutations)
		if err != nil {
			return nil, err
		}
		overlays := batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion)
		if err := s.overlays.SaveOverlays(tx, batch.BatchID, overlays); err != nil {
			return nil, err
		}
		changes := make(model.DocumentMap, len(overlayed))
		for k, od := range overlayed {
			changes[k] = od.Document
		}
		return &LocalWriteResult{BatchID: batch.BatchID, Changes: changes}, nil
	})
	if err != nil {
		return nil, err
	}
	return res, s.reportPendingBatches(ctx)
}

// AcknowledgeBatch applies the server's acknowledgement of a batch: the
// committed versions reach the remote document cache, the batch leaves the
// queue and the overlays of its documents are recomputed.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, result *model.MutationBatchResult) (model.DocumentMap, error) {
	batch := result.Batch
	affected := batch.Keys()
	docs, err := persistence.Run(ctx, s.persistence, "acknowledge batch", persistence.ReadWritePrimary, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		buf := s.remoteDocs.NewChangeBuffer()
		if err := s.mutationQueue.AcknowledgeBatch(tx, batch, result.StreamToken); err != nil {
			return nil, err
		}
		if err := s.applyWriteToRemoteDocuments(tx, result, buf); err != nil {
			return nil, err
		}
		if err := buf.Apply(tx); err != nil {
			return nil, err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(tx); err != nil {
			return nil, err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(tx, affected, batch.BatchID); err != nil {
			return nil, err
		}
		if err := s.view.RecalculateAndSaveOverlaysForDocumentKeys(tx, keysWithTransformResults(result)); err != nil {
			return nil, err
		}
		return s.view.GetDocuments(tx, affected)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge batch %d: %w", batch.BatchID, err)
	}
	return docs, s.reportPendingBatches(ctx)
}

func (s *LocalStore) applyWriteToRemoteDocuments(tx *persistence.Transaction, result *model.MutationBatchResult, buf *RemoteDocumentChangeBuffer) error {
	batch := result.Batch
	for _, key := range batch.Keys().Sorted() {
		doc, err := buf.GetEntry(tx, key)
		if err != nil {
			return err
		}
		ackVersion, ok := result.DocVersions[key]
		errs.Assert(ok, "document versions is missing %s", key)
		if doc.Version().Compare(ackVersion) < 0 {
			batch.ApplyToRemoteDocument(doc, result)
			if doc.IsValidDocument() {
				doc.SetReadTime(result.CommitVersion)
				buf.AddEntry(doc)
			}
		}
	}
	return s.mutationQueue.RemoveMutationBatch(tx, batch)
}

func keysWithTransformResults(result *model.MutationBatchResult) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for i, r := range result.MutationResults {
		if len(r.TransformResults) > 0 {
			keys.Add(result.Batch.Mutations[i].Key)
		}
	}
	return keys
}

// RejectBatch removes a batch the server refused and returns the documents
// it affected, now without its effect.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID int) (model.DocumentMap, error) {
	docs, err := persistence.Run(ctx, s.persistence, "reject batch", persistence.ReadWritePrimary, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		batch, err := s.mutationQueue.LookupMutationBatch(tx, batchID)
		if err != nil {
			return nil, err
		}
		errs.Assert(batch != nil, "attempt to reject nonexistent batch %d", batchID)
		affected := batch.Keys()
		if err := s.mutationQueue.RemoveMutationBatch(tx, batch); err != nil {
			return nil, err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(tx); err != nil {
			return nil, err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(tx, affected, batchID); err != nil {
			return nil, err
		}
		if err := s.view.RecalculateAndSaveOverlaysForDocumentKeys(tx, affected); err != nil {
			return nil, err
		}
		return s.view.GetDocuments(tx, affected)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reject batch %d: %w", batchID, err)
	}
	return docs, s.reportPendingBatches(ctx)
}

// GetHighestUnacknowledgedBatchID returns the id of the newest pending
// batch, or model.BatchIDUnknown.
func (s *LocalStore) GetHighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	return persistence.Run(ctx, s.persistence, "get highest unacknowledged batch id", persistence.ReadOnly, func(tx *persistence.Transaction) (int, error) {
		return s.mutationQueue.GetHighestUnacknowledgedBatchID(tx)
	})
}

// NextMutationBatch returns the first pending batch after afterBatchID, or
// nil.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error) {
	return persistence.Run(ctx, s.persistence, "get next mutation batch", persistence.ReadOnly, func(tx *persistence.Transaction) (*model.MutationBatch, error) {
		if afterBatchID == model.BatchIDUnknown {
			afterBatchID = 0
		}
		return s.mutationQueue.GetNextMutationBatchAfterBatchID(tx, afterBatchID)
	})
}

// GetPendingBatches returns every unacknowledged batch of the current
// user, oldest first.
func (s *LocalStore) GetPendingBatches(ctx context.Context) ([]*model.MutationBatch, error) {
	return persistence.Run(ctx, s.persistence, "get pending batches", persistence.ReadOnly, func(tx *persistence.Transaction) ([]*model.MutationBatch, error) {
		return s.mutationQueue.GetAllMutationBatches(tx)
	})
}

// GetCacheSize returns the bytes used by cached remote documents.
func (s *LocalStore) GetCacheSize(ctx context.Context) (int64, error) {
	return persistence.Run(ctx, s.persistence, "get cache size", persistence.ReadOnly, func(tx *persistence.Transaction) (int64, error) {
		return s.remoteDocs.GetSize(tx)
	})
}

// GetLastRemoteSnapshotVersion returns the version of the last consistent
// snapshot received from the backend.
func (s *LocalStore) GetLastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	return persistence.Run(ctx, s.persistence, "get last remote snapshot version", persistence.ReadOnly, func(tx *persistence.Transaction) (model.SnapshotVersion, error) {
		return s.targetCache.GetLastRemoteSnapshotVersion(tx)
	})
}

// LastStreamToken returns the write stream token of the current user.
func (s *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	return persistence.Run(ctx, s.persistence, "get last stream token", persistence.ReadOnly, func(tx *persistence.Transaction) ([]byte, error) {
		return s.mutationQueue.GetLastStreamToken(tx)
	})
}

// SetLastStreamToken records the write stream token of the current user.
func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return s.persistence.RunTransaction(ctx, "set last stream token", persistence.ReadWritePrimary, func(tx *persistence.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(tx, token)
	})
}

// ApplyRemoteEvent applies a consistent snapshot from the backend: target
// bookkeeping advances, newer documents replace cached ones and updates
// older than the cache are dropped. It returns the local view of every
// changed document.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, ev *remote.RemoteEvent) (model.DocumentMap, error) {
	remoteVersion := ev.SnapshotVersion
	var updated map[int]*TargetData
	docs, err := persistence.Run(ctx, s.persistence, "apply remote event", persistence.ReadWritePrimary, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		updated = make(map[int]*TargetData)
		buf := s.remoteDocs.NewChangeBuffer()
		seq, err := s.delegate.CurrentSequenceNumber(tx)
		if err != nil {
			return nil, err
		}
		for targetID, change := range ev.TargetChanges {
			t, ok := s.targets[targetID]
			if !ok {
				continue
			}
			old := t.data
			if err := s.targetCache.RemoveMatchingKeys(tx, change.RemovedDocuments, targetID); err != nil {
				return nil, err
			}
			if err := s.targetCache.AddMatchingKeys(tx, change.AddedDocuments, targetID); err != nil {
				return nil, err
			}
			next := old.WithSequenceNumber(seq)
			if _, mismatch := ev.TargetMismatches[targetID]; mismatch {
				next = next.WithResumeToken(nil, model.MinVersion()).WithLastLimboFreeSnapshotVersion(model.MinVersion())
			} else if len(change.ResumeToken) > 0 {
				next = next.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			updated[targetID] = next
			if shouldPersistTargetData(old, next, change) {
				if err := s.targetCache.UpdateTargetData(tx, next); err != nil {
					return nil, err
				}
			}
		}

		for key := range ev.DocumentUpdates {
			if ev.ResolvedLimboDocuments.Has(key) {
				if err := s.delegate.UpdateLimboDocument(tx, key); err != nil {
					return nil, err
				}
			}
		}
		for _, doc := range ev.DocumentUpdates {
			if doc.ReadTime().IsMin() && !remoteVersion.IsMin() {
				doc.SetReadTime(remoteVersion)
			}
		}
		changed, existenceChanged, err := s.populateDocumentChangeBuffer(tx, buf, ev.DocumentUpdates)
		if err != nil {
			return nil, err
		}

		if !remoteVersion.IsMin() {
			last, err := s.targetCache.GetLastRemoteSnapshotVersion(tx)
			if err != nil {
				return nil, err
			}
			errs.Assert(remoteVersion.Compare(last) >= 0, "watch stream reverted to version %s from %s", remoteVersion, last)
			if err := s.targetCache.SetTargetsMetadata(tx, seq, remoteVersion); err != nil {
				return nil, err
			}
		}
		if err := buf.Apply(tx); err != nil {
			return nil, err
		}
		return s.view.GetLocalViewOfDocuments(tx, changed, existenceChanged)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply remote event: %w", err)
	}
	for id, td := range updated {
		t := s.targets[id]
		t.data = td
		if _, mismatch := ev.TargetMismatches[id]; mismatch {
			t.state = ListenExistenceFilterMismatch
		} else if len(ev.TargetChanges[id].ResumeToken) > 0 {
			t.state = ListenActive
		}
	}
	return docs, nil
}

// populateDocumentChangeBuffer stages every update that is newer than the
// cached document. Deletes at the minimum version remove the entry.
func (s *LocalStore) populateDocumentChangeBuffer(tx *persistence.Transaction, buf *RemoteDocumentChangeBuffer, docs model.DocumentMap) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := make(model.DocumentMap)
	existenceChanged := model.NewDocumentKeySet()
	existing, err := buf.GetEntries(tx, docs.KeySet())
	if err != nil {
		return nil, nil, err
	}
	for _, key := range docs.SortedKeys() {
		doc := docs[key]
		cached := existing[key]
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged.Add(key)
		}
		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			buf.RemoveEntry(key, doc.ReadTime())
			changed[key] = doc
		case !cached.IsValidDocument() ||
			doc.Version().Compare(cached.Version()) > 0 ||
			(doc.Version().Compare(cached.Version()) == 0 && cached.HasPendingWrites()):
			errs.Assert(!doc.ReadTime().IsMin(), "cannot add a document without a read time: %s", key)
			buf.AddEntry(doc)
			changed[key] = doc
		default:
			s.log.Debugw("ignoring outdated watch update", "key", key.String(),
				"current_version", cached.Version().String(), "watch_version", doc.Version().String())
		}
	}
	return changed, existenceChanged, nil
}

// shouldPersistTargetData reports whether new target data must be written:
// the first resume token is always persisted, later ones when they are old
// enough or the target's documents changed.
func shouldPersistTargetData(old, next *TargetData, change remote.TargetChange) bool {
	if len(old.ResumeToken) == 0 {
		return true
	}
	delta := next.SnapshotVersion.Micros() - old.SnapshotVersion.Micros()
	if delta >= resumeTokenMaxAge.Microseconds() {
		return true
	}
	return change.Size() > 0
}

// AllocateTarget assigns an id to target, reusing the persisted target data
// when the target was listened to before. Every call must be matched by a
// ReleaseTarget.
func (s *LocalStore) AllocateTarget(ctx context.Context, target *query.Target) (*TargetData, error) {
	if id, ok := s.targetIDByCanonical[target.CanonicalID()]; ok {
		t := s.targets[id]
		t.refs++
		return t.data, nil
	}
	td, err := persistence.Run(ctx, s.persistence, "allocate target", persistence.ReadWrite, func(tx *persistence.Transaction) (*TargetData, error) {
		cached, err := s.targetCache.GetTargetData(tx, target)
		if err != nil || cached != nil {
			return cached, err
		}
		id, err := s.targetCache.AllocateTargetID(tx)
		if err != nil {
			return nil, err
		}
		seq, err := s.delegate.CurrentSequenceNumber(tx)
		if err != nil {
			return nil, err
		}
		td := NewTargetData(target, id, PurposeListen, seq)
		return td, s.targetCache.AddTargetData(tx, td)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate target: %w", err)
	}
	s.targets[td.TargetID] = &activeTarget{data: td, state: ListenActive, refs: 1}
	s.targetIDByCanonical[target.CanonicalID()] = td.TargetID
	return td, nil
}

// ReleaseTarget drops one reference to targetID. When the last reference
// goes, the target leaves the active set; unless keepPersistedTargetData is
// set its sequence number is bumped so the garbage collector sees it as
// recently used.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID int, keepPersistedTargetData bool) error {
	t, ok := s.targets[targetID]
	errs.Assert(ok, "tried to release nonexistent target %d", targetID)
	t.refs--
	if t.refs > 0 {
		return nil
	}
	if !keepPersistedTargetData {
		err := s.persistence.RunTransaction(ctx, "release target", persistence.ReadWritePrimary, func(tx *persistence.Transaction) error {
			return s.delegate.RemoveTarget(tx, t.data)
		})
		if err != nil {
			if !errs.IsTransient(err) && errs.CodeOf(err) != errs.FailedPrecondition {
				return fmt.Errorf("failed to release target %d: %w", targetID, err)
			}
			s.log.Debugw("failed to update sequence numbers for released target", "target", targetID, "error", err)
		}
	}
	s.localViewReferences.RemoveReferencesForID(targetID)
	delete(s.targets, targetID)
	delete(s.targetIDByCanonical, t.data.Target.CanonicalID())
	return nil
}

// TargetListenState returns the lifecycle state of targetID.
func (s *LocalStore) TargetListenState(targetID int) ListenState {
	if t, ok := s.targets[targetID]; ok {
		return t.state
	}
	return ListenReleased
}

// GetLocalTargetData returns the active target data for target, or nil.
func (s *LocalStore) GetLocalTargetData(target *query.Target) *TargetData {
	if id, ok := s.targetIDByCanonical[target.CanonicalID()]; ok {
		return s.targets[id].data
	}
	return nil
}

func (s *LocalStore) targetData(tx *persistence.Transaction, target *query.Target) (*TargetData, error) {
	if td := s.GetLocalTargetData(target); td != nil {
		return td, nil
	}
	return s.targetCache.GetTargetData(tx, target)
}

// GetCachedTarget returns the target with targetID from the active set or
// from persistence, or nil.
func (s *LocalStore) GetCachedTarget(ctx context.Context, targetID int) (*query.Target, error) {
	if t, ok := s.targets[targetID]; ok {
		return t.data.Target, nil
	}
	return persistence.Run(ctx, s.persistence, "get cached target", persistence.ReadOnly, func(tx *persistence.Transaction) (*query.Target, error) {
		td, err := s.targetCache.GetTargetDataByID(tx, targetID)
		if err != nil || td == nil {
			return nil, err
		}
		return td.Target, nil
	})
}

// ExecuteQuery runs q against the local cache. With usePreviousResults the
// target's remote keys and last limbo-free snapshot narrow the scan.
func (s *LocalStore) ExecuteQuery(ctx context.Context, q query.Query, usePreviousResults bool) (*QueryResult, error) {
	res, err := persistence.Run(ctx, s.persistence, "execute query", persistence.ReadWrite, func(tx *persistence.Transaction) (*QueryResult, error) {
		td, err := s.targetData(tx, q.ToTarget())
		if err != nil {
			return nil, err
		}
		lastLimboFree := model.MinVersion()
		remoteKeys := model.NewDocumentKeySet()
		if td != nil {
			lastLimboFree = td.LastLimboFreeSnapshotVersion
			if remoteKeys, err = s.targetCache.GetMatchingKeysForTargetID(tx, td.TargetID); err != nil {
				return nil, err
			}
		}
		since, keys := model.MinVersion(), model.NewDocumentKeySet()
		if usePreviousResults {
			since, keys = lastLimboFree, remoteKeys
		}
		docs, err := s.queryEngine.GetDocumentsMatchingQuery(tx, q, since, keys)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Documents: docs, RemoteKeys: remoteKeys}, nil
	})
	if err != nil {
		return nil, err
	}
	s.setMaxReadTime(queryCollectionGroup(q), res.Documents)
	return res, nil
}

func queryCollectionGroup(q query.Query) string {
	if q.IsCollectionGroupQuery() {
		return q.CollectionGroup
	}
	if q.IsDocumentQuery() {
		return q.Path.Parent().LastSegment()
	}
	return q.Path.LastSegment()
}

func (s *LocalStore) setMaxReadTime(group string, docs model.DocumentMap) {
	latest := s.collectionGroupReadTime[group]
	for _, d := range docs {
		if d.ReadTime().After(latest) {
			latest = d.ReadTime()
		}
	}
	s.collectionGroupReadTime[group] = latest
}

// ReadDocument returns the local view of key. Missing documents come back
// as invalid documents.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	return persistence.Run(ctx, s.persistence, "read document", persistence.ReadOnly, func(tx *persistence.Transaction) (*model.MutableDocument, error) {
		return s.view.GetDocument(tx, key)
	})
}

// RemoteDocumentKeys returns the keys the backend reported for targetID.
func (s *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	return persistence.Run(ctx, s.persistence, "remote document keys", persistence.ReadOnly, func(tx *persistence.Transaction) (model.DocumentKeySet, error) {
		return s.targetCache.GetMatchingKeysForTargetID(tx, targetID)
	})
}

// NotifyLocalViewChanges pins the documents views show so the garbage
// collector keeps them, and records the last limbo-free snapshot of views
// that are in sync with the backend.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChange) error {
	err := s.persistence.RunTransaction(ctx, "notify local view changes", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		for _, c := range changes {
			for key := range c.AddedKeys {
				if err := s.delegate.AddReference(tx, c.TargetID, key); err != nil {
					return err
				}
			}
			for key := range c.RemovedKeys {
				if err := s.delegate.RemoveReference(tx, c.TargetID, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if !errs.IsTransient(err) {
			return fmt.Errorf("failed to notify local view changes: %w", err)
		}
		s.log.Debugw("failed to update sequence numbers", "error", err)
	}
	for _, c := range changes {
		s.localViewReferences.AddReferences(c.AddedKeys, c.TargetID)
		s.localViewReferences.RemoveReferences(c.RemovedKeys, c.TargetID)
		if c.FromCache {
			continue
		}
		t, ok := s.targets[c.TargetID]
		errs.Assert(ok, "local view changes contain unallocated target %d", c.TargetID)
		t.data = t.data.WithLastLimboFreeSnapshotVersion(t.data.SnapshotVersion)
	}
	return nil
}

// LookupMutationDocuments returns the local view of the documents batchID
// wrote, or nil when the batch is gone.
func (s *LocalStore) LookupMutationDocuments(ctx context.Context, batchID int) (model.DocumentMap, error) {
	return persistence.Run(ctx, s.persistence, "lookup mutation documents", persistence.ReadOnly, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		keys, err := s.mutationQueue.LookupMutationKeys(tx, batchID)
		if err != nil || keys == nil {
			return nil, err
		}
		return s.view.GetDocuments(tx, keys)
	})
}

// RemoveCachedMutationBatchMetadata forgets the cached keys of batchID.
func (s *LocalStore) RemoveCachedMutationBatchMetadata(batchID int) {
	s.mutationQueue.RemoveCachedMutationKeys(batchID)
}

// GetActiveClients returns the ids of the clients sharing the store.
func (s *LocalStore) GetActiveClients(ctx context.Context) ([]string, error) {
	rows, err := s.persistence.ActiveClients(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ClientID)
	}
	return ids, nil
}

// GetNewDocumentChanges returns the local view of documents in group that
// another client wrote to the cache since this client last looked.
func (s *LocalStore) GetNewDocumentChanges(ctx context.Context, group string) (model.DocumentMap, error) {
	since := s.collectionGroupReadTime[group]
	var latest model.SnapshotVersion
	docs, err := persistence.Run(ctx, s.persistence, "get new document changes", persistence.ReadOnly, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		changed, readTime, err := s.remoteDocs.GetNewDocumentChanges(tx, group, since)
		if err != nil {
			return nil, err
		}
		latest = readTime
		return s.view.GetLocalViewOfDocuments(tx, changed, model.NewDocumentKeySet())
	})
	if err != nil {
		return nil, err
	}
	if latest.After(since) {
		s.collectionGroupReadTime[group] = latest
	}
	return docs, nil
}

// GetDocumentChangesSince returns the local view of documents in group
// whose cached version was read after since. Unlike GetNewDocumentChanges
// it keeps no state.
func (s *LocalStore) GetDocumentChangesSince(ctx context.Context, group string, since model.SnapshotVersion) (model.DocumentMap, error) {
	return persistence.Run(ctx, s.persistence, "get document changes since", persistence.ReadOnly, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		changed, _, err := s.remoteDocs.GetNewDocumentChanges(tx, group, since)
		if err != nil {
			return nil, err
		}
		return s.view.GetLocalViewOfDocuments(tx, changed, model.NewDocumentKeySet())
	})
}

// CollectGarbage runs one LRU collection over the targets no query holds.
func (s *LocalStore) CollectGarbage(ctx context.Context) (LruResults, error) {
	active := make(map[int]bool, len(s.targets))
	for id := range s.targets {
		active[id] = true
	}
	res, err := persistence.Run(ctx, s.persistence, "collect garbage", persistence.ReadWritePrimary, func(tx *persistence.Transaction) (LruResults, error) {
		return s.gc.Collect(tx, active)
	})
	if err != nil {
		return res, err
	}
	if s.metrics != nil {
		size, err := persistence.Run(ctx, s.persistence, "read cache size", persistence.ReadOnly, s.remoteDocs.GetSize)
		if err == nil {
			s.metrics.SetCacheBytes(size)
		}
	}
	return res, nil
}

// GarbageCollector returns the store's collector.
func (s *LocalStore) GarbageCollector() *LruGarbageCollector { return s.gc }

// NewLruScheduler returns a scheduler that runs CollectGarbage on queue.
func (s *LocalStore) NewLruScheduler(queue *async.Queue) *LruScheduler {
	return NewLruScheduler(queue, s.settings.GC, s.CollectGarbage, logging.For(s.root, logging.ComponentLruGC))
}

// NewIndexBackfiller returns a backfiller over the store's current user.
func (s *LocalStore) NewIndexBackfiller() *IndexBackfiller {
	return NewIndexBackfiller(s, s.settings.Backfill, s.metrics, logging.For(s.root, logging.ComponentBackfiller))
}

// ConfigureFieldIndexes makes the configured field indexes match indexes:
// new ones are added, missing ones deleted.
func (s *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []*model.FieldIndex) error {
	return s.persistence.RunTransaction(ctx, "configure field indexes", persistence.ReadWritePrimary, func(tx *persistence.Transaction) error {
		existing, err := s.indexes.GetFieldIndexes(tx, "")
		if err != nil {
			return err
		}
		for _, fi := range indexes {
			if !containsSemanticallyEqual(existing, fi) {
				if _, err := s.indexes.AddFieldIndex(tx, fi); err != nil {
					return err
				}
			}
		}
		for _, fi := range existing {
			if !containsSemanticallyEqual(indexes, fi) {
				if err := s.indexes.DeleteFieldIndex(tx, fi); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func containsSemanticallyEqual(list []*model.FieldIndex, fi *model.FieldIndex) bool {
	for _, other := range list {
		if other.SemanticEqual(fi) {
			return true
		}
	}
	return false
}

// GetFieldIndexes returns every configured field index.
func (s *LocalStore) GetFieldIndexes(ctx context.Context) ([]*model.FieldIndex, error) {
	return persistence.Run(ctx, s.persistence, "get field indexes", persistence.ReadOnly, func(tx *persistence.Transaction) ([]*model.FieldIndex, error) {
		return s.indexes.GetFieldIndexes(tx, "")
	})
}

// DeleteAllFieldIndexes removes every field index and its entries.
func (s *LocalStore) DeleteAllFieldIndexes(ctx context.Context) error {
	return s.persistence.RunTransaction(ctx, "delete all field indexes", persistence.ReadWritePrimary, func(tx *persistence.Transaction) error {
		return s.indexes.DeleteAllFieldIndexes(tx)
	})
}

// SetIndexAutoCreationEnabled turns automatic index creation on or off.
func (s *LocalStore) SetIndexAutoCreationEnabled(enabled bool) {
	s.queryEngine.SetIndexAutoCreationEnabled(enabled)
}

// GetSessionToken returns the persisted session token, or nil.
func (s *LocalStore) GetSessionToken(ctx context.Context) ([]byte, error) {
	return persistence.Run(ctx, s.persistence, "get session token", persistence.ReadOnly, func(tx *persistence.Transaction) ([]byte, error) {
		return persistence.GetGlobal(tx, schema.GlobalSessionToken)
	})
}

// SetSessionToken persists the session token.
func (s *LocalStore) SetSessionToken(ctx context.Context, token []byte) error {
	return s.persistence.RunTransaction(ctx, "set session token", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		return persistence.SetGlobal(tx, schema.GlobalSessionToken, token)
	})
}

// HasNewerBundle reports whether a bundle with md's id at least as new was
// loaded before.
func (s *LocalStore) HasNewerBundle(ctx context.Context, md bundle.Metadata) (bool, error) {
	return persistence.Run(ctx, s.persistence, "has newer bundle", persistence.ReadOnly, func(tx *persistence.Transaction) (bool, error) {
		cached, err := s.bundles.GetBundleMetadata(tx, md.ID)
		if err != nil || cached == nil {
			return false, err
		}
		return cached.CreateTime.Compare(md.CreateTime) >= 0, nil
	})
}

// SaveBundle records md as loaded.
func (s *LocalStore) SaveBundle(ctx context.Context, md bundle.Metadata) error {
	return s.persistence.RunTransaction(ctx, "save bundle", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		return s.bundles.SaveBundleMetadata(tx, md)
	})
}

// umbrellaTarget holds the keys of one bundle's documents so the garbage
// collector treats them like listened documents.
func umbrellaTarget(bundleID string) *query.Target {
	return query.NewQuery(model.ResourcePath{"__bundle__", "docs", bundleID}).ToTarget()
}

// ApplyBundledDocuments writes a bundle's documents to the remote document
// cache and returns their local view.
func (s *LocalStore) ApplyBundledDocuments(ctx context.Context, contents *bundle.Contents) (model.DocumentMap, error) {
	docs := make(model.DocumentMap, len(contents.Documents))
	for _, d := range contents.Documents {
		docs[d.Metadata.Key] = d.ToMutableDocument()
	}
	umbrella, err := s.AllocateTarget(ctx, umbrellaTarget(contents.Metadata.ID))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.ReleaseTarget(ctx, umbrella.TargetID, true); err != nil {
			s.log.Warnw("failed to release bundle target", "bundle", contents.Metadata.ID, "error", err)
		}
	}()
	return persistence.Run(ctx, s.persistence, "apply bundle documents", persistence.ReadWrite, func(tx *persistence.Transaction) (model.DocumentMap, error) {
		buf := s.remoteDocs.NewChangeBuffer()
		changed, existenceChanged, err := s.populateDocumentChangeBuffer(tx, buf, docs)
		if err != nil {
			return nil, err
		}
		if err := buf.Apply(tx); err != nil {
			return nil, err
		}
		if err := s.targetCache.RemoveMatchingKeysForTargetID(tx, umbrella.TargetID); err != nil {
			return nil, err
		}
		if err := s.targetCache.AddMatchingKeys(tx, docs.KeySet(), umbrella.TargetID); err != nil {
			return nil, err
		}
		return s.view.GetLocalViewOfDocuments(tx, changed, existenceChanged)
	})
}

// SaveNamedQuery stores a bundle's named query and, unless the query's
// target already has a newer snapshot, records keys as its results.
func (s *LocalStore) SaveNamedQuery(ctx context.Context, nq bundle.NamedQuery, keys model.DocumentKeySet) error {
	allocated, err := s.AllocateTarget(ctx, nq.Query.ToTarget())
	if err != nil {
		return err
	}
	var saved *TargetData
	err = s.persistence.RunTransaction(ctx, "save named query", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		saved = nil
		if allocated.SnapshotVersion.Compare(nq.ReadTime) >= 0 {
			return s.bundles.SaveNamedQuery(tx, nq)
		}
		next := allocated.WithResumeToken(nil, nq.ReadTime)
		if err := s.targetCache.UpdateTargetData(tx, next); err != nil {
			return err
		}
		if err := s.targetCache.RemoveMatchingKeysForTargetID(tx, next.TargetID); err != nil {
			return err
		}
		if err := s.targetCache.AddMatchingKeys(tx, keys, next.TargetID); err != nil {
			return err
		}
		saved = next
		return s.bundles.SaveNamedQuery(tx, nq)
	})
	if err == nil && saved != nil {
		s.targets[saved.TargetID].data = saved
	}
	if rerr := s.ReleaseTarget(ctx, allocated.TargetID, true); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// GetNamedQuery returns the named query, or nil.
func (s *LocalStore) GetNamedQuery(ctx context.Context, name string) (*bundle.NamedQuery, error) {
	return persistence.Run(ctx, s.persistence, "get named query", persistence.ReadOnly, func(tx *persistence.Transaction) (*bundle.NamedQuery, error) {
		return s.bundles.GetNamedQuery(tx, name)
	})
}
