package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// Options configures a SyncEngine.
type Options struct {
	LocalStore *local.LocalStore
	Remote     RemoteStore
	// SharedState defaults to an unshared state.
	SharedState local.SharedClientState
	User        model.User
	Settings    *config.Settings
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// queryView is a query together with its view and target.
type queryView struct {
	query    query.Query
	targetID int
	view     *View
}

// limboResolution tracks one active limbo listen.
type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the backend reported the document as
	// matching the limbo target.
	receivedDocument bool
}

// SyncEngine is the glue between the local store, the remote store and the
// event manager. See the package documentation.
//
// SyncEngine is not safe for concurrent use; every method runs on the
// client's async queue.
type SyncEngine struct {
	ctx      context.Context
	local    *local.LocalStore
	remote   RemoteStore
	shared   local.SharedClientState
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	listener SyncEngineListener

	maxConcurrentLimboResolutions int

	user        model.User
	isPrimary   bool
	onlineState remote.OnlineState

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[int][]query.Query

	// enqueuedLimboResolutions are limbo documents waiting for a free
	// resolution slot, oldest first.
	enqueuedLimboResolutions []model.DocumentKey
	enqueuedLimboKeys        model.DocumentKeySet
	limboTargetsByKey        map[model.DocumentKey]int
	activeLimboResolutions   map[int]*limboResolution
	// limboDocumentRefs maps each limbo document to the views that show it.
	limboDocumentRefs *local.ReferenceSet
	nextLimboTargetID int

	mutationUserCallbacks  map[string]map[int]*async.Future[struct{}]
	pendingWritesCallbacks map[int][]*async.Future[struct{}]
}

// NewSyncEngine returns an engine over opts.LocalStore. Start connects it
// to the remote store.
func NewSyncEngine(opts Options) *SyncEngine {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	shared := opts.SharedState
	if shared == nil {
		shared = local.NewMemorySharedClientState()
	}
	remoteStore := opts.Remote
	if remoteStore == nil {
		remoteStore = NewOfflineRemoteStore()
	}
	return &SyncEngine{
		ctx:                           context.Background(),
		local:                         opts.LocalStore,
		remote:                        remoteStore,
		shared:                        shared,
		metrics:                       opts.Metrics,
		log:                           logging.For(opts.Logger, logging.ComponentSyncEngine),
		maxConcurrentLimboResolutions: settings.Sync.MaxConcurrentLimboResolutions,
		user:                          opts.User,
		isPrimary:                     true,
		onlineState:                   remote.OnlineUnknown,
		queryViewsByQuery:             make(map[string]*queryView),
		queriesByTarget:               make(map[int][]query.Query),
		enqueuedLimboKeys:             model.NewDocumentKeySet(),
		limboTargetsByKey:             make(map[model.DocumentKey]int),
		activeLimboResolutions:        make(map[int]*limboResolution),
		limboDocumentRefs:             local.NewReferenceSet(),
		nextLimboTargetID:             1,
		mutationUserCallbacks:         make(map[string]map[int]*async.Future[struct{}]),
		pendingWritesCallbacks:        make(map[int][]*async.Future[struct{}]),
	}
}

// SetListener installs the receiver of snapshots. It must be called before
// Start.
func (s *SyncEngine) SetListener(l SyncEngineListener) { s.listener = l }

// Start registers the engine with the shared client state and starts the
// remote store.
func (s *SyncEngine) Start(ctx context.Context) error {
	errs.Assert(s.listener != nil, "sync engine started without a listener")
	s.ctx = context.WithoutCancel(ctx)
	s.shared.SetSyncer(s)
	if err := s.remote.Start(ctx, s, s.local); err != nil {
		return fmt.Errorf("failed to start remote store: %w", err)
	}
	return nil
}

// Shutdown stops the remote store.
func (s *SyncEngine) Shutdown(ctx context.Context) error {
	return s.remote.Shutdown(ctx)
}

// EnableNetwork reconnects the remote store.
func (s *SyncEngine) EnableNetwork(ctx context.Context) error { return s.remote.EnableNetwork(ctx) }

// DisableNetwork disconnects the remote store. Views fall back to cache.
func (s *SyncEngine) DisableNetwork(ctx context.Context) error { return s.remote.DisableNetwork(ctx) }

// IsPrimary reports whether this engine owns the backend connection.
func (s *SyncEngine) IsPrimary() bool { return s.isPrimary }

// OnlineState returns the last connectivity state the engine applied.
func (s *SyncEngine) OnlineState() remote.OnlineState { return s.onlineState }

// Listen starts listening to q and returns the initial snapshot. When the
// query is already listened to, its existing view is reused. With
// shouldListenToRemote unset the query is served from cache only.
func (s *SyncEngine) Listen(ctx context.Context, q query.Query, shouldListenToRemote bool) (*ViewSnapshot, error) {
	if qv, ok := s.queryViewsByQuery[q.CanonicalID()]; ok {
		// The view exists on behalf of another client of the store.
		if _, err := s.shared.AddLocalQueryTarget(ctx, qv.targetID); err != nil {
			return nil, err
		}
		return qv.view.computeInitialSnapshot(), nil
	}

	td, err := s.local.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		return nil, err
	}
	state, err := s.shared.AddLocalQueryTarget(ctx, td.TargetID)
	if err != nil {
		return nil, err
	}
	snap, err := s.initializeViewAndComputeSnapshot(ctx, q, td.TargetID, state == local.TargetCurrent, td.ResumeToken)
	if err != nil {
		return nil, err
	}
	if s.isPrimary && shouldListenToRemote {
		if err := s.remote.Listen(ctx, td); err != nil {
			return nil, err
		}
	}
	s.reportSyncState()
	return snap, nil
}

func (s *SyncEngine) initializeViewAndComputeSnapshot(ctx context.Context, q query.Query, targetID int, current bool, resumeToken []byte) (*ViewSnapshot, error) {
	res, err := s.local.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, res.RemoteKeys)
	docChanges := view.ComputeDocChanges(res.Documents, nil)
	change := remote.NewTargetChange(resumeToken, current && s.onlineState != remote.Offline)
	viewChange := view.ApplyChanges(docChanges, s.isPrimary, &change, false)
	if err := s.updateTrackedLimbos(ctx, targetID, viewChange.LimboChanges); err != nil {
		return nil, err
	}

	s.queryViewsByQuery[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	s.queriesByTarget[targetID] = append(s.queriesByTarget[targetID], q)
	return viewChange.Snapshot, nil
}

// Unlisten stops listening to q. The target is released once no query of
// any client of the store needs it.
func (s *SyncEngine) Unlisten(ctx context.Context, q query.Query, shouldUnlistenToRemote bool) error {
	qv, ok := s.queryViewsByQuery[q.CanonicalID()]
	errs.Assert(ok, "trying to unlisten on query not found: %s", q)
	defer s.reportSyncState()

	queries := s.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		s.queriesByTarget[qv.targetID] = slices.DeleteFunc(slices.Clone(queries), func(other query.Query) bool {
			return other.CanonicalID() == q.CanonicalID()
		})
		delete(s.queryViewsByQuery, q.CanonicalID())
		return s.local.ReleaseTarget(ctx, qv.targetID, false)
	}

	if err := s.shared.RemoveLocalQueryTarget(ctx, qv.targetID); err != nil {
		return err
	}
	if !s.isPrimary {
		if err := s.removeAndCleanupTarget(ctx, qv.targetID, nil); err != nil {
			return err
		}
		return s.local.ReleaseTarget(ctx, qv.targetID, true)
	}
	if s.shared.IsActiveQueryTarget(qv.targetID) {
		// Another client still listens; keep the view serving it.
		return nil
	}
	if err := s.local.ReleaseTarget(ctx, qv.targetID, false); err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	s.shared.ClearQueryState(qv.targetID)
	if shouldUnlistenToRemote {
		if err := s.remote.Unlisten(ctx, qv.targetID); err != nil {
			return err
		}
	}
	return s.removeAndCleanupTarget(ctx, qv.targetID, nil)
}

// ListenToRemoteStore starts the backend listen of a query that was so far
// served from cache only.
func (s *SyncEngine) ListenToRemoteStore(ctx context.Context, q query.Query) error {
	td := s.local.GetLocalTargetData(q.ToTarget())
	if td == nil || !s.isPrimary {
		return nil
	}
	return s.remote.Listen(ctx, td)
}

// UnlistenFromRemoteStore stops the backend listen of q while keeping its
// view for cache-only listeners.
func (s *SyncEngine) UnlistenFromRemoteStore(ctx context.Context, q query.Query) error {
	qv, ok := s.queryViewsByQuery[q.CanonicalID()]
	if !ok || !s.isPrimary || len(s.queriesByTarget[qv.targetID]) != 1 {
		return nil
	}
	return s.remote.Unlisten(ctx, qv.targetID)
}

// Write queues mutations as a new batch, raises the resulting snapshots and
// returns a future settled when the backend accepts or rejects the batch.
func (s *SyncEngine) Write(ctx context.Context, mutations []model.Mutation) (*async.Future[struct{}], error) {
	res, err := s.local.LocalWrite(ctx, mutations)
	if err != nil {
		return nil, err
	}
	if err := s.shared.AddPendingMutation(ctx, res.BatchID); err != nil {
		s.log.Warnw("failed to publish pending batch", "batch", res.BatchID, "error", err)
	}
	done := async.NewFuture[struct{}]()
	s.addMutationCallback(res.BatchID, done)
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, res.Changes, nil); err != nil {
		return done, err
	}
	return done, s.remote.FillWritePipeline(ctx)
}

func (s *SyncEngine) addMutationCallback(batchID int, f *async.Future[struct{}]) {
	callbacks, ok := s.mutationUserCallbacks[s.user.UID]
	if !ok {
		callbacks = make(map[int]*async.Future[struct{}])
		s.mutationUserCallbacks[s.user.UID] = callbacks
	}
	callbacks[batchID] = f
}

// processUserCallback settles the write future of batchID, if this client
// wrote it.
func (s *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := s.mutationUserCallbacks[s.user.UID]
	if f, ok := callbacks[batchID]; ok {
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(struct{}{})
		}
		delete(callbacks, batchID)
	}
}

// RegisterPendingWritesCallback returns a future settled once every batch
// pending now is acknowledged or rejected.
func (s *SyncEngine) RegisterPendingWritesCallback(ctx context.Context) (*async.Future[struct{}], error) {
	if !s.remote.CanUseNetwork() {
		s.log.Debugw("the network is disabled; pending writes will resolve once it is enabled")
	}
	highest, err := s.local.GetHighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return nil, err
	}
	if highest == model.BatchIDUnknown {
		return async.Resolved(struct{}{}), nil
	}
	f := async.NewFuture[struct{}]()
	s.pendingWritesCallbacks[highest] = append(s.pendingWritesCallbacks[highest], f)
	return f, nil
}

func (s *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for id, callbacks := range s.pendingWritesCallbacks {
		if id > batchID {
			continue
		}
		for _, f := range callbacks {
			f.Resolve(struct{}{})
		}
		delete(s.pendingWritesCallbacks, id)
	}
}

func (s *SyncEngine) rejectOutstandingPendingWritesCallbacks(reason string) {
	for id, callbacks := range s.pendingWritesCallbacks {
		for _, f := range callbacks {
			f.Reject(errs.New(errs.Cancelled, "%s", reason))
		}
		delete(s.pendingWritesCallbacks, id)
	}
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (s *SyncEngine) ApplyRemoteEvent(ctx context.Context, ev *remote.RemoteEvent) error {
	for targetID, change := range ev.TargetChanges {
		lr, ok := s.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		errs.Assert(change.Size() <= 1, "limbo resolution for a single document contains multiple changes")
		switch {
		case change.AddedDocuments.Len() > 0:
			lr.receivedDocument = true
		case change.ModifiedDocuments.Len() > 0:
			errs.Assert(lr.receivedDocument, "received change for limbo target document without add")
		case change.RemovedDocuments.Len() > 0:
			errs.Assert(lr.receivedDocument, "received remove for limbo target document without add")
			lr.receivedDocument = false
		}
	}
	docs, err := s.local.ApplyRemoteEvent(ctx, ev)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, ev)
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo listen is
// treated as the document having been deleted; any other rejection ends
// the listens of every query on the target with err.
func (s *SyncEngine) RejectListen(ctx context.Context, targetID int, err error) error {
	if lr, ok := s.activeLimboResolutions[targetID]; ok {
		key := lr.key
		s.log.Debugw("limbo listen rejected, treating document as deleted", "key", key, "error", err)
		if err := s.removeLimboTarget(ctx, key); err != nil {
			return err
		}
		ev := remote.NewRemoteEvent(model.MinVersion())
		ev.DocumentUpdates[key] = model.NewNoDocument(key, model.MinVersion())
		ev.ResolvedLimboDocuments.Add(key)
		return s.ApplyRemoteEvent(ctx, ev)
	}

	s.log.Infow("listen rejected", "target", targetID, "error", err)
	if err := s.shared.UpdateQueryState(ctx, targetID, local.TargetRejected, err); err != nil {
		s.log.Warnw("failed to publish rejected target", "target", targetID, "error", err)
	}
	for range s.queriesByTarget[targetID] {
		if rerr := s.local.ReleaseTarget(ctx, targetID, false); rerr != nil {
			return s.ignoreIfPrimaryLeaseLoss(rerr)
		}
	}
	return s.removeAndCleanupTarget(ctx, targetID, err)
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (s *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error {
	batchID := result.Batch.BatchID
	docs, err := s.local.AcknowledgeBatch(ctx, result)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	s.processUserCallback(batchID, nil)
	s.triggerPendingWritesCallbacks(batchID)
	if err := s.shared.UpdateMutationState(ctx, batchID, local.BatchAcknowledged, nil); err != nil {
		s.log.Warnw("failed to publish acknowledged batch", "batch", batchID, "error", err)
	}
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil); err != nil {
		return err
	}
	return s.remote.FillWritePipeline(ctx)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (s *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, cause error) error {
	docs, err := s.local.RejectBatch(ctx, batchID)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	s.log.Infow("write rejected", "batch", batchID, "error", cause)
	s.processUserCallback(batchID, cause)
	s.triggerPendingWritesCallbacks(batchID)
	if err := s.shared.UpdateMutationState(ctx, batchID, local.BatchRejected, cause); err != nil {
		s.log.Warnw("failed to publish rejected batch", "batch", batchID, "error", err)
	}
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil); err != nil {
		return err
	}
	return s.remote.FillWritePipeline(ctx)
}

// GetRemoteKeysForTarget implements remote.RemoteSyncer.
func (s *SyncEngine) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if lr, ok := s.activeLimboResolutions[targetID]; ok {
		if lr.receivedDocument {
			return model.NewDocumentKeySet(lr.key)
		}
		return model.NewDocumentKeySet()
	}
	keys := model.NewDocumentKeySet()
	for _, q := range s.queriesByTarget[targetID] {
		if qv, ok := s.queryViewsByQuery[q.CanonicalID()]; ok {
			keys.AddAll(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange implements remote.RemoteSyncer. The local store
// switches to user's mutation queue and views are recomputed with user's
// pending writes.
func (s *SyncEngine) HandleCredentialChange(ctx context.Context, user model.User) error {
	if user == s.user {
		return nil
	}
	s.log.Infow("user changed", "user", user.String())
	res, err := s.local.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	s.user = user
	s.rejectOutstandingPendingWritesCallbacks("pending writes callback canceled due to a user change")
	s.shared.HandleUserChange(user)
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, res.AffectedDocuments, nil); err != nil {
		return err
	}
	return s.remote.HandleCredentialChange(ctx, user)
}

// ApplyOnlineStateChange implements remote.RemoteSyncer. Only the primary
// client acts on its own connection; secondaries follow the state the
// primary publishes.
func (s *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	if !s.isPrimary {
		return
	}
	s.applyOnlineState(state)
	if err := s.shared.SetOnlineState(s.ctx, state); err != nil {
		s.log.Warnw("failed to publish online state", "state", state, "error", err)
	}
}

// ApplySharedOnlineState implements local.SharedStateSyncer.
func (s *SyncEngine) ApplySharedOnlineState(state remote.OnlineState) {
	if s.isPrimary {
		return
	}
	s.applyOnlineState(state)
}

func (s *SyncEngine) applyOnlineState(state remote.OnlineState) {
	var snaps []*ViewSnapshot
	for _, qv := range s.sortedQueryViews() {
		if change := qv.view.ApplyOnlineStateChange(state); change.Snapshot != nil {
			snaps = append(snaps, change.Snapshot)
		}
	}
	s.onlineState = state
	s.listener.OnOnlineStateChange(state)
	s.listener.OnWatchChange(snaps)
}

// ApplyPrimaryState moves the engine between primary and secondary. A new
// primary re-listens to every target any client of the store needs; a
// former primary drops the targets only other clients needed.
func (s *SyncEngine) ApplyPrimaryState(ctx context.Context, isPrimary bool) error {
	if isPrimary == s.isPrimary {
		return nil
	}
	s.log.Infow("primary state changed", "primary", isPrimary)
	if isPrimary {
		active, err := s.synchronizeQueryViewsAndRaiseSnapshots(ctx, s.shared.ActiveQueryTargets(), true)
		if err != nil {
			return err
		}
		s.isPrimary = true
		if err := s.remote.ApplyPrimaryState(ctx, true); err != nil {
			return err
		}
		for _, td := range active {
			if err := s.remote.Listen(ctx, td); err != nil {
				return err
			}
		}
		s.reportSyncState()
		return nil
	}

	var keep []int
	for _, targetID := range s.sortedTargetIDs() {
		if s.shared.IsLocalQueryTarget(targetID) {
			keep = append(keep, targetID)
		} else {
			n := len(s.queriesByTarget[targetID])
			if err := s.removeAndCleanupTarget(ctx, targetID, nil); err != nil {
				return err
			}
			for range n {
				if err := s.local.ReleaseTarget(ctx, targetID, true); err != nil {
					return err
				}
			}
		}
		if err := s.remote.Unlisten(ctx, targetID); err != nil {
			return err
		}
	}
	if _, err := s.synchronizeQueryViewsAndRaiseSnapshots(ctx, keep, false); err != nil {
		return err
	}
	if err := s.resetLimboDocuments(ctx); err != nil {
		return err
	}
	s.isPrimary = false
	s.reportSyncState()
	return s.remote.ApplyPrimaryState(ctx, false)
}

// synchronizeQueryViewsAndRaiseSnapshots reconciles the views of targetIDs
// with the shared cache, creating views for targets only other clients
// listened to, and returns the targets' data.
func (s *SyncEngine) synchronizeQueryViewsAndRaiseSnapshots(ctx context.Context, targetIDs []int, transitionToPrimary bool) ([]*local.TargetData, error) {
	var active []*local.TargetData
	var snaps []*ViewSnapshot
	for _, targetID := range targetIDs {
		queries := s.queriesByTarget[targetID]
		if len(queries) > 0 {
			td := s.local.GetLocalTargetData(queries[0].ToTarget())
			errs.Assert(td != nil, "view of target %d has no allocated target", targetID)
			for _, q := range queries {
				qv := s.queryViewsByQuery[q.CanonicalID()]
				res, err := s.local.ExecuteQuery(ctx, qv.query, true)
				if err != nil {
					return nil, err
				}
				change := qv.view.SynchronizeWithPersistedState(res)
				if transitionToPrimary {
					if err := s.updateTrackedLimbos(ctx, qv.targetID, change.LimboChanges); err != nil {
						return nil, err
					}
				}
				if change.Snapshot != nil {
					snaps = append(snaps, change.Snapshot)
				}
			}
			active = append(active, td)
			continue
		}

		target, err := s.local.GetCachedTarget(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			s.log.Debugw("skipping target missing from cache", "target", targetID)
			continue
		}
		td, err := s.local.AllocateTarget(ctx, target)
		if err != nil {
			return nil, err
		}
		if _, err := s.initializeViewAndComputeSnapshot(ctx, target.Query(), td.TargetID, false, td.ResumeToken); err != nil {
			return nil, err
		}
		active = append(active, td)
	}
	s.listener.OnWatchChange(snaps)
	return active, nil
}

func (s *SyncEngine) resetLimboDocuments(ctx context.Context) error {
	for targetID := range s.activeLimboResolutions {
		if err := s.remote.Unlisten(ctx, targetID); err != nil {
			return err
		}
	}
	s.limboDocumentRefs.RemoveAllReferences()
	s.activeLimboResolutions = make(map[int]*limboResolution)
	s.limboTargetsByKey = make(map[model.DocumentKey]int)
	s.enqueuedLimboResolutions = nil
	s.enqueuedLimboKeys = model.NewDocumentKeySet()
	return nil
}

// ApplyBatchState implements local.SharedStateSyncer: another client
// changed the state of one of this user's batches.
func (s *SyncEngine) ApplyBatchState(ctx context.Context, batchID int, state local.BatchState, cause error) error {
	docs, err := s.local.LookupMutationDocuments(ctx, batchID)
	if err != nil {
		return err
	}
	if docs == nil {
		s.log.Debugw("cannot apply state of unknown batch", "batch", batchID, "state", state)
		return nil
	}
	switch state {
	case local.BatchPending:
		// Only the primary sends; on secondaries the pipeline is closed.
		if err := s.remote.FillWritePipeline(ctx); err != nil {
			return err
		}
	case local.BatchAcknowledged, local.BatchRejected:
		s.processUserCallback(batchID, cause)
		s.triggerPendingWritesCallbacks(batchID)
		s.local.RemoveCachedMutationBatchMetadata(batchID)
	default:
		errs.Fail("unknown batch state %q", state)
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil)
}

// ApplyTargetState implements local.SharedStateSyncer: the primary changed
// the state of a target this client listens to.
func (s *SyncEngine) ApplyTargetState(ctx context.Context, targetID int, state local.TargetState, cause error) error {
	if s.isPrimary {
		s.log.Debugw("ignoring unexpected target state notification", "target", targetID)
		return nil
	}
	queries := s.queriesByTarget[targetID]
	if len(queries) == 0 {
		return nil
	}
	switch state {
	case local.TargetCurrent, local.TargetNotCurrent:
		docs, err := s.local.GetNewDocumentChanges(ctx, collectionGroupOf(queries[0]))
		if err != nil {
			return err
		}
		ev := remote.SynthesizedCurrentChange(targetID, state == local.TargetCurrent)
		return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, ev)
	case local.TargetRejected:
		for range queries {
			if err := s.local.ReleaseTarget(ctx, targetID, true); err != nil {
				return err
			}
		}
		return s.removeAndCleanupTarget(ctx, targetID, cause)
	}
	errs.Fail("unexpected target state %q", state)
	return nil
}

// ApplyActiveTargetsChange implements local.SharedStateSyncer: the primary
// starts listening to targets other clients added and stops listening to
// targets no client needs any more.
func (s *SyncEngine) ApplyActiveTargetsChange(ctx context.Context, added, removed []int) error {
	if !s.isPrimary {
		return nil
	}
	for _, targetID := range added {
		if _, ok := s.queriesByTarget[targetID]; ok {
			s.log.Debugw("adding an already active target", "target", targetID)
			continue
		}
		target, err := s.local.GetCachedTarget(ctx, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			s.log.Debugw("ignoring unknown target from another client", "target", targetID)
			continue
		}
		td, err := s.local.AllocateTarget(ctx, target)
		if err != nil {
			return err
		}
		if _, err := s.initializeViewAndComputeSnapshot(ctx, target.Query(), td.TargetID, false, td.ResumeToken); err != nil {
			return err
		}
		if err := s.remote.Listen(ctx, td); err != nil {
			return err
		}
	}
	for _, targetID := range removed {
		queries, ok := s.queriesByTarget[targetID]
		if !ok || s.shared.IsActiveQueryTarget(targetID) {
			continue
		}
		for range queries {
			if err := s.local.ReleaseTarget(ctx, targetID, false); err != nil {
				return s.ignoreIfPrimaryLeaseLoss(err)
			}
		}
		if err := s.remote.Unlisten(ctx, targetID); err != nil {
			return err
		}
		if err := s.removeAndCleanupTarget(ctx, targetID, nil); err != nil {
			return err
		}
	}
	s.reportSyncState()
	return nil
}

// SynchronizeWithChangedDocuments implements local.SharedStateSyncer.
func (s *SyncEngine) SynchronizeWithChangedDocuments(ctx context.Context) error {
	groups := make(map[string]bool)
	docs := make(model.DocumentMap)
	for _, qv := range s.sortedQueryViews() {
		group := collectionGroupOf(qv.query)
		if groups[group] {
			continue
		}
		groups[group] = true
		changed, err := s.local.GetNewDocumentChanges(ctx, group)
		if err != nil {
			return err
		}
		for k, d := range changed {
			docs[k] = d
		}
	}
	if len(docs) == 0 {
		return nil
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil)
}

// LoadBundle applies the bundle read by r and saves its named queries.
// Progress is reported to onProgress, which may be nil. A bundle that is
// not newer than one loaded before is skipped.
func (s *SyncEngine) LoadBundle(ctx context.Context, r *bundle.Reader, onProgress func(bundle.Progress)) (bundle.Progress, error) {
	loader := bundle.NewLoader(r, onProgress)
	md := r.Metadata()
	newer, err := s.local.HasNewerBundle(ctx, md)
	if err != nil {
		loader.Fail()
		return loader.Progress(), err
	}
	if newer {
		s.log.Debugw("skipping bundle already loaded", "bundle", md.ID)
		loader.Complete()
		return loader.Progress(), nil
	}
	contents, err := loader.Load()
	if err != nil {
		return loader.Progress(), fmt.Errorf("failed to read bundle %s: %w", md.ID, err)
	}
	fail := func(err error) (bundle.Progress, error) {
		loader.Fail()
		return loader.Progress(), fmt.Errorf("failed to load bundle %s: %w", md.ID, err)
	}
	docs, err := s.local.ApplyBundledDocuments(ctx, contents)
	if err != nil {
		return fail(err)
	}
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil); err != nil {
		return fail(err)
	}
	for _, nq := range contents.Queries {
		if err := s.local.SaveNamedQuery(ctx, nq, contents.KeysForQuery(nq.Name)); err != nil {
			return fail(err)
		}
	}
	if err := s.local.SaveBundle(ctx, md); err != nil {
		return fail(err)
	}
	if err := s.shared.NotifyRemoteChanges(ctx); err != nil {
		s.log.Warnw("failed to notify other clients of bundle", "bundle", md.ID, "error", err)
	}
	loader.Complete()
	s.log.Infow("loaded bundle", "bundle", md.ID, "documents", len(contents.Documents), "queries", len(contents.Queries))
	return loader.Progress(), nil
}

// emitNewSnapsAndNotifyLocalStore recomputes every view with changes,
// raises the resulting snapshots and pins the documents the views now show.
func (s *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context, changes model.DocumentMap, ev *remote.RemoteEvent) error {
	var snaps []*ViewSnapshot
	var viewChanges []local.LocalViewChange
	for _, qv := range s.sortedQueryViews() {
		docChanges := qv.view.ComputeDocChanges(changes, nil)
		if docChanges.NeedsRefill() {
			res, err := s.local.ExecuteQuery(ctx, qv.query, false)
			if err != nil {
				return err
			}
			docChanges = qv.view.ComputeDocChanges(res.Documents, docChanges)
		}
		var targetChange *remote.TargetChange
		pendingReset := false
		if ev != nil {
			if tc, ok := ev.TargetChanges[qv.targetID]; ok {
				targetChange = &tc
			}
			_, pendingReset = ev.TargetMismatches[qv.targetID]
		}
		viewChange := qv.view.ApplyChanges(docChanges, s.isPrimary, targetChange, pendingReset)
		if err := s.updateTrackedLimbos(ctx, qv.targetID, viewChange.LimboChanges); err != nil {
			return err
		}
		snap := viewChange.Snapshot
		if snap == nil {
			continue
		}
		if s.isPrimary {
			current := !snap.FromCache || (targetChange != nil && targetChange.Current)
			state := local.TargetNotCurrent
			if current {
				state = local.TargetCurrent
			}
			if err := s.shared.UpdateQueryState(ctx, qv.targetID, state, nil); err != nil {
				s.log.Warnw("failed to publish target state", "target", qv.targetID, "error", err)
			}
		}
		snaps = append(snaps, snap)
		viewChanges = append(viewChanges, localViewChange(qv.targetID, snap))
	}
	s.listener.OnWatchChange(snaps)
	s.reportSyncState()
	if err := s.local.NotifyLocalViewChanges(ctx, viewChanges); err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	return nil
}

func localViewChange(targetID int, snap *ViewSnapshot) local.LocalViewChange {
	c := local.LocalViewChange{
		TargetID:    targetID,
		FromCache:   snap.FromCache,
		AddedKeys:   model.NewDocumentKeySet(),
		RemovedKeys: model.NewDocumentKeySet(),
	}
	for _, change := range snap.Changes {
		switch change.Type {
		case ChangeAdded:
			c.AddedKeys.Add(change.Doc.Key())
		case ChangeRemoved:
			c.RemovedKeys.Add(change.Doc.Key())
		}
	}
	return c
}

// removeAndCleanupTarget drops every view on targetID, reporting err to
// their listeners when set, and stops resolving the limbo documents only
// those views showed.
func (s *SyncEngine) removeAndCleanupTarget(ctx context.Context, targetID int, err error) error {
	if rerr := s.shared.RemoveLocalQueryTarget(ctx, targetID); rerr != nil {
		return rerr
	}
	for _, q := range s.queriesByTarget[targetID] {
		delete(s.queryViewsByQuery, q.CanonicalID())
		if err != nil {
			s.listener.OnWatchError(q, err)
		}
	}
	delete(s.queriesByTarget, targetID)

	if s.isPrimary {
		for _, key := range s.limboDocumentRefs.RemoveReferencesForID(targetID) {
			if !s.limboDocumentRefs.ContainsKey(key) {
				if err := s.removeLimboTarget(ctx, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *SyncEngine) updateTrackedLimbos(ctx context.Context, targetID int, changes []LimboDocumentChange) error {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			s.limboDocumentRefs.AddReference(c.Key, targetID)
			s.trackLimboChange(ctx, c.Key)
		case LimboRemoved:
			s.log.Debugw("document no longer in limbo", "key", c.Key)
			s.limboDocumentRefs.RemoveReference(c.Key, targetID)
			if !s.limboDocumentRefs.ContainsKey(c.Key) {
				if err := s.removeLimboTarget(ctx, c.Key); err != nil {
					return err
				}
			}
		}
	}
	return s.pumpEnqueuedLimboResolutions(ctx)
}

func (s *SyncEngine) trackLimboChange(_ context.Context, key model.DocumentKey) {
	if _, ok := s.limboTargetsByKey[key]; ok || s.enqueuedLimboKeys.Has(key) {
		return
	}
	s.log.Debugw("new document in limbo", "key", key)
	s.enqueuedLimboResolutions = append(s.enqueuedLimboResolutions, key)
	s.enqueuedLimboKeys.Add(key)
}

// pumpEnqueuedLimboResolutions starts limbo listens, oldest first, until
// the concurrency limit is reached.
func (s *SyncEngine) pumpEnqueuedLimboResolutions(ctx context.Context) error {
	for len(s.enqueuedLimboResolutions) > 0 && len(s.limboTargetsByKey) < s.maxConcurrentLimboResolutions {
		key := s.enqueuedLimboResolutions[0]
		s.enqueuedLimboResolutions = s.enqueuedLimboResolutions[1:]
		s.enqueuedLimboKeys.Remove(key)

		targetID := s.nextLimboTargetID
		s.nextLimboTargetID += 2
		s.activeLimboResolutions[targetID] = &limboResolution{key: key}
		s.limboTargetsByKey[key] = targetID
		td := local.NewTargetData(query.NewDocumentTarget(key), targetID, local.PurposeLimboResolution, 0)
		if err := s.remote.Listen(ctx, td); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncEngine) removeLimboTarget(ctx context.Context, key model.DocumentKey) error {
	if s.enqueuedLimboKeys.Has(key) {
		s.enqueuedLimboKeys.Remove(key)
		s.enqueuedLimboResolutions = slices.DeleteFunc(s.enqueuedLimboResolutions, func(k model.DocumentKey) bool { return k == key })
	}
	targetID, ok := s.limboTargetsByKey[key]
	if !ok {
		return nil
	}
	if err := s.remote.Unlisten(ctx, targetID); err != nil {
		return err
	}
	delete(s.limboTargetsByKey, key)
	delete(s.activeLimboResolutions, targetID)
	return s.pumpEnqueuedLimboResolutions(ctx)
}

// ActiveLimboDocumentResolutions returns the limbo documents being
// resolved, with their target ids.
func (s *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]int {
	out := make(map[model.DocumentKey]int, len(s.limboTargetsByKey))
	for k, id := range s.limboTargetsByKey {
		out[k] = id
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the limbo documents waiting for
// a resolution slot, oldest first.
func (s *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return slices.Clone(s.enqueuedLimboResolutions)
}

func (s *SyncEngine) ignoreIfPrimaryLeaseLoss(err error) error {
	if errors.Is(err, errs.ErrNotPrimary) {
		s.log.Debugw("unexpectedly lost primary lease", "error", err)
		return nil
	}
	return err
}

func (s *SyncEngine) reportSyncState() {
	s.metrics.SetSyncState(len(s.queriesByTarget), len(s.limboTargetsByKey)+len(s.enqueuedLimboResolutions))
}

// sortedQueryViews returns the views ordered by target id, so snapshots
// are raised in listen order.
func (s *SyncEngine) sortedQueryViews() []*queryView {
	out := make([]*queryView, 0, len(s.queryViewsByQuery))
	for _, qv := range s.queryViewsByQuery {
		out = append(out, qv)
	}
	slices.SortFunc(out, func(a, b *queryView) int {
		if a.targetID != b.targetID {
			return a.targetID - b.targetID
		}
		return strings.Compare(a.query.CanonicalID(), b.query.CanonicalID())
	})
	return out
}

func (s *SyncEngine) sortedTargetIDs() []int {
	ids := make([]int, 0, len(s.queriesByTarget))
	for id := range s.queriesByTarget {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// collectionGroupOf returns the collection group whose documents can match
// q.
func collectionGroupOf(q query.Query) string {
	if q.IsCollectionGroupQuery() {
		return q.CollectionGroup
	}
	if q.IsDocumentQuery() {
		return q.Path.Parent().LastSegment()
	}
	return q.Path.LastSegment()
}
