package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote/loopback"
)

const waitTimeout = 5 * time.Second

type engineHarness struct {
	t      *testing.T
	ctx    context.Context
	queue  *async.Queue
	store  *local.LocalStore
	server *loopback.Server
	conn   *loopback.Connection
	engine *SyncEngine
	events *EventManager
}

func newEngineHarness(t *testing.T, server *loopback.Server, settings *config.Settings) *engineHarness {
	t.Helper()
	ctx := context.Background()
	p := persistence.NewMemory(persistence.DefaultConfig())
	require.NoError(t, p.Start(ctx))
	store := local.NewLocalStore(local.Options{Persistence: p, Settings: settings})
	require.NoError(t, store.Start(ctx))

	queue := async.NewQueue()
	conn := server.Connect(queue, nil)
	engine := NewSyncEngine(Options{LocalStore: store, Remote: conn, Settings: settings})
	h := &engineHarness{
		t:      t,
		ctx:    ctx,
		queue:  queue,
		store:  store,
		server: server,
		conn:   conn,
		engine: engine,
		events: NewEventManager(engine),
	}
	t.Cleanup(func() {
		_ = h.run(engine.Shutdown)
		queue.Shutdown()
		assert.NoError(t, queue.Failure())
		_ = p.Shutdown()
	})
	require.NoError(t, h.run(engine.Start))
	return h
}

// run executes fn on the client's queue and waits for it.
func (h *engineHarness) run(fn func(ctx context.Context) error) error {
	_, err := h.queue.Enqueue(func() error { return fn(h.ctx) }).Wait(h.ctx)
	return err
}

// flush waits until every operation queued so far, and the operations they
// queue in turn, have run.
func (h *engineHarness) flush() {
	h.t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(h.t, h.run(func(context.Context) error { return nil }))
	}
}

type snapshots struct {
	t     *testing.T
	snaps chan *ViewSnapshot
	errs  chan error
}

func (h *engineHarness) listen(q query.Query, opts ListenOptions) (*QueryListener, *snapshots) {
	h.t.Helper()
	s := &snapshots{t: h.t, snaps: make(chan *ViewSnapshot, 64), errs: make(chan error, 1)}
	observer := NewAsyncObserver(
		func(snap *ViewSnapshot) { s.snaps <- snap },
		func(err error) { s.errs <- err },
	)
	l := NewQueryListener(q, opts, observer)
	_ = h.run(func(ctx context.Context) error { return h.events.Listen(ctx, l) })
	return l, s
}

func (h *engineHarness) unlisten(l *QueryListener) {
	h.t.Helper()
	require.NoError(h.t, h.run(func(ctx context.Context) error { return h.events.Unlisten(ctx, l) }))
}

func (h *engineHarness) write(muts ...model.Mutation) *async.Future[struct{}] {
	h.t.Helper()
	var done *async.Future[struct{}]
	require.NoError(h.t, h.run(func(ctx context.Context) error {
		var err error
		done, err = h.engine.Write(ctx, muts)
		return err
	}))
	return done
}

// waitFor returns the first snapshot satisfying pred.
func (s *snapshots) waitFor(pred func(*ViewSnapshot) bool) *ViewSnapshot {
	s.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case snap := <-s.snaps:
			if pred(snap) {
				return snap
			}
		case err := <-s.errs:
			require.FailNow(s.t, "unexpected listen error", "%v", err)
		case <-deadline:
			require.FailNow(s.t, "timed out waiting for snapshot")
		}
	}
}

func (s *snapshots) waitForError() error {
	s.t.Helper()
	select {
	case err := <-s.errs:
		return err
	case <-time.After(waitTimeout):
		require.FailNow(s.t, "timed out waiting for listen error")
	}
	return nil
}

func synced(keys ...string) func(*ViewSnapshot) bool {
	return func(snap *ViewSnapshot) bool {
		return !snap.FromCache && !snap.HasPendingWrites() && sameKeys(snap, keys)
	}
}

func sameKeys(snap *ViewSnapshot, keys []string) bool {
	got := snapKeys(snap)
	if len(got) != len(keys) {
		return false
	}
	for i := range got {
		if got[i] != keys[i] {
			return false
		}
	}
	return true
}

func obj(t *testing.T, m map[string]any) model.ObjectValue {
	t.Helper()
	o, err := model.ObjectFromGo(m)
	require.NoError(t, err)
	return o
}

func rooms() query.Query { return query.NewQuery(model.ResourcePath{"rooms"}) }

func waitSettled(t *testing.T, f *async.Future[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestListenReceivesServerDocuments(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/a"): obj(t, map[string]any{"name": "lobby"}),
		model.Key("rooms/b"): obj(t, map[string]any{"name": "kitchen"}),
	})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{})
	snap := snaps.waitFor(synced("rooms/a", "rooms/b"))
	assert.Len(t, snap.Changes, 2)

	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/c"): obj(t, map[string]any{"name": "attic"}),
	})
	snap = snaps.waitFor(synced("rooms/a", "rooms/b", "rooms/c"))
	assert.Equal(t, map[string]ChangeType{"rooms/c": ChangeAdded}, changeTypes(snap))

	server.Delete(model.Key("rooms/a"))
	snap = snaps.waitFor(synced("rooms/b", "rooms/c"))
	assert.Equal(t, map[string]ChangeType{"rooms/a": ChangeRemoved}, changeTypes(snap))
}

func TestWriteIsShownAndAcknowledged(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{IncludeMetadataChanges: true})
	snaps.waitFor(synced())

	done := h.write(model.NewSetMutation(model.Key("rooms/a"), obj(t, map[string]any{"n": 1})))
	snap := snaps.waitFor(func(s *ViewSnapshot) bool { return sameKeys(s, []string{"rooms/a"}) })
	assert.True(t, snap.HasPendingWrites())

	require.NoError(t, waitSettled(t, done))
	snaps.waitFor(synced("rooms/a"))
	require.NotNil(t, server.Document(model.Key("rooms/a")))
	assert.Equal(t, 1, server.Commits())
}

func TestRejectedWriteIsRolledBack(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.SetWriteRejector(func(*model.MutationBatch) error {
		return errs.New(errs.PermissionDenied, "writes are not allowed")
	})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced())

	done := h.write(model.NewSetMutation(model.Key("rooms/a"), obj(t, map[string]any{"n": 1})))
	err := waitSettled(t, done)
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))

	snaps.waitFor(synced())
	assert.Nil(t, server.Document(model.Key("rooms/a")))
}

func TestRejectedListenReportsError(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.SetListenRejector(func(*query.Target) error {
		return errs.New(errs.PermissionDenied, "listen not allowed")
	})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{})
	err := snaps.waitForError()
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))

	h.flush()
	require.NoError(t, h.run(func(context.Context) error {
		assert.Empty(t, h.engine.queryViewsByQuery)
		assert.Empty(t, h.engine.queriesByTarget)
		return nil
	}))
}

// seedCache leaves rooms/a, rooms/b and rooms/c in the client's cache and
// then deletes them on the server while the client is not listening.
func seedCache(t *testing.T, h *engineHarness) {
	t.Helper()
	h.server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/a"): obj(t, map[string]any{"n": 1}),
		model.Key("rooms/b"): obj(t, map[string]any{"n": 2}),
		model.Key("rooms/c"): obj(t, map[string]any{"n": 3}),
	})
	l, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced("rooms/a", "rooms/b", "rooms/c"))
	h.unlisten(l)
	h.server.Delete(model.Key("rooms/a"), model.Key("rooms/b"), model.Key("rooms/c"))
}

func positiveRooms() query.Query {
	return rooms().Where(query.NewFieldFilter(model.MustFieldPath("n"), query.GreaterThan, model.Integer(0)))
}

func TestLimboDocumentsAreResolved(t *testing.T) {
	h := newEngineHarness(t, loopback.NewServer(loopback.Options{}), nil)
	seedCache(t, h)

	// The new query's target has never seen the cached documents, so the
	// backend's empty answer leaves them unexplained until each is looked
	// up on its own.
	_, snaps := h.listen(positiveRooms(), ListenOptions{})
	first := snaps.waitFor(func(*ViewSnapshot) bool { return true })
	assert.True(t, first.FromCache)
	assert.Equal(t, []string{"rooms/a", "rooms/b", "rooms/c"}, snapKeys(first))

	snaps.waitFor(synced())
	h.flush()
	require.NoError(t, h.run(func(context.Context) error {
		assert.Empty(t, h.engine.ActiveLimboDocumentResolutions())
		assert.Empty(t, h.engine.EnqueuedLimboDocumentResolutions())
		return nil
	}))
}

func TestLimboResolutionsAreCapped(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Sync.MaxConcurrentLimboResolutions = 1
	server := loopback.NewServer(loopback.Options{})
	h := newEngineHarness(t, server, settings)
	seedCache(t, h)

	server.SetListenRejector(func(target *query.Target) error {
		if target.IsDocumentTarget() {
			return errs.New(errs.Unavailable, "document lookups are unavailable")
		}
		return nil
	})
	_, snaps := h.listen(positiveRooms(), ListenOptions{})
	h.flush()
	require.NoError(t, h.run(func(context.Context) error {
		active := h.engine.ActiveLimboDocumentResolutions()
		assert.Equal(t, map[model.DocumentKey]int{model.Key("rooms/a"): 1}, active)
		assert.Equal(t, []model.DocumentKey{model.Key("rooms/b"), model.Key("rooms/c")},
			h.engine.EnqueuedLimboDocumentResolutions())
		return nil
	}))

	// Reconnecting resends the stalled lookup; the rest follow one at a
	// time.
	server.SetListenRejector(nil)
	require.NoError(t, h.run(h.engine.DisableNetwork))
	require.NoError(t, h.run(h.engine.EnableNetwork))
	snaps.waitFor(synced())
	h.flush()
	require.NoError(t, h.run(func(context.Context) error {
		assert.Empty(t, h.engine.ActiveLimboDocumentResolutions())
		assert.Empty(t, h.engine.EnqueuedLimboDocumentResolutions())
		return nil
	}))
}

func TestLocalWriteIsNotInLimbo(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.SetWriteRejector(func(*model.MutationBatch) error {
		return errs.New(errs.Unavailable, "try again later")
	})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced())
	h.write(model.NewSetMutation(model.Key("rooms/p"), obj(t, map[string]any{"n": 1})))
	snap := snaps.waitFor(func(s *ViewSnapshot) bool { return sameKeys(s, []string{"rooms/p"}) })
	assert.False(t, snap.FromCache)
	h.flush()
	require.NoError(t, h.run(func(context.Context) error {
		assert.Empty(t, h.engine.ActiveLimboDocumentResolutions())
		return nil
	}))
}

func TestPendingWritesCallback(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	h := newEngineHarness(t, server, nil)

	var nothingPending *async.Future[struct{}]
	require.NoError(t, h.run(func(ctx context.Context) error {
		var err error
		nothingPending, err = h.engine.RegisterPendingWritesCallback(ctx)
		return err
	}))
	assert.True(t, nothingPending.IsSettled())

	require.NoError(t, h.run(h.engine.DisableNetwork))
	h.write(model.NewSetMutation(model.Key("rooms/a"), obj(t, map[string]any{"n": 1})))
	h.write(model.NewSetMutation(model.Key("rooms/b"), obj(t, map[string]any{"n": 2})))

	var pending *async.Future[struct{}]
	require.NoError(t, h.run(func(ctx context.Context) error {
		var err error
		pending, err = h.engine.RegisterPendingWritesCallback(ctx)
		return err
	}))
	h.flush()
	assert.False(t, pending.IsSettled())

	require.NoError(t, h.run(h.engine.EnableNetwork))
	require.NoError(t, waitSettled(t, pending))
	assert.Equal(t, 2, server.Commits())
}

func TestCredentialChangeSwitchesMutationQueue(t *testing.T) {
	h := newEngineHarness(t, loopback.NewServer(loopback.Options{}), nil)
	require.NoError(t, h.run(h.engine.DisableNetwork))

	_, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(func(s *ViewSnapshot) bool { return s.Docs.IsEmpty() && s.FromCache })

	h.write(model.NewSetMutation(model.Key("rooms/a"), obj(t, map[string]any{"n": 1})))
	snaps.waitFor(func(s *ViewSnapshot) bool { return sameKeys(s, []string{"rooms/a"}) })

	require.NoError(t, h.run(func(ctx context.Context) error {
		return h.engine.HandleCredentialChange(ctx, model.User{UID: "bob"})
	}))
	snaps.waitFor(func(s *ViewSnapshot) bool { return s.Docs.IsEmpty() })

	// Switching back restores the first user's pending write.
	require.NoError(t, h.run(func(ctx context.Context) error {
		return h.engine.HandleCredentialChange(ctx, model.Unauthenticated)
	}))
	snaps.waitFor(func(s *ViewSnapshot) bool { return sameKeys(s, []string{"rooms/a"}) })
}

func TestTwoClientsShareServer(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	alice := newEngineHarness(t, server, nil)
	bob := newEngineHarness(t, server, nil)

	_, bobSnaps := bob.listen(rooms(), ListenOptions{})
	bobSnaps.waitFor(synced())

	done := alice.write(model.NewSetMutation(model.Key("rooms/a"), obj(t, map[string]any{"by": "alice"})))
	require.NoError(t, waitSettled(t, done))

	snap := bobSnaps.waitFor(synced("rooms/a"))
	assert.False(t, snap.Docs.Get(model.Key("rooms/a")).HasPendingWrites())
}

func TestUnlistenLastListenerReleasesTarget(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	h := newEngineHarness(t, server, nil)

	first, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced())
	second, _ := h.listen(rooms(), ListenOptions{})

	listenState := func() local.ListenState {
		var state local.ListenState
		require.NoError(t, h.run(func(context.Context) error {
			qv := h.engine.queryViewsByQuery[rooms().CanonicalID()]
			if qv == nil {
				state = local.ListenReleased
				return nil
			}
			state = h.store.TargetListenState(qv.targetID)
			return nil
		}))
		return state
	}
	assert.Equal(t, local.ListenActive, listenState())

	h.unlisten(first)
	assert.Equal(t, local.ListenActive, listenState())
	h.unlisten(second)
	assert.Equal(t, local.ListenReleased, listenState())
	require.NoError(t, h.run(func(context.Context) error {
		assert.Empty(t, h.engine.queryViewsByQuery)
		assert.Empty(t, h.engine.queriesByTarget)
		return nil
	}))
}

func TestRemoteKeysForTarget(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/a"): obj(t, map[string]any{"name": "lobby"}),
		model.Key("rooms/b"): obj(t, map[string]any{"name": "kitchen"}),
	})
	h := newEngineHarness(t, server, nil)

	_, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced("rooms/a", "rooms/b"))

	require.NoError(t, h.run(func(context.Context) error {
		qv := h.engine.queryViewsByQuery[rooms().CanonicalID()]
		require.NotNil(t, qv)
		keys := h.engine.GetRemoteKeysForTarget(qv.targetID)
		assert.True(t, keys.Equal(model.NewDocumentKeySet(model.Key("rooms/a"), model.Key("rooms/b"))))
		assert.Zero(t, h.engine.GetRemoteKeysForTarget(qv.targetID+100).Len())
		return nil
	}))
}
