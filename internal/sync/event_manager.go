package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// ListenSource selects where a listener's snapshots come from.
type ListenSource int

const (
	// ListenDefault listens to the backend and raises cached results
	// until the backend answers.
	ListenDefault ListenSource = iota
	// ListenCache serves results from the local cache only.
	ListenCache
)

// ListenOptions configures a QueryListener.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is the
	// pending-write state of documents or the from-cache flag.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot until it is in
	// sync with the backend, unless the client is offline.
	WaitForSyncWhenOnline bool
	Source                ListenSource
}

// AsyncObserver delivers values to callbacks on a goroutine of its own, in
// the order they were produced. A muted observer drops everything not yet
// delivered.
type AsyncObserver[T any] struct {
	next func(T)
	fail func(error)

	mu      gosync.Mutex
	pending []func()
	running bool
	muted   bool
}

// NewAsyncObserver returns an observer calling next for every value and
// fail, which may be nil, for the terminal error.
func NewAsyncObserver[T any](next func(T), fail func(error)) *AsyncObserver[T] {
	return &AsyncObserver[T]{next: next, fail: fail}
}

// Next schedules delivery of v.
func (o *AsyncObserver[T]) Next(v T) {
	o.schedule(func() {
		if !o.isMuted() && o.next != nil {
			o.next(v)
		}
	})
}

// Error schedules delivery of err. Nothing is delivered after it.
func (o *AsyncObserver[T]) Error(err error) {
	o.schedule(func() {
		if !o.isMuted() && o.fail != nil {
			o.fail(err)
		}
		o.Mute()
	})
}

// Mute stops all further deliveries.
func (o *AsyncObserver[T]) Mute() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = true
}

func (o *AsyncObserver[T]) isMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *AsyncObserver[T]) schedule(fn func()) {
	o.mu.Lock()
	if o.muted {
		o.mu.Unlock()
		return
	}
	o.pending = append(o.pending, fn)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	go o.drain()
}

func (o *AsyncObserver[T]) drain() {
	for {
		o.mu.Lock()
		if len(o.pending) == 0 || o.muted {
			o.pending = nil
			o.running = false
			o.mu.Unlock()
			return
		}
		fn := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()
		fn()
	}
}

// QueryListener decides which of a view's snapshots one listener sees.
type QueryListener struct {
	Query    query.Query
	options  ListenOptions
	observer *AsyncObserver[*ViewSnapshot]

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener of q reporting to observer.
func NewQueryListener(q query.Query, opts ListenOptions, observer *AsyncObserver[*ViewSnapshot]) *QueryListener {
	return &QueryListener{Query: q, options: opts, observer: observer, onlineState: remote.OnlineUnknown}
}

// OnViewSnapshot applies a new snapshot of the view and reports whether
// the listener raised an event.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	errs.Assert(len(snap.Changes) > 0 || snap.SyncStateChanged, "snapshot without changes")
	if !l.options.IncludeMetadataChanges {
		snap = snap.withoutMetadataChanges()
	}
	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.Next(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError reports a terminal error to the observer.
func (l *QueryListener) OnError(err error) { l.observer.Error(err) }

// ApplyOnlineStateChange may release a first snapshot that was held back
// while the client was possibly online.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) listensToRemoteStore() bool { return l.options.Source != ListenCache }

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache || !l.listensToRemoteStore() {
		return true
	}
	maybeOnline := state != remote.Offline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is only raised when the backend cannot
	// answer.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.Offline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	snap = FromInitialDocuments(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.ExcludesMetadataChanges, snap.HasCachedResults)
	l.raisedInitialEvent = true
	l.observer.Next(snap)
}

type queryListenersInfo struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

func (i *queryListenersInfo) hasRemoteListeners() bool {
	return slices.ContainsFunc(i.listeners, (*QueryListener).listensToRemoteStore)
}

// EventManager fans the engine's snapshots out to query listeners. Every
// method runs on the client's async queue.
type EventManager struct {
	engine      *SyncEngine
	queries     map[string]*queryListenersInfo
	onlineState remote.OnlineState
	inSync      []*AsyncObserver[struct{}]
}

// NewEventManager returns an event manager and installs it as engine's
// listener.
func NewEventManager(engine *SyncEngine) *EventManager {
	m := &EventManager{
		engine:      engine,
		queries:     make(map[string]*queryListenersInfo),
		onlineState: remote.OnlineUnknown,
	}
	engine.SetListener(m)
	return m
}

// Listen registers l. The first listener of a query starts the engine's
// listen; later ones share its view.
func (m *EventManager) Listen(ctx context.Context, l *QueryListener) error {
	id := l.Query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		snap, err := m.engine.Listen(ctx, l.Query, l.listensToRemoteStore())
		if err != nil {
			err = fmt.Errorf("initialization of query %s failed: %w", l.Query, err)
			l.OnError(err)
			return err
		}
		info = &queryListenersInfo{viewSnap: snap}
		m.queries[id] = info
	} else if !info.hasRemoteListeners() && l.listensToRemoteStore() {
		if err := m.engine.ListenToRemoteStore(ctx, l.Query); err != nil {
			return err
		}
	}
	info.listeners = append(info.listeners, l)

	raised := l.ApplyOnlineStateChange(m.onlineState)
	errs.Assert(!raised, "online state change raised an event for a new listener")
	if info.viewSnap != nil && l.OnViewSnapshot(info.viewSnap) {
		m.raiseSnapshotsInSyncEvent()
	}
	return nil
}

// Unlisten removes l and mutes its observer. The last listener of a query
// ends the engine's listen.
func (m *EventManager) Unlisten(ctx context.Context, l *QueryListener) error {
	l.observer.Mute()
	id := l.Query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	i := slices.Index(info.listeners, l)
	if i < 0 {
		return nil
	}
	info.listeners = slices.Delete(info.listeners, i, i+1)
	switch {
	case len(info.listeners) == 0:
		delete(m.queries, id)
		return m.engine.Unlisten(ctx, l.Query, l.listensToRemoteStore())
	case !info.hasRemoteListeners() && l.listensToRemoteStore():
		return m.engine.UnlistenFromRemoteStore(ctx, l.Query)
	}
	return nil
}

// OnWatchChange implements SyncEngineListener.
func (m *EventManager) OnWatchChange(snapshots []*ViewSnapshot) {
	raised := false
	for _, snap := range snapshots {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			if l.OnViewSnapshot(snap) {
				raised = true
				m.engine.metrics.IncSnapshots()
			}
		}
		info.viewSnap = snap
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// OnWatchError implements SyncEngineListener. The query's listeners are
// dropped after they receive err.
func (m *EventManager) OnWatchError(q query.Query, err error) {
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange implements SyncEngineListener.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	raised := false
	for _, info := range m.queries {
		for _, l := range info.listeners {
			if l.ApplyOnlineStateChange(state) {
				raised = true
			}
		}
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// AddSnapshotsInSyncListener registers o to be notified whenever every
// listener has seen a consistent snapshot. o is notified immediately.
func (m *EventManager) AddSnapshotsInSyncListener(o *AsyncObserver[struct{}]) {
	m.inSync = append(m.inSync, o)
	o.Next(struct{}{})
}

// RemoveSnapshotsInSyncListener removes and mutes o.
func (m *EventManager) RemoveSnapshotsInSyncListener(o *AsyncObserver[struct{}]) {
	o.Mute()
	m.inSync = slices.DeleteFunc(m.inSync, func(other *AsyncObserver[struct{}]) bool { return other == o })
}

func (m *EventManager) raiseSnapshotsInSyncEvent() {
	for _, o := range m.inSync {
		o.Next(struct{}{})
	}
}
