package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/remote/loopback"
)

// recorder collects what an observer delivers.
type recorder struct {
	mu    gosync.Mutex
	snaps []*ViewSnapshot
	errs  []error
}

func (r *recorder) observer() *AsyncObserver[*ViewSnapshot] {
	return NewAsyncObserver(
		func(s *ViewSnapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.snaps = append(r.snaps, s)
		},
		func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() *ViewSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func cachedSnapshot(t *testing.T, fromCache bool, docs ...*model.MutableDocument) *ViewSnapshot {
	t.Helper()
	q := rooms()
	set := model.NewDocumentSet(q.Comparator())
	for _, d := range docs {
		set.Add(d)
	}
	return FromInitialDocuments(q, set, model.NewDocumentKeySet(), fromCache, false, false)
}

func TestQueryListenerHoldsBackEmptyCachedSnapshot(t *testing.T) {
	r := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{}, r.observer())

	assert.False(t, l.ApplyOnlineStateChange(remote.Online))
	assert.False(t, l.OnViewSnapshot(cachedSnapshot(t, true)))

	// Going offline means the backend will not answer soon.
	assert.True(t, l.ApplyOnlineStateChange(remote.Offline))
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
	assert.True(t, r.last().FromCache)
}

func TestQueryListenerRaisesNonEmptyCachedSnapshot(t *testing.T) {
	r := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{}, r.observer())
	l.ApplyOnlineStateChange(remote.Online)

	a := testDoc(t, "rooms/a", 1, map[string]any{"n": 1})
	assert.True(t, l.OnViewSnapshot(cachedSnapshot(t, true, a)))
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
}

func TestQueryListenerWaitForSyncWhenOnline(t *testing.T) {
	r := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{WaitForSyncWhenOnline: true}, r.observer())
	l.ApplyOnlineStateChange(remote.Online)

	a := testDoc(t, "rooms/a", 1, map[string]any{"n": 1})
	assert.False(t, l.OnViewSnapshot(cachedSnapshot(t, true, a)))
	assert.True(t, l.OnViewSnapshot(cachedSnapshot(t, false, a)))
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
	assert.False(t, r.last().FromCache)
}

func TestQueryListenerCacheSourceIgnoresOnlineState(t *testing.T) {
	r := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{Source: ListenCache, WaitForSyncWhenOnline: true}, r.observer())
	l.ApplyOnlineStateChange(remote.Online)

	assert.True(t, l.OnViewSnapshot(cachedSnapshot(t, true)))
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
}

func TestQueryListenerMetadataChanges(t *testing.T) {
	a := testDoc(t, "rooms/a", 1, map[string]any{"n": 1})
	online := cachedSnapshot(t, false, a)
	// Only the from-cache flag changes.
	offline := &ViewSnapshot{
		Query:            online.Query,
		Docs:             online.Docs,
		OldDocs:          online.Docs,
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        true,
		SyncStateChanged: true,
	}

	quiet := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{}, quiet.observer())
	require.True(t, l.OnViewSnapshot(online))
	assert.False(t, l.OnViewSnapshot(offline))

	verbose := &recorder{}
	l = NewQueryListener(rooms(), ListenOptions{IncludeMetadataChanges: true}, verbose.observer())
	require.True(t, l.OnViewSnapshot(online))
	assert.True(t, l.OnViewSnapshot(offline))
	require.Eventually(t, func() bool { return verbose.count() == 2 }, time.Second, time.Millisecond)
	assert.True(t, verbose.last().FromCache)
	require.Eventually(t, func() bool { return quiet.count() == 1 }, time.Second, time.Millisecond)
	assert.False(t, quiet.last().FromCache)
}

func TestAsyncObserverDeliversInOrderAndMutesAfterError(t *testing.T) {
	var mu gosync.Mutex
	var got []int
	var failed error
	o := NewAsyncObserver(
		func(v int) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, v)
		},
		func(err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = err
		},
	)
	for i := 0; i < 100; i++ {
		o.Next(i)
	}
	boom := errors.New("boom")
	o.Error(boom)
	o.Next(100)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, boom, failed)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestAsyncObserverMuteDropsPending(t *testing.T) {
	block := make(chan struct{})
	var mu gosync.Mutex
	var got []int
	o := NewAsyncObserver(func(v int) {
		<-block
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	}, nil)
	o.Next(1)
	o.Next(2)
	o.Mute()
	close(block)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(got), 1)
}

func TestEventManagerSharesViewBetweenListeners(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/a"): obj(t, map[string]any{"n": 1}),
	})
	h := newEngineHarness(t, server, nil)

	first, firstSnaps := h.listen(rooms(), ListenOptions{})
	firstSnaps.waitFor(synced("rooms/a"))

	// A late listener sees the current result as one initial snapshot.
	second, secondSnaps := h.listen(rooms(), ListenOptions{})
	snap := secondSnaps.waitFor(synced("rooms/a"))
	assert.Equal(t, map[string]ChangeType{"rooms/a": ChangeAdded}, changeTypes(snap))

	h.unlisten(first)
	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/b"): obj(t, map[string]any{"n": 2}),
	})
	secondSnaps.waitFor(synced("rooms/a", "rooms/b"))
	h.unlisten(second)
}

func TestEventManagerRaisesSnapshotsInSync(t *testing.T) {
	h := newEngineHarness(t, loopback.NewServer(loopback.Options{}), nil)

	inSync := make(chan struct{}, 16)
	o := NewAsyncObserver(func(struct{}) { inSync <- struct{}{} }, nil)
	require.NoError(t, h.run(func(context.Context) error {
		h.events.AddSnapshotsInSyncListener(o)
		return nil
	}))
	select {
	case <-inSync:
	case <-time.After(waitTimeout):
		require.FailNow(t, "no initial in-sync event")
	}

	_, snaps := h.listen(rooms(), ListenOptions{})
	snaps.waitFor(synced())
	select {
	case <-inSync:
	case <-time.After(waitTimeout):
		require.FailNow(t, "no in-sync event after a snapshot")
	}

	require.NoError(t, h.run(func(context.Context) error {
		h.events.RemoveSnapshotsInSyncListener(o)
		assert.Empty(t, h.events.inSync)
		return nil
	}))
}

func TestEventManagerMutesUnlistenedObserver(t *testing.T) {
	server := loopback.NewServer(loopback.Options{})
	h := newEngineHarness(t, server, nil)

	r := &recorder{}
	l := NewQueryListener(rooms(), ListenOptions{}, r.observer())
	require.NoError(t, h.run(func(ctx context.Context) error { return h.events.Listen(ctx, l) }))
	require.Eventually(t, func() bool { return r.count() == 1 }, waitTimeout, time.Millisecond)

	h.unlisten(l)
	server.Put(map[model.DocumentKey]model.ObjectValue{
		model.Key("rooms/a"): obj(t, map[string]any{"n": 1}),
	})
	h.flush()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.count())
	assert.Zero(t, r.errCount())
}
