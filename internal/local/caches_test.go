package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

func memoryPersistence(t *testing.T) *persistence.Persistence {
	t.Helper()
	p := persistence.NewMemory(persistence.DefaultConfig())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestChangeBufferTracksSize(t *testing.T) {
	p := memoryPersistence(t)
	ctx := context.Background()
	cache := NewRemoteDocumentCache(NewIndexManager(model.Unauthenticated))

	doc := func(key string, v int64, n int) *model.MutableDocument {
		o, err := model.ObjectFromGo(map[string]any{"n": n})
		require.NoError(t, err)
		return model.NewFoundDocument(model.Key(key), model.Version(v, 0), o).SetReadTime(model.Version(v, 0))
	}

	err := p.RunTransaction(ctx, "add", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		buf := cache.NewChangeBuffer()
		buf.AddEntry(doc("c/1", 1, 1))
		buf.AddEntry(doc("c/2", 1, 2))
		buf.AddEntry(doc("c/2", 2, 3))
		return buf.Apply(tx)
	})
	require.NoError(t, err)

	size, err := persistence.Run(ctx, p, "size", persistence.ReadOnly, cache.GetSize)
	require.NoError(t, err)
	assert.Positive(t, size)

	got, err := persistence.Run(ctx, p, "get", persistence.ReadOnly, func(tx *persistence.Transaction) (*model.MutableDocument, error) {
		return cache.GetEntry(tx, model.Key("c/2"))
	})
	require.NoError(t, err)
	assert.Equal(t, model.Version(2, 0), got.Version())

	err = p.RunTransaction(ctx, "remove", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		buf := cache.NewChangeBuffer()
		buf.RemoveEntry(model.Key("c/1"), model.Version(3, 0))
		buf.RemoveEntry(model.Key("c/2"), model.Version(3, 0))
		return buf.Apply(tx)
	})
	require.NoError(t, err)

	size, err = persistence.Run(ctx, p, "size", persistence.ReadOnly, cache.GetSize)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestChangeBufferPanicsAfterApply(t *testing.T) {
	p := memoryPersistence(t)
	cache := NewRemoteDocumentCache(NewIndexManager(model.Unauthenticated))
	buf := cache.NewChangeBuffer()
	require.NoError(t, p.RunTransaction(context.Background(), "apply", persistence.ReadWrite, buf.Apply))
	assert.Panics(t, func() { buf.RemoveEntry(model.Key("c/1"), model.MinVersion()) })
}

func TestTargetCacheMetadata(t *testing.T) {
	p := memoryPersistence(t)
	ctx := context.Background()
	delegate, targets := NewLruDelegate()

	err := p.RunTransaction(ctx, "targets", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		first, err := targets.AllocateTargetID(tx)
		require.NoError(t, err)
		second, err := targets.AllocateTargetID(tx)
		require.NoError(t, err)
		assert.Equal(t, 2, first)
		assert.Equal(t, 4, second)

		seq, err := delegate.CurrentSequenceNumber(tx)
		require.NoError(t, err)
		again, err := delegate.CurrentSequenceNumber(tx)
		require.NoError(t, err)
		assert.Equal(t, seq, again, "one sequence number per transaction")

		td := NewTargetData(query.NewQuery(model.ResourcePath{"c"}).ToTarget(), first, PurposeListen, seq)
		require.NoError(t, targets.AddTargetData(tx, td))
		require.NoError(t, targets.AddMatchingKeys(tx, model.NewDocumentKeySet(model.Key("c/1"), model.Key("c/2")), first))

		n, err := targets.GetTargetCount(tx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		found, err := targets.GetTargetData(tx, query.NewQuery(model.ResourcePath{"c"}).ToTarget())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, first, found.TargetID)

		contains, err := targets.ContainsKey(tx, model.Key("c/1"))
		require.NoError(t, err)
		assert.True(t, contains)

		require.NoError(t, targets.RemoveMatchingKeys(tx, model.NewDocumentKeySet(model.Key("c/1")), first))
		contains, err = targets.ContainsKey(tx, model.Key("c/1"))
		require.NoError(t, err)
		assert.False(t, contains)

		require.NoError(t, targets.SetTargetsMetadata(tx, seq, model.Version(7, 0)))
		last, err := targets.GetLastRemoteSnapshotVersion(tx)
		require.NoError(t, err)
		assert.Equal(t, model.Version(7, 0), last)

		require.NoError(t, targets.RemoveTargetData(tx, td))
		keys, err := targets.GetMatchingKeysForTargetID(tx, first)
		require.NoError(t, err)
		assert.Zero(t, keys.Len())
		return nil
	})
	require.NoError(t, err)

	seq, err := persistence.Run(ctx, p, "next seq", persistence.ReadWrite, delegate.CurrentSequenceNumber)
	require.NoError(t, err)
	highest, err := persistence.Run(ctx, p, "highest", persistence.ReadOnly, targets.GetHighestSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, highest, seq, "sequence numbers survive transactions")
}

func TestReferenceSet(t *testing.T) {
	s := NewReferenceSet()
	a, b := model.Key("c/a"), model.Key("c/b")
	s.AddReference(a, 1)
	s.AddReferences(model.NewDocumentKeySet(a, b), 2)
	assert.True(t, s.ContainsKey(a))
	assert.True(t, s.ReferencesForID(2).Equal(model.NewDocumentKeySet(a, b)))

	s.RemoveReference(a, 1)
	assert.True(t, s.ContainsKey(a))
	removed := s.RemoveReferencesForID(2)
	assert.ElementsMatch(t, []model.DocumentKey{a, b}, removed)
	assert.False(t, s.ContainsKey(a))
	assert.True(t, s.IsEmpty())
}

func TestMemorySharedClientState(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySharedClientState()
	state, err := s.AddLocalQueryTarget(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TargetNotCurrent, state)
	assert.True(t, s.IsLocalQueryTarget(2))
	assert.True(t, s.IsActiveQueryTarget(2))

	require.NoError(t, s.UpdateQueryState(ctx, 2, TargetCurrent, nil))
	state, err = s.AddLocalQueryTarget(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TargetCurrent, state)

	require.NoError(t, s.RemoveLocalQueryTarget(ctx, 2))
	assert.False(t, s.IsActiveQueryTarget(2))
	assert.Empty(t, s.ActiveQueryTargets())
}

func TestBundleOperations(t *testing.T) {
	h := newStoreHarness(t, nil)
	md := bundle.Metadata{ID: "b1", CreateTime: model.Timestamp{Seconds: 100}, Version: 1}

	newer, err := h.store.HasNewerBundle(h.ctx, md)
	require.NoError(t, err)
	assert.False(t, newer)

	contents := &bundle.Contents{
		Metadata: md,
		Documents: []bundle.BundledDocument{
			{
				Metadata: bundle.DocumentMetadata{Key: model.Key("rooms/a"), ReadTime: model.Version(100, 0), Exists: true, Queries: []string{"all"}},
				Document: &bundle.Document{Key: model.Key("rooms/a"), Fields: fields(t, map[string]any{"n": 1}), UpdateTime: model.Version(90, 0)},
			},
			{
				Metadata: bundle.DocumentMetadata{Key: model.Key("rooms/b"), ReadTime: model.Version(100, 0)},
			},
		},
	}
	changed, err := h.store.ApplyBundledDocuments(h.ctx, contents)
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	assert.True(t, h.read("rooms/a").IsFoundDocument())
	assert.True(t, h.read("rooms/b").IsNoDocument())

	nq := bundle.NamedQuery{Name: "all", ReadTime: model.Version(100, 0), Query: query.NewQuery(model.ResourcePath{"rooms"})}
	require.NoError(t, h.store.SaveNamedQuery(h.ctx, nq, contents.KeysForQuery("all")))
	require.NoError(t, h.store.SaveBundle(h.ctx, md))

	got, err := h.store.GetNamedQuery(h.ctx, "all")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, nq.ReadTime, got.ReadTime)
	assert.Equal(t, nq.Query.CanonicalID(), got.Query.CanonicalID())

	newer, err = h.store.HasNewerBundle(h.ctx, md)
	require.NoError(t, err)
	assert.True(t, newer)

	td := h.listen("rooms")
	keys, err := h.store.RemoteDocumentKeys(h.ctx, td.TargetID)
	require.NoError(t, err)
	assert.True(t, keys.Equal(model.NewDocumentKeySet(model.Key("rooms/a"))))
	assert.Equal(t, model.Version(100, 0), td.SnapshotVersion)
}
