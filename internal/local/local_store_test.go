package local

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

type storeHarness struct {
	t     *testing.T
	ctx   context.Context
	store *LocalStore
}

func newStoreHarness(t *testing.T, settings *config.Settings) *storeHarness {
	t.Helper()
	ctx := context.Background()
	p := persistence.NewMemory(persistence.DefaultConfig())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Shutdown() })
	s := NewLocalStore(Options{Persistence: p, Settings: settings})
	require.NoError(t, s.Start(ctx))
	return &storeHarness{t: t, ctx: ctx, store: s}
}

func fields(t *testing.T, m map[string]any) model.ObjectValue {
	t.Helper()
	o, err := model.ObjectFromGo(m)
	require.NoError(t, err)
	return o
}

func (h *storeHarness) doc(key string, version int64, m map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(model.Key(key), model.Version(version, 0), fields(h.t, m))
}

func (h *storeHarness) listen(path string) *TargetData {
	h.t.Helper()
	td, err := h.store.AllocateTarget(h.ctx, query.NewQuery(model.ResourcePath{path}).ToTarget())
	require.NoError(h.t, err)
	return td
}

// apply sends one remote event adding docs to targetID at version.
func (h *storeHarness) apply(targetID int, version int64, docs ...*model.MutableDocument) model.DocumentMap {
	h.t.Helper()
	ev := remote.NewRemoteEvent(model.Version(version, 0))
	change := remote.NewTargetChange([]byte(fmt.Sprintf("token-%d", version)), true)
	for _, d := range docs {
		change.AddedDocuments.Add(d.Key())
		ev.DocumentUpdates[d.Key()] = d
	}
	ev.TargetChanges[targetID] = change
	changed, err := h.store.ApplyRemoteEvent(h.ctx, ev)
	require.NoError(h.t, err)
	return changed
}

func (h *storeHarness) write(mutations ...model.Mutation) *LocalWriteResult {
	h.t.Helper()
	res, err := h.store.LocalWrite(h.ctx, mutations)
	require.NoError(h.t, err)
	return res
}

func (h *storeHarness) ack(version int64) model.DocumentMap {
	h.t.Helper()
	batch, err := h.store.NextMutationBatch(h.ctx, model.BatchIDUnknown)
	require.NoError(h.t, err)
	require.NotNil(h.t, batch)
	results := make([]model.MutationResult, len(batch.Mutations))
	for i := range results {
		results[i] = model.MutationResult{Version: model.Version(version, 0)}
	}
	res, err := model.NewMutationBatchResult(batch, model.Version(version, 0), results, nil)
	require.NoError(h.t, err)
	docs, err := h.store.AcknowledgeBatch(h.ctx, res)
	require.NoError(h.t, err)
	return docs
}

func (h *storeHarness) read(key string) *model.MutableDocument {
	h.t.Helper()
	d, err := h.store.ReadDocument(h.ctx, model.Key(key))
	require.NoError(h.t, err)
	return d
}

func fieldValue(t *testing.T, d *model.MutableDocument, path string) model.Value {
	t.Helper()
	v, ok := d.Field(model.MustFieldPath(path))
	require.True(t, ok, "field %s missing from %s", path, d)
	return v
}

func TestLocalWriteAcknowledgedInOrder(t *testing.T) {
	h := newStoreHarness(t, nil)

	first := h.write(model.NewSetMutation(model.Key("c/1"), fields(t, map[string]any{"a": 1})))
	second := h.write(model.NewPatchMutation(model.Key("c/1"), fields(t, map[string]any{"b": 2}),
		model.NewFieldMask(model.MustFieldPath("b"))))
	assert.Less(t, first.BatchID, second.BatchID)
	assert.True(t, second.Changes[model.Key("c/1")].HasLocalMutations())

	d := h.read("c/1")
	assert.True(t, d.IsFoundDocument())
	assert.True(t, d.HasLocalMutations())
	assert.True(t, model.EqualValues(model.Integer(2), fieldValue(t, d, "b")))

	highest, err := h.store.GetHighestUnacknowledgedBatchID(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, second.BatchID, highest)

	h.ack(10)
	d = h.read("c/1")
	assert.True(t, d.HasLocalMutations(), "second batch still pending")
	assert.True(t, model.EqualValues(model.Integer(1), fieldValue(t, d, "a")))
	assert.True(t, model.EqualValues(model.Integer(2), fieldValue(t, d, "b")))

	changed := h.ack(11)
	d = changed[model.Key("c/1")]
	require.NotNil(t, d)
	assert.False(t, d.HasLocalMutations())
	assert.True(t, d.HasCommittedMutations())
	assert.Equal(t, model.Version(11, 0), d.Version())
	assert.True(t, model.EqualValues(model.Integer(2), fieldValue(t, d, "b")))

	highest, err = h.store.GetHighestUnacknowledgedBatchID(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BatchIDUnknown, highest)
}

func TestLocalWriteRequiresMutations(t *testing.T) {
	h := newStoreHarness(t, nil)
	_, err := h.store.LocalWrite(h.ctx, nil)
	assert.Error(t, err)
}

func TestRejectBatchRestoresRemoteView(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	h.apply(td.TargetID, 5, h.doc("c/1", 5, map[string]any{"a": 1}))

	res := h.write(model.NewPatchMutation(model.Key("c/1"), fields(t, map[string]any{"a": 2}),
		model.NewFieldMask(model.MustFieldPath("a"))))
	assert.True(t, model.EqualValues(model.Integer(2), fieldValue(t, h.read("c/1"), "a")))

	docs, err := h.store.RejectBatch(h.ctx, res.BatchID)
	require.NoError(t, err)
	d := docs[model.Key("c/1")]
	assert.False(t, d.HasLocalMutations())
	assert.True(t, model.EqualValues(model.Integer(1), fieldValue(t, d, "a")))
	assert.True(t, model.EqualValues(model.Integer(1), fieldValue(t, h.read("c/1"), "a")))
}

func TestApplyRemoteEventDropsStaleUpdates(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")

	changed := h.apply(td.TargetID, 10, h.doc("c/1", 10, map[string]any{"a": 1}))
	assert.Len(t, changed, 1)

	changed = h.apply(td.TargetID, 11, h.doc("c/1", 5, map[string]any{"a": 0}))
	assert.Empty(t, changed)
	assert.True(t, model.EqualValues(model.Integer(1), fieldValue(t, h.read("c/1"), "a")))

	last, err := h.store.GetLastRemoteSnapshotVersion(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Version(11, 0), last)

	keys, err := h.store.RemoteDocumentKeys(h.ctx, td.TargetID)
	require.NoError(t, err)
	assert.True(t, keys.Equal(model.NewDocumentKeySet(model.Key("c/1"))))
}

func TestApplyRemoteEventDeletesAtMinVersion(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	h.apply(td.TargetID, 10, h.doc("c/1", 10, map[string]any{"a": 1}))

	ev := remote.NewRemoteEvent(model.Version(12, 0))
	change := remote.NewTargetChange(nil, true)
	change.RemovedDocuments.Add(model.Key("c/1"))
	ev.TargetChanges[td.TargetID] = change
	ev.DocumentUpdates[model.Key("c/1")] = model.NewNoDocument(model.Key("c/1"), model.MinVersion())
	_, err := h.store.ApplyRemoteEvent(h.ctx, ev)
	require.NoError(t, err)

	assert.False(t, h.read("c/1").IsValidDocument())
}

func TestTargetMismatchResetsResumeToken(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	h.apply(td.TargetID, 10, h.doc("c/1", 10, map[string]any{"a": 1}))
	assert.Equal(t, ListenActive, h.store.TargetListenState(td.TargetID))
	assert.NotEmpty(t, h.store.GetLocalTargetData(td.Target).ResumeToken)

	ev := remote.NewRemoteEvent(model.Version(11, 0))
	ev.TargetChanges[td.TargetID] = remote.NewTargetChange(nil, false)
	ev.TargetMismatches[td.TargetID] = struct{}{}
	_, err := h.store.ApplyRemoteEvent(h.ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, ListenExistenceFilterMismatch, h.store.TargetListenState(td.TargetID))
	local := h.store.GetLocalTargetData(td.Target)
	assert.Empty(t, local.ResumeToken)
	assert.True(t, local.LastLimboFreeSnapshotVersion.IsMin())
}

func TestAllocateTargetReferenceCounts(t *testing.T) {
	h := newStoreHarness(t, nil)
	a := h.listen("c")
	b := h.listen("c")
	assert.Equal(t, a.TargetID, b.TargetID)
	assert.Equal(t, 0, a.TargetID%2, "local target ids are even")

	require.NoError(t, h.store.ReleaseTarget(h.ctx, a.TargetID, false))
	assert.Equal(t, ListenActive, h.store.TargetListenState(a.TargetID))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, a.TargetID, false))
	assert.Equal(t, ListenReleased, h.store.TargetListenState(a.TargetID))

	again := h.listen("c")
	assert.Equal(t, a.TargetID, again.TargetID, "persisted target data is reused")

	other := h.listen("d")
	assert.NotEqual(t, a.TargetID, other.TargetID)

	target, err := h.store.GetCachedTarget(h.ctx, other.TargetID)
	require.NoError(t, err)
	assert.True(t, target.Equal(other.Target))
}

func TestExecuteQueryMergesOverlays(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	h.apply(td.TargetID, 10,
		h.doc("c/1", 10, map[string]any{"n": 1}),
		h.doc("c/2", 10, map[string]any{"n": 2}))
	h.write(model.NewSetMutation(model.Key("c/3"), fields(t, map[string]any{"n": 3})))
	h.write(model.NewDeleteMutation(model.Key("c/1")))

	q := query.NewQuery(model.ResourcePath{"c"})
	for _, usePrevious := range []bool{false, true} {
		res, err := h.store.ExecuteQuery(h.ctx, q, usePrevious)
		require.NoError(t, err)
		found := model.NewDocumentKeySet()
		for k, d := range res.Documents {
			if d.IsFoundDocument() {
				found.Add(k)
			}
		}
		assert.True(t, found.Equal(model.NewDocumentKeySet(model.Key("c/2"), model.Key("c/3"))), "usePrevious=%v: %v", usePrevious, found)
		assert.True(t, res.RemoteKeys.Equal(model.NewDocumentKeySet(model.Key("c/1"), model.Key("c/2"))))
	}
}

// limitedKeys applies q's filters, order and limit to docs.
func limitedKeys(q query.Query, docs model.DocumentMap) []model.DocumentKey {
	set := model.NewDocumentSet(q.Comparator())
	for _, d := range docs {
		if d.IsFoundDocument() && q.Matches(d) {
			set.Add(d)
		}
	}
	var keys []model.DocumentKey
	for _, d := range set.Docs() {
		if q.HasLimit() && len(keys) == q.Limit {
			break
		}
		keys = append(keys, d.Key())
	}
	return keys
}

func TestIndexScanMatchesFullScan(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	var docs []*model.MutableDocument
	for i := 0; i < 30; i++ {
		docs = append(docs, h.doc(fmt.Sprintf("c/%02d", i), 10, map[string]any{"n": i % 5, "tags": []any{fmt.Sprintf("t%d", i%3)}}))
	}
	h.apply(td.TargetID, 10, docs...)
	h.write(model.NewPatchMutation(model.Key("c/08"), fields(t, map[string]any{"n": 2}),
		model.NewFieldMask(model.MustFieldPath("n"))))

	n := model.MustFieldPath("n")
	queries := []query.Query{
		query.NewQuery(model.ResourcePath{"c"}).Where(query.NewFieldFilter(n, query.Equal, model.Integer(2))),
		query.NewQuery(model.ResourcePath{"c"}).Where(query.NewFieldFilter(n, query.GreaterThanOrEqual, model.Integer(3))).
			OrderBy(n, query.Ascending).WithLimit(4),
		query.NewQuery(model.ResourcePath{"c"}).Where(query.NewFieldFilter(n, query.In, model.Array(model.Integer(0), model.Integer(4)))),
	}
	full := make([][]model.DocumentKey, len(queries))
	for i, q := range queries {
		res, err := h.store.ExecuteQuery(h.ctx, q, false)
		require.NoError(t, err)
		full[i] = limitedKeys(q, res.Documents)
		require.NotEmpty(t, full[i])
	}

	require.NoError(t, h.store.ConfigureFieldIndexes(h.ctx, []*model.FieldIndex{{
		IndexID:         model.UnknownIndexID,
		CollectionGroup: "c",
		Segments:        []model.IndexSegment{{FieldPath: n, Kind: model.Ascending}},
	}}))
	processed, err := h.store.NewIndexBackfiller().Backfill(h.ctx)
	require.NoError(t, err)
	assert.Positive(t, processed)

	for i, q := range queries {
		res, err := h.store.ExecuteQuery(h.ctx, q, false)
		require.NoError(t, err)
		assert.Equal(t, full[i], limitedKeys(q, res.Documents), "query %s", q)
	}

	indexes, err := h.store.GetFieldIndexes(h.ctx)
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	require.NoError(t, h.store.ConfigureFieldIndexes(h.ctx, nil))
	indexes, err = h.store.GetFieldIndexes(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)
}

func where(path string, op query.Operator, v any) *query.FieldFilter {
	return query.NewFieldFilter(model.MustFieldPath(path), op, model.MustFromGo(v))
}

// TestIndexScanMatchesFullScanAcrossOperators runs every operator over a
// field holding integers, doubles that equal integers, strings, booleans,
// nulls and missing values, and requires the indexed result to equal the
// full collection scan.
func TestIndexScanMatchesFullScanAcrossOperators(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	values := []any{0, 1, 1.0, 2, 2.5, "a", "b", true, nil, -1.5}
	var docs []*model.MutableDocument
	for i := 0; i < 40; i++ {
		tags := []any{i % 3}
		if i%4 == 0 {
			tags = append(tags, 1.0)
		}
		if i%5 == 0 {
			tags = append(tags, "x")
		}
		data := map[string]any{"tags": tags}
		if i%13 != 0 {
			data["n"] = values[i%10]
		}
		docs = append(docs, h.doc(fmt.Sprintf("c/%02d", i), 10, data))
	}
	h.apply(td.TargetID, 10, docs...)
	h.write(model.NewPatchMutation(model.Key("c/08"), fields(t, map[string]any{"n": 1.0}),
		model.NewFieldMask(model.MustFieldPath("n"))))

	base := query.NewQuery(model.ResourcePath{"c"})
	n := model.MustFieldPath("n")
	tests := []struct {
		name string
		q    query.Query
	}{
		{"equal integer", base.Where(where("n", query.Equal, 1))},
		{"equal double", base.Where(where("n", query.Equal, 1.0))},
		{"not equal", base.Where(where("n", query.NotEqual, 1))},
		{"greater than", base.Where(where("n", query.GreaterThan, 1))},
		{"less than string", base.Where(where("n", query.LessThan, "b"))},
		{"at least desc limit", base.Where(where("n", query.GreaterThanOrEqual, 1)).OrderBy(n, query.Descending).WithLimit(6)},
		{"in", base.Where(where("n", query.In, []any{1, "a"}))},
		{"not in", base.Where(where("n", query.NotIn, []any{1, "a"}))},
		{"not in double", base.Where(where("n", query.NotIn, []any{2.0, true}))},
		{"array contains", base.Where(where("tags", query.ArrayContains, 1))},
		{"array contains any", base.Where(where("tags", query.ArrayContainsAny, []any{1.0, "x"}))},
		{"or", base.Where(query.NewCompositeFilter(query.Or,
			where("n", query.Equal, 2), where("tags", query.ArrayContains, "x")))},
	}

	full := make([][]model.DocumentKey, len(tests))
	for i, tt := range tests {
		res, err := h.store.ExecuteQuery(h.ctx, tt.q, false)
		require.NoError(t, err)
		full[i] = limitedKeys(tt.q, res.Documents)
		require.NotEmpty(t, full[i], tt.name)
	}

	tagsPath := model.MustFieldPath("tags")
	require.NoError(t, h.store.ConfigureFieldIndexes(h.ctx, []*model.FieldIndex{
		{IndexID: model.UnknownIndexID, CollectionGroup: "c", Segments: []model.IndexSegment{{FieldPath: n, Kind: model.Ascending}}},
		{IndexID: model.UnknownIndexID, CollectionGroup: "c", Segments: []model.IndexSegment{{FieldPath: n, Kind: model.Descending}}},
		{IndexID: model.UnknownIndexID, CollectionGroup: "c", Segments: []model.IndexSegment{{FieldPath: tagsPath, Kind: model.Contains}}},
	}))
	backfiller := h.store.NewIndexBackfiller()
	for {
		processed, err := backfiller.Backfill(h.ctx)
		require.NoError(t, err)
		if processed == 0 {
			break
		}
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.store.ExecuteQuery(h.ctx, tt.q, false)
			require.NoError(t, err)
			assert.Equal(t, full[i], limitedKeys(tt.q, res.Documents))
		})
	}
}

func gcSettings() *config.Settings {
	s := config.DefaultSettings()
	s.GC.CacheSizeBytes = 0
	s.GC.Percentile = 100
	return s
}

func TestCollectGarbageKeepsReferencedDocuments(t *testing.T) {
	h := newStoreHarness(t, gcSettings())

	rooms := h.listen("rooms")
	h.apply(rooms.TargetID, 1, h.doc("rooms/a", 1, map[string]any{"x": 1}))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, rooms.TargetID, false))

	people := h.listen("people")
	h.apply(people.TargetID, 2, h.doc("people/a", 2, map[string]any{"x": 1}))

	items := h.listen("items")
	h.apply(items.TargetID, 3, h.doc("items/a", 3, map[string]any{"x": 1}))
	h.write(model.NewPatchMutation(model.Key("items/a"), fields(t, map[string]any{"x": 2}),
		model.NewFieldMask(model.MustFieldPath("x"))))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, items.TargetID, false))

	res, err := h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.True(t, res.DidRun)
	assert.Equal(t, 2, res.TargetsRemoved)
	assert.Equal(t, 1, res.DocumentsRemoved)

	assert.False(t, h.read("rooms/a").IsValidDocument())
	assert.True(t, h.read("people/a").IsFoundDocument())
	assert.True(t, h.read("items/a").IsFoundDocument())
}

func TestCompositeFilterTargetSurvivesRelease(t *testing.T) {
	h := newStoreHarness(t, gcSettings())
	target := query.NewQuery(model.ResourcePath{"c"}).
		Where(query.NewCompositeFilter(query.Or, where("a", query.Equal, 1), where("b", query.Equal, 2))).
		ToTarget()

	td, err := h.store.AllocateTarget(h.ctx, target)
	require.NoError(t, err)
	h.apply(td.TargetID, 1, h.doc("c/1", 1, map[string]any{"a": 1}))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, td.TargetID, false))

	again, err := h.store.AllocateTarget(h.ctx, target)
	require.NoError(t, err)
	assert.Equal(t, td.TargetID, again.TargetID)
	assert.True(t, again.Target.Equal(target))
	cached, err := h.store.GetCachedTarget(h.ctx, td.TargetID)
	require.NoError(t, err)
	assert.True(t, cached.Equal(target))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, td.TargetID, false))

	res, err := h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TargetsRemoved)
	assert.Equal(t, 1, res.DocumentsRemoved)
}

func TestCollectGarbageCountsDistinctSequenceNumbers(t *testing.T) {
	s := gcSettings()
	s.GC.Percentile = 50
	h := newStoreHarness(t, s)

	for _, path := range []string{"a", "b", "c", "d"} {
		td := h.listen(path)
		require.NoError(t, h.store.ReleaseTarget(h.ctx, td.TargetID, false))
	}
	h.listen("active")

	// Acknowledging one batch touches all six documents at the same
	// sequence number.
	var muts []model.Mutation
	for i := 0; i < 6; i++ {
		muts = append(muts, model.NewSetMutation(model.Key(fmt.Sprintf("orphans/%d", i)), fields(t, map[string]any{"i": i})))
	}
	h.write(muts...)
	h.ack(5)

	count, err := persistence.Run(h.ctx, h.store.Persistence(), "count sequence numbers", persistence.ReadOnly,
		h.store.GarbageCollector().SequenceNumberCount)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	res, err := h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SequenceNumbersCollected)
	assert.Equal(t, 3, res.TargetsRemoved)
	assert.Zero(t, res.DocumentsRemoved)
	assert.True(t, h.read("orphans/0").IsFoundDocument())
}

func TestCollectGarbageNeverEvictsPinnedDocuments(t *testing.T) {
	h := newStoreHarness(t, gcSettings())
	td := h.listen("c")
	h.apply(td.TargetID, 1, h.doc("c/1", 1, map[string]any{"x": 1}))
	require.NoError(t, h.store.NotifyLocalViewChanges(h.ctx, []LocalViewChange{{
		TargetID: td.TargetID, FromCache: false,
		AddedKeys: model.NewDocumentKeySet(model.Key("c/1")), RemovedKeys: model.NewDocumentKeySet(),
	}}))

	// The backend drops the document from the target while the view still
	// shows it.
	ev := remote.NewRemoteEvent(model.Version(2, 0))
	change := remote.NewTargetChange([]byte("t2"), true)
	change.RemovedDocuments.Add(model.Key("c/1"))
	ev.TargetChanges[td.TargetID] = change
	_, err := h.store.ApplyRemoteEvent(h.ctx, ev)
	require.NoError(t, err)

	res, err := h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DocumentsRemoved)
	assert.True(t, h.read("c/1").IsFoundDocument())

	require.NoError(t, h.store.NotifyLocalViewChanges(h.ctx, []LocalViewChange{{
		TargetID: td.TargetID, FromCache: false,
		AddedKeys: model.NewDocumentKeySet(), RemovedKeys: model.NewDocumentKeySet(model.Key("c/1")),
	}}))
	res, err = h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsRemoved)
	assert.False(t, h.read("c/1").IsValidDocument())
}

func TestCollectGarbageDisabled(t *testing.T) {
	s := gcSettings()
	s.GC.CacheSizeBytes = config.GCDisabled
	h := newStoreHarness(t, s)
	td := h.listen("c")
	h.apply(td.TargetID, 1, h.doc("c/1", 1, map[string]any{"x": 1}))
	require.NoError(t, h.store.ReleaseTarget(h.ctx, td.TargetID, false))

	res, err := h.store.CollectGarbage(h.ctx)
	require.NoError(t, err)
	assert.False(t, res.DidRun)
	assert.True(t, h.read("c/1").IsFoundDocument())
}

// TestOverlaysMatchReplay checks that the cached overlays always produce
// the same document as replaying the pending batches over the remote
// document, across random writes and in-order acknowledgements.
func TestOverlaysMatchReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newStoreHarness(t, nil)
	key := model.Key("c/1")
	td := h.listen("c")
	h.apply(td.TargetID, 1, h.doc("c/1", 1, map[string]any{"a": 1, "m": map[string]any{"x": 1}}))

	remoteDoc := h.read("c/1").Clone()
	var pending []*model.MutationBatch
	version := int64(10)
	paths := []string{"a", "b", "m.x", "m.y"}

	for step := 0; step < 60; step++ {
		if len(pending) > 0 && rng.Intn(3) == 0 {
			batch := pending[0]
			pending = pending[1:]
			version++
			h.ack(version)
			result, err := model.NewMutationBatchResult(batch, model.Version(version, 0),
				[]model.MutationResult{{Version: model.Version(version, 0)}}, nil)
			require.NoError(t, err)
			batch.ApplyToRemoteDocument(remoteDoc, result)
		} else {
			var m model.Mutation
			switch rng.Intn(4) {
			case 0:
				m = model.NewSetMutation(key, fields(t, map[string]any{"a": rng.Intn(5)}))
			case 1:
				m = model.NewDeleteMutation(key)
			default:
				p := model.MustFieldPath(paths[rng.Intn(len(paths))])
				data := model.EmptyObject()
				data.Set(p, model.Integer(int64(rng.Intn(100))))
				m = model.NewPatchMutation(key, data, model.NewFieldMask(p))
			}
			res := h.write(m)
			pending = append(pending, &model.MutationBatch{BatchID: res.BatchID, Mutations: []model.Mutation{m}})
		}

		expected := remoteDoc.Clone()
		mask := &model.FieldMask{}
		for _, b := range pending {
			mask = b.ApplyToLocalView(expected, mask)
		}
		got := h.read("c/1")
		require.Equal(t, expected.IsFoundDocument(), got.IsFoundDocument(), "step %d", step)
		if expected.IsFoundDocument() {
			require.True(t, expected.Data().Equal(got.Data()), "step %d: want %s got %s", step, expected.Data(), got.Data())
		}
	}
}

func TestHandleUserChangeSwitchesQueues(t *testing.T) {
	h := newStoreHarness(t, nil)
	res := h.write(model.NewSetMutation(model.Key("c/1"), fields(t, map[string]any{"a": 1})))

	change, err := h.store.HandleUserChange(h.ctx, model.User{UID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []int{res.BatchID}, change.RemovedBatchIDs)
	assert.Empty(t, change.AddedBatchIDs)
	assert.False(t, change.AffectedDocuments[model.Key("c/1")].IsValidDocument())

	bobs := h.write(model.NewSetMutation(model.Key("c/2"), fields(t, map[string]any{"b": 1})))
	assert.Greater(t, bobs.BatchID, res.BatchID, "batch ids are unique across users")

	change, err = h.store.HandleUserChange(h.ctx, model.Unauthenticated)
	require.NoError(t, err)
	assert.Equal(t, []int{res.BatchID}, change.AddedBatchIDs)
	assert.True(t, change.AffectedDocuments[model.Key("c/1")].HasLocalMutations())
	assert.False(t, change.AffectedDocuments[model.Key("c/2")].IsValidDocument())
}

func TestLookupMutationDocuments(t *testing.T) {
	h := newStoreHarness(t, nil)
	res := h.write(model.NewSetMutation(model.Key("c/1"), fields(t, map[string]any{"a": 1})))

	docs, err := h.store.LookupMutationDocuments(h.ctx, res.BatchID)
	require.NoError(t, err)
	require.Contains(t, docs, model.Key("c/1"))

	h.ack(5)
	h.store.RemoveCachedMutationBatchMetadata(res.BatchID)
	docs, err = h.store.LookupMutationDocuments(h.ctx, res.BatchID)
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestGetNewDocumentChanges(t *testing.T) {
	h := newStoreHarness(t, nil)
	td := h.listen("c")
	h.apply(td.TargetID, 10, h.doc("c/1", 10, map[string]any{"a": 1}))
	_, err := h.store.ExecuteQuery(h.ctx, query.NewQuery(model.ResourcePath{"c"}), false)
	require.NoError(t, err)

	h.apply(td.TargetID, 20, h.doc("c/2", 20, map[string]any{"a": 2}))
	changes, err := h.store.GetNewDocumentChanges(h.ctx, "c")
	require.NoError(t, err)
	assert.True(t, changes.KeySet().Equal(model.NewDocumentKeySet(model.Key("c/2"))))

	changes, err = h.store.GetNewDocumentChanges(h.ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSessionToken(t *testing.T) {
	h := newStoreHarness(t, nil)
	tok, err := h.store.GetSessionToken(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)
	require.NoError(t, h.store.SetSessionToken(h.ctx, []byte("abc")))
	tok, err = h.store.GetSessionToken(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), tok)
}
