package schema

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

func TestStoresAt(t *testing.T) {
	assert.Contains(t, StoresAt(1), Mutations)
	assert.NotContains(t, StoresAt(1), DocumentOverlays)
	assert.Contains(t, StoresAt(6), DocumentOverlays)
	assert.Len(t, AllStores(), 26)
	assert.True(t, IsStore(ClientEvents))
	assert.False(t, IsStore("tasks"))

	assert.NoError(t, ValidateVersion(CurrentVersion))
	assert.Error(t, ValidateVersion(CurrentVersion+1))
}

func TestDocumentMutationKeysGroupByDocument(t *testing.T) {
	k1 := DocumentMutationKey("u", model.Key("c/a"), 7)
	k2 := DocumentMutationKey("u", model.Key("c/a/sub/x"), 3)
	k3 := DocumentMutationKey("u", model.Key("c/b"), 1)

	exact := DocumentMutationPrefix("u", model.Key("c/a"))
	assert.True(t, bytes.HasPrefix(k1, exact))
	assert.False(t, bytes.HasPrefix(k2, exact))

	below := DocumentMutationPathPrefix("u", model.ResourcePath{"c"})
	for _, k := range [][]byte{k1, k2, k3} {
		assert.True(t, bytes.HasPrefix(k, below))
	}

	key, id, err := DecodeDocumentMutationKey(k2)
	require.NoError(t, err)
	assert.Equal(t, model.Key("c/a/sub/x"), key)
	assert.Equal(t, 3, id)
}

func TestRemoteDocumentGroupKeysOrderByReadTimeThenKey(t *testing.T) {
	v1, v2 := model.Version(1, 0), model.Version(2, 0)
	keys := [][]byte{
		RemoteDocumentByGroupKey(model.Key("a/b/c/d"), v1),
		RemoteDocumentByGroupKey(model.Key("c/z"), v1),
		RemoteDocumentByGroupKey(model.Key("x/y/c/a"), v1),
		RemoteDocumentByGroupKey(model.Key("a/a/c/a"), v2),
	}
	for i := 1; i < len(keys); i++ {
		assert.Equal(t, -1, bytes.Compare(keys[i-1], keys[i]), "key %d", i)
	}

	start := RemoteDocumentByGroupStart("c", v1, model.Key("c/z"))
	assert.Equal(t, 1, bytes.Compare(start, keys[1]))
	assert.Equal(t, -1, bytes.Compare(start, keys[2]))
	assert.Equal(t, -1, bytes.Compare(RemoteDocumentByGroupStart("c", v1, model.EmptyKey()), keys[0]))

	rt, key, err := DecodeRemoteDocumentByGroupKey(keys[3])
	require.NoError(t, err)
	assert.Equal(t, v2, rt)
	assert.Equal(t, model.Key("a/a/c/a"), key)
}

func TestRemoteDocumentCollectionPrefixIsImmediate(t *testing.T) {
	prefix := RemoteDocumentCollectionPrefix(model.ResourcePath{"c"})
	assert.True(t, bytes.HasPrefix(RemoteDocumentKey(model.Key("c/a")), prefix))
	assert.False(t, bytes.HasPrefix(RemoteDocumentKey(model.Key("c/a/d/b")), prefix))

	k := RemoteDocumentByCollectionKey(model.Key("c/a"), model.Version(5, 1))
	rt, key, err := DecodeRemoteDocumentByCollectionKey(k)
	require.NoError(t, err)
	assert.Equal(t, model.Version(5, 1), rt)
	assert.Equal(t, model.Key("c/a"), key)
	assert.Equal(t, 1, bytes.Compare(RemoteDocumentByCollectionStart(model.ResourcePath{"c"}, model.Version(5, 1), "a"), k))
}

func TestIndexEntryBoundsFollowRawOrder(t *testing.T) {
	prefix := IndexEntryPrefix(1, "u", nil)
	entry := func(dir []byte) []byte {
		return IndexEntryKey(1, "u", nil, dir, model.Key("c/doc"))
	}
	lower := IndexEntryBound(prefix, []byte{0x10})
	upper := IndexEntryBound(prefix, []byte{0x20})

	assert.True(t, bytes.Compare(entry([]byte{0x10}), lower) >= 0)
	assert.True(t, bytes.Compare(entry([]byte{0x10, 0x00}), lower) >= 0)
	assert.True(t, bytes.Compare(entry([]byte{0x0F, 0xFF}), lower) < 0)
	assert.True(t, bytes.Compare(entry([]byte{0x1F, 0xFF, 0xFF}), upper) < 0)
	assert.True(t, bytes.Compare(entry([]byte{0x20}), upper) >= 0)
	assert.True(t, bytes.HasPrefix(entry([]byte{0x20}), prefix))

	key, err := DecodeIndexEntryKey(entry([]byte{0x00, 0xFF}))
	require.NoError(t, err)
	assert.Equal(t, model.Key("c/doc"), key)

	arr, dir, err := DecodeIndexEntryByDocumentKey(IndexEntryByDocumentKey(1, "u", model.Key("c/doc"), []byte{1}, []byte{0xFF}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, arr)
	assert.Equal(t, []byte{0xFF}, dir)
}

func TestTargetDocumentKeysRoundTrip(t *testing.T) {
	id, key, err := DecodeTargetDocumentKey(TargetDocumentKey(4, model.Key("a/b")))
	require.NoError(t, err)
	assert.Equal(t, 4, id)
	assert.Equal(t, model.Key("a/b"), key)

	key, id, err = DecodeDocumentTargetKey(DocumentTargetKey(model.Key("a/b"), 0))
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	assert.Equal(t, model.Key("a/b"), key)

	parent, err := DecodeCollectionParentKey(CollectionParentKey("messages", model.ResourcePath{"rooms", "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.ResourcePath{"rooms", "r1"}, parent)

	_, _, err = DecodeTargetDocumentKey([]byte{1, 2})
	assert.ErrorIs(t, err, encoding.ErrCorrupt)
}

func TestRowsRoundTrip(t *testing.T) {
	data, err := model.ObjectFromGo(map[string]any{"n": 1, "s": "x"})
	require.NoError(t, err)
	doc := model.NewFoundDocument(model.Key("c/a"), model.Version(3, 0), data).
		SetReadTime(model.Version(4, 0)).SetHasCommittedMutations()

	raw, err := Encode(NewRemoteDocumentRow(doc))
	require.NoError(t, err)
	row, err := Decode[RemoteDocumentRow](raw)
	require.NoError(t, err)
	got := row.ToDocument()
	assert.True(t, got.Equal(doc), "got %v", got)
	assert.Equal(t, model.Version(4, 0), got.ReadTime())

	noDoc := model.NewNoDocument(model.Key("c/b"), model.Version(1, 0))
	raw, err = Encode(NewRemoteDocumentRow(noDoc))
	require.NoError(t, err)
	row, err = Decode[RemoteDocumentRow](raw)
	require.NoError(t, err)
	assert.True(t, row.ToDocument().IsNoDocument())

	target := query.NewQuery(model.ResourcePath{"c"}).WithLimit(3).ToTarget()
	raw, err = Encode(&TargetRow{TargetID: 2, CanonicalID: target.CanonicalID(), Target: target, SequenceNumber: 9})
	require.NoError(t, err)
	tr, err := Decode[TargetRow](raw)
	require.NoError(t, err)
	assert.Equal(t, target.CanonicalID(), tr.Target.CanonicalID())
	assert.Equal(t, int64(9), tr.SequenceNumber)
}

func TestRowValidation(t *testing.T) {
	tests := []struct {
		name string
		row  Row
	}{
		{"batch without mutations", &MutationBatchRow{BatchID: 1}},
		{"batch id zero", &MutationBatchRow{Mutations: []model.Mutation{model.NewDeleteMutation(model.Key("c/a"))}}},
		{"target without query", &TargetRow{TargetID: 2}},
		{"negative size", &RemoteDocumentGlobalRow{ByteSize: -1}},
		{"owner without id", &OwnerRow{}},
		{"unknown event", &ClientEventRow{Sequence: 1, Kind: "nope"}},
		{"index without segments", &IndexConfigRow{CollectionGroup: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.row)
			assert.Error(t, err)
		})
	}

	_, err := Decode[OwnerRow]([]byte(`{"ownerId":""}`))
	assert.Error(t, err)
	_, err = Decode[OwnerRow]([]byte(`not json`))
	assert.Error(t, err)
}
