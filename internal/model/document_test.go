package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentKeyOrderIsSegmentWise(t *testing.T) {
	// A raw string compare would put "a/b/c/d" after "a/b-c" because '/' > '-'.
	assert.Equal(t, -1, Key("a/b").Compare(Key("a/b/c/d")))
	assert.Equal(t, -1, Key("a/b/c/d").Compare(Key("a/b-c")))
	assert.Equal(t, 0, Key("a/b").Compare(Key("a/b")))
	assert.Equal(t, -1, EmptyKey().Compare(Key("a/b")))

	_, err := ParseDocumentKey("a")
	assert.Error(t, err)

	k := Key("rooms/r1/messages/m1")
	assert.Equal(t, "messages", k.CollectionGroup())
	assert.Equal(t, "m1", k.DocumentID())
	assert.Equal(t, "rooms/r1/messages", k.CollectionPath().CanonicalString())
}

func TestFieldPathParsing(t *testing.T) {
	p, err := ParseFieldPath("a.`b.c`.d")
	require.NoError(t, err)
	assert.Equal(t, FieldPath{"a", "b.c", "d"}, p)
	assert.Equal(t, "a.`b.c`.d", p.CanonicalString())

	_, err = ParseFieldPath("a..b")
	assert.Error(t, err)
	assert.True(t, KeyFieldPath().IsKeyField())
}

func TestDocumentSetOrdering(t *testing.T) {
	byName := func(a, b *MutableDocument) int {
		av, _ := a.Field(FieldPath{"name"})
		bv, _ := b.Field(FieldPath{"name"})
		return CompareValues(av, bv)
	}
	set := NewDocumentSet(byName)
	doc := func(key, name string) *MutableDocument {
		return NewFoundDocument(Key(key), Version(1, 0), NewObjectValue(map[string]Value{"name": String(name)}))
	}

	set.Add(doc("c/1", "b"))
	set.Add(doc("c/2", "a"))
	set.Add(doc("c/3", "a"))
	require.Equal(t, 3, set.Len())
	assert.Equal(t, Key("c/2"), set.First().Key())
	assert.Equal(t, Key("c/1"), set.Last().Key())

	set.Add(doc("c/2", "z"))
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, Key("c/2"), set.Last().Key())
	assert.Equal(t, 0, set.IndexOf(Key("c/3")))

	clone := set.Clone()
	clone.Delete(Key("c/3"))
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 2, clone.Len())
	assert.False(t, clone.Has(Key("c/3")))
}

func TestIndexOffsetOrder(t *testing.T) {
	a := IndexOffset{ReadTime: Version(1, 0), DocumentKey: Key("c/2"), LargestBatchID: 1}
	b := IndexOffset{ReadTime: Version(1, 0), DocumentKey: Key("c/10"), LargestBatchID: 5}
	assert.Equal(t, 1, a.Compare(b))
	assert.Equal(t, -1, MinOffset().Compare(a))
	assert.Equal(t, 1, OffsetFromReadTime(Version(1, 0), -1).Compare(b))
}
