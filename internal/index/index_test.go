package index

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// lattice lists values in ascending order; values in the same group compare
// equal.
func lattice() [][]model.Value {
	return [][]model.Value{
		{model.Null()},
		{model.Boolean(false)},
		{model.Boolean(true)},
		{model.Double(math.NaN())},
		{model.Double(math.Inf(-1))},
		{model.Integer(math.MinInt64)},
		{model.Double(-1.5)},
		{model.Integer(-1), model.Double(-1)},
		{model.Integer(0), model.Double(0), model.Double(math.Copysign(0, -1))},
		{model.Double(0.5)},
		{model.Integer(1), model.Double(1)},
		{model.Integer(1 << 53), model.Double(1 << 53)},
		{model.Integer(1<<53 + 1)},
		{model.Integer(math.MaxInt64 - 1)},
		{model.Integer(math.MaxInt64)},
		{model.Double(math.Exp2(63))},
		{model.Double(math.Inf(1))},
		{model.TimestampValue(model.Timestamp{Seconds: -5})},
		{model.TimestampValue(model.Timestamp{Seconds: 1, Nanos: 1})},
		{model.TimestampValue(model.Timestamp{Seconds: 1, Nanos: 2})},
		{model.ServerTimestamp(model.Timestamp{Seconds: 1}, nil)},
		{model.String("")},
		{model.String("\x00")},
		{model.String("a")},
		{model.String("ab")},
		{model.String("b")},
		{model.String("\xff")},
		{model.Bytes(nil)},
		{model.Bytes([]byte{0})},
		{model.Bytes([]byte{0, 1})},
		{model.Bytes([]byte{1})},
		{model.Reference(model.Key("c/1"))},
		{model.Reference(model.Key("c/1/sub/a"))},
		{model.Reference(model.Key("c/2"))},
		{model.Reference(model.Key("d/0"))},
		{model.GeoPointValue(-90, -180)},
		{model.GeoPointValue(0, 0)},
		{model.GeoPointValue(0, 1)},
		{model.GeoPointValue(1, -5)},
		{model.Array()},
		{model.Array(model.Null())},
		{model.Array(model.Integer(1))},
		{model.Array(model.Integer(1), model.Integer(2))},
		{model.Array(model.String("a"))},
		{model.Map(nil)},
		{model.Map(map[string]model.Value{"a": model.Integer(1)})},
		{model.Map(map[string]model.Value{"a": model.Integer(1), "b": model.Integer(0)})},
		{model.Map(map[string]model.Value{"a": model.Integer(2)})},
		{model.Map(map[string]model.Value{"b": model.Integer(0)})},
		{model.Vector()},
		{model.Vector(100)},
		{model.Vector(1, 2)},
		{model.Vector(1, 3)},
		{model.MaxValue()},
	}
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

func TestEncodingPreservesOrder(t *testing.T) {
	groups := lattice()
	for i, gi := range groups {
		for j, gj := range groups {
			for _, a := range gi {
				for _, b := range gj {
					want := model.CompareValues(a, b)
					asc := bytes.Compare(EncodeValue(a), EncodeValue(b))
					require.Equal(t, want, sign(asc), "ascending %s vs %s (groups %d, %d)",
						model.CanonicalID(a), model.CanonicalID(b), i, j)

					desc := bytes.Compare(
						AppendDirectional(nil, a, model.Descending),
						AppendDirectional(nil, b, model.Descending))
					require.Equal(t, -want, sign(desc), "descending %s vs %s",
						model.CanonicalID(a), model.CanonicalID(b))
				}
			}
		}
	}
}

func TestConcatenatedEncodingsCompareAsTuples(t *testing.T) {
	values := []model.Value{
		model.Null(), model.Integer(1), model.String("a"), model.String("ab"),
		model.Array(model.Integer(1)), model.Map(nil),
	}
	for _, a1 := range values {
		for _, a2 := range values {
			for _, b1 := range values {
				for _, b2 := range values {
					want := model.CompareValues(a1, b1)
					if want == 0 {
						want = -model.CompareValues(a2, b2)
					}
					a := AppendDirectional(EncodeValue(a1), a2, model.Descending)
					b := AppendDirectional(EncodeValue(b1), b2, model.Descending)
					require.Equal(t, want, sign(bytes.Compare(a, b)))
				}
			}
		}
	}
}

func newDoc(t *testing.T, key string, data map[string]any) *model.MutableDocument {
	t.Helper()
	o, err := model.ObjectFromGo(data)
	require.NoError(t, err)
	return model.NewFoundDocument(model.Key(key), model.Version(1, 0), o)
}

func filter(path string, op query.Operator, v any) *query.FieldFilter {
	return query.NewFieldFilter(model.MustFieldPath(path), op, model.MustFromGo(v))
}

func TestComputeEntries(t *testing.T) {
	fi := &model.FieldIndex{
		IndexID:         7,
		CollectionGroup: "c",
		Segments: []model.IndexSegment{
			{FieldPath: model.MustFieldPath("tags"), Kind: model.Contains},
			{FieldPath: model.MustFieldPath("a"), Kind: model.Ascending},
		},
	}

	entries := ComputeEntries(fi, newDoc(t, "c/1", map[string]any{"a": 1, "tags": []any{"x", "y", "x"}}))
	require.Len(t, entries, 2, "duplicate array elements collapse")
	for _, e := range entries {
		assert.Equal(t, 7, e.IndexID)
		assert.Equal(t, EncodeValue(model.Integer(1)), e.DirectionalValue)
	}

	assert.Empty(t, ComputeEntries(fi, newDoc(t, "c/2", map[string]any{"tags": []any{"x"}})), "missing directional field")
	assert.Empty(t, ComputeEntries(fi, newDoc(t, "c/3", map[string]any{"a": 1, "tags": "x"})), "contains field is not an array")
	assert.Empty(t, ComputeEntries(fi, newDoc(t, "c/4", map[string]any{"a": 1, "tags": []any{}})))
}

// scan returns the documents whose entries fall in any of the ranges.
func scan(ranges []ScanRange, entries []Entry) model.DocumentKeySet {
	out := model.NewDocumentKeySet()
	for _, e := range entries {
		for _, r := range ranges {
			if bytes.Equal(e.ArrayValue, r.ArrayValue) &&
				bytes.Compare(e.DirectionalValue, r.Lower) >= 0 &&
				bytes.Compare(e.DirectionalValue, r.Upper) < 0 {
				out.Add(e.DocumentKey)
			}
		}
	}
	return out
}

func TestScanRangesMatchFullScan(t *testing.T) {
	fi := &model.FieldIndex{
		IndexID:         1,
		CollectionGroup: "c",
		Segments: []model.IndexSegment{
			{FieldPath: model.MustFieldPath("a"), Kind: model.Ascending},
			{FieldPath: model.MustFieldPath("b"), Kind: model.Descending},
		},
	}
	var docs []*model.MutableDocument
	for a := 0; a < 3; a++ {
		for b := 0; b < 6; b++ {
			docs = append(docs, newDoc(t, fmt.Sprintf("c/%d-%d", a, b), map[string]any{"a": a, "b": b}))
		}
	}
	docs = append(docs,
		newDoc(t, "c/no-b", map[string]any{"a": 1}),
		newDoc(t, "c/str", map[string]any{"a": 1, "b": "x"}),
	)
	var entries []Entry
	for _, d := range docs {
		entries = append(entries, ComputeEntries(fi, d)...)
	}

	base := query.NewQuery(model.ResourcePath{"c"}).Where(filter("a", query.Equal, 1))
	byB := model.MustFieldPath("b")
	tests := []struct {
		name string
		q    query.Query
	}{
		{"equality only", base.OrderBy(byB, query.Descending)},
		{"closed range", base.Where(filter("b", query.GreaterThan, 2)).Where(filter("b", query.LessThanOrEqual, 4)).OrderBy(byB, query.Descending)},
		{"open lower", base.Where(filter("b", query.GreaterThanOrEqual, 3)).OrderBy(byB, query.Descending)},
		{"not in", base.Where(filter("b", query.NotIn, []any{2, 4})).OrderBy(byB, query.Descending)},
		{"not equal", base.Where(filter("b", query.NotEqual, 0)).OrderBy(byB, query.Descending)},
		{"cursor", base.Where(filter("b", query.LessThan, 5)).OrderBy(byB, query.Descending).
			WithStartAt(query.Bound{Position: []model.Value{model.Integer(3)}, Inclusive: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.q.ToTarget()
			got := scan(ScanRanges(fi, target), entries)
			want := model.NewDocumentKeySet()
			for _, d := range docs {
				if tt.q.Matches(d) {
					want.Add(d.Key())
				}
			}
			for key := range want {
				assert.True(t, got.Has(key), "index scan missed %s", key)
			}
			// Values of other types stay in range; the query re-filters them.
			for key := range got {
				if !want.Has(key) {
					assert.Equal(t, "c/str", key.String(), "unexpected %s", key)
				}
			}
		})
	}
}

func TestScanRangesArrayContainsAny(t *testing.T) {
	fi := &model.FieldIndex{
		IndexID:         2,
		CollectionGroup: "c",
		Segments: []model.IndexSegment{
			{FieldPath: model.MustFieldPath("tags"), Kind: model.Contains},
			{FieldPath: model.MustFieldPath("a"), Kind: model.Ascending},
		},
	}
	docs := []*model.MutableDocument{
		newDoc(t, "c/1", map[string]any{"a": 1, "tags": []any{"x"}}),
		newDoc(t, "c/2", map[string]any{"a": 0, "tags": []any{"x"}}),
		newDoc(t, "c/3", map[string]any{"a": 5, "tags": []any{"x", "y"}}),
		newDoc(t, "c/4", map[string]any{"a": 5, "tags": []any{"z"}}),
		newDoc(t, "c/5", map[string]any{"a": 2, "tags": []any{"y"}}),
	}
	var entries []Entry
	for _, d := range docs {
		entries = append(entries, ComputeEntries(fi, d)...)
	}

	target := query.NewQuery(model.ResourcePath{"c"}).
		Where(filter("tags", query.ArrayContainsAny, []any{"x", "y"})).
		Where(filter("a", query.GreaterThanOrEqual, 1)).
		ToTarget()
	ranges := ScanRanges(fi, target)
	assert.Len(t, ranges, 2)

	got := scan(ranges, entries)
	assert.Equal(t, []model.DocumentKey{model.Key("c/1"), model.Key("c/3"), model.Key("c/5")}, got.Sorted())
}

func TestServedByIndex(t *testing.T) {
	index := func(segments ...model.IndexSegment) *model.FieldIndex {
		return &model.FieldIndex{CollectionGroup: "c", Segments: segments}
	}
	asc := func(f string) model.IndexSegment {
		return model.IndexSegment{FieldPath: model.MustFieldPath(f), Kind: model.Ascending}
	}
	desc := func(f string) model.IndexSegment {
		return model.IndexSegment{FieldPath: model.MustFieldPath(f), Kind: model.Descending}
	}
	contains := func(f string) model.IndexSegment {
		return model.IndexSegment{FieldPath: model.MustFieldPath(f), Kind: model.Contains}
	}

	q := query.NewQuery(model.ResourcePath{"c"}).
		Where(filter("a", query.Equal, 1)).
		Where(filter("b", query.Equal, 2)).
		Where(filter("c", query.GreaterThan, 3))
	m := NewTargetMatcher(q.ToTarget())

	assert.True(t, m.ServedByIndex(index(asc("b"), asc("a"))), "equalities in any order")
	assert.True(t, m.ServedByIndex(index(asc("a"), asc("b"), asc("c"))))
	assert.True(t, m.ServedByIndex(index(asc("a"))), "prefix serves partially")
	assert.False(t, m.ServedByIndex(index(asc("a"), desc("c"))), "inequality must match ordering direction")
	assert.False(t, m.ServedByIndex(index(asc("c"), asc("a"))), "inequality before equalities")
	assert.False(t, m.ServedByIndex(index(contains("a"))))
	assert.False(t, m.ServedByIndex(index(asc("a"), asc("c"), asc("d"))))

	arrays := NewTargetMatcher(query.NewQuery(model.ResourcePath{"c"}).
		Where(filter("tags", query.ArrayContains, "x")).
		OrderBy(model.MustFieldPath("n"), query.Descending).ToTarget())
	assert.True(t, arrays.ServedByIndex(index(contains("tags"), desc("n"))))
	assert.False(t, arrays.ServedByIndex(index(asc("tags"))))
	assert.False(t, arrays.ServedByIndex(index(contains("tags"), asc("n"))))

	multi := NewTargetMatcher(query.NewQuery(model.ResourcePath{"c"}).
		Where(filter("a", query.GreaterThan, 1)).
		Where(filter("b", query.LessThan, 1)).ToTarget())
	assert.False(t, multi.ServedByIndex(index(asc("a"), asc("b"))))
	assert.Nil(t, multi.BuildTargetIndex())

	assert.Panics(t, func() {
		m.ServedByIndex(&model.FieldIndex{CollectionGroup: "other"})
	})
}

func TestBuildTargetIndex(t *testing.T) {
	q := query.NewQuery(model.ResourcePath{"rooms", "r1", "messages"}).
		Where(filter("tags", query.ArrayContains, "x")).
		Where(filter("a", query.Equal, 1)).
		Where(filter("a", query.Equal, 1)).
		Where(filter("n", query.GreaterThan, 0)).
		OrderBy(model.MustFieldPath("n"), query.Descending)
	target := q.ToTarget()
	m := NewTargetMatcher(target)

	fi := m.BuildTargetIndex()
	require.NotNil(t, fi)
	assert.Equal(t, "messages", fi.CollectionGroup)
	assert.Equal(t, model.UnknownIndexID, fi.IndexID)
	assert.Equal(t, "messages(tags contains, a asc, n desc)", fi.String())
	assert.True(t, m.ServedByIndex(fi))
	assert.Equal(t, target.SegmentCount(), len(fi.Segments))
}
