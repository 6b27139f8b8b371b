package query

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
)

func field(path string, op Operator, v any) *FieldFilter {
	return NewFieldFilter(model.MustFieldPath(path), op, model.MustFromGo(v))
}

func doc(t *testing.T, key string, data map[string]any) *model.MutableDocument {
	t.Helper()
	o, err := model.ObjectFromGo(data)
	require.NoError(t, err)
	return model.NewFoundDocument(model.Key(key), model.Version(1, 0), o)
}

func canonicalTerms(terms []Filter) []string {
	out := make([]string, len(terms))
	for i, f := range terms {
		out[i] = f.CanonicalID()
	}
	return out
}

func TestComputeDNF(t *testing.T) {
	a := field("a", Equal, 1)
	b := field("b", Equal, 2)
	c := field("c", Equal, 3)
	d := field("d", Equal, 4)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"single field", a, []string{"a==1"}},
		{"flat and", NewCompositeFilter(And, a, b), []string{"a==1,b==2"}},
		{"flat or", NewCompositeFilter(Or, a, b), []string{"a==1", "b==2"}},
		{"single child collapses", NewCompositeFilter(And, NewCompositeFilter(Or, a)), []string{"a==1"}},
		{
			"and over or distributes",
			NewCompositeFilter(And, a, NewCompositeFilter(Or, b, c)),
			[]string{"a==1,b==2", "a==1,c==3"},
		},
		{
			"or of ands is already normal",
			NewCompositeFilter(Or, NewCompositeFilter(And, a, b), c),
			[]string{"a==1,b==2", "c==3"},
		},
		{
			"nested same operator flattens",
			NewCompositeFilter(And, a, NewCompositeFilter(And, b, NewCompositeFilter(And, c, d))),
			[]string{"a==1,b==2,c==3,d==4"},
		},
		{
			"product of two disjunctions",
			NewCompositeFilter(And, NewCompositeFilter(Or, a, b), NewCompositeFilter(Or, c, d)),
			[]string{"a==1,c==3", "a==1,d==4", "b==2,c==3", "b==2,d==4"},
		},
		{
			"in expands to equalities",
			NewCompositeFilter(And, field("a", In, []any{1, 2}), b),
			[]string{"b==2,a==1", "b==2,a==2"},
		},
		{"empty and", NewCompositeFilter(And), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalTerms(ComputeDNF(tt.filter)))
		})
	}
}

func TestDNFPreservesMatches(t *testing.T) {
	filter := NewCompositeFilter(And,
		NewCompositeFilter(Or, field("a", Equal, 1), field("b", GreaterThan, 5)),
		NewCompositeFilter(Or, field("c", In, []any{"x", "y"}), field("d", ArrayContains, 9)),
	)
	terms := ComputeDNF(filter)

	docs := []map[string]any{
		{"a": 1, "c": "x"},
		{"a": 2, "b": 6, "d": []any{9}},
		{"a": 1, "c": "z"},
		{"b": 1, "c": "y"},
		{"b": 7, "c": "y", "d": []any{1}},
	}
	for i, data := range docs {
		d := doc(t, "c/1", data)
		matched := false
		for _, term := range terms {
			matched = matched || term.Matches(d)
		}
		assert.Equal(t, filter.Matches(d), matched, "doc %d", i)
	}
}

func TestFieldFilterSemantics(t *testing.T) {
	d := doc(t, "c/1", map[string]any{
		"n":    5,
		"s":    "x",
		"null": nil,
		"arr":  []any{1, "a"},
	})

	assert.True(t, field("n", GreaterThan, 4.5).Matches(d))
	assert.False(t, field("n", GreaterThan, "a").Matches(d), "inequality is type restricted")
	assert.True(t, field("n", Equal, 5.0).Matches(d))
	assert.True(t, field("s", NotEqual, "y").Matches(d))
	assert.False(t, field("null", NotEqual, 1).Matches(d), "!= excludes null")
	assert.False(t, field("missing", NotEqual, 1).Matches(d), "!= excludes missing")
	assert.True(t, field("arr", ArrayContains, "a").Matches(d))
	assert.True(t, field("arr", ArrayContainsAny, []any{2, 1}).Matches(d))
	assert.True(t, field("s", In, []any{"y", "x"}).Matches(d))
	assert.True(t, field("s", NotIn, []any{"y"}).Matches(d))
	assert.False(t, field("s", NotIn, []any{"y", nil}).Matches(d))

	assert.True(t, field("n", In, []any{5.0}).Matches(d))
	assert.False(t, field("n", NotIn, []any{5.0, "a"}).Matches(d))
	assert.True(t, field("arr", ArrayContains, 1.0).Matches(d))
	assert.True(t, field("arr", ArrayContainsAny, []any{1.0}).Matches(d))
}

func TestNormalizedOrderBy(t *testing.T) {
	q := NewQuery(model.ResourcePath{"c"}).
		Where(field("b", GreaterThan, 1)).
		Where(field("a", NotEqual, 1)).
		OrderBy(model.MustFieldPath("z"), Descending)

	var got []string
	for _, o := range q.NormalizedOrderBy() {
		got = append(got, o.canonicalID())
	}
	assert.Equal(t, []string{"zdesc", "adesc", "bdesc", "__name__desc"}, got)
}

func TestQueryMatchesPathAndBounds(t *testing.T) {
	q := NewQuery(model.ResourcePath{"c"}).
		OrderBy(model.MustFieldPath("n"), Ascending).
		WithStartAt(Bound{Position: []model.Value{model.Integer(2)}, Inclusive: false}).
		WithEndAt(Bound{Position: []model.Value{model.Integer(4)}, Inclusive: true})

	assert.False(t, q.Matches(doc(t, "c/1", map[string]any{"n": 2})))
	assert.True(t, q.Matches(doc(t, "c/1", map[string]any{"n": 3})))
	assert.True(t, q.Matches(doc(t, "c/1", map[string]any{"n": 4})))
	assert.False(t, q.Matches(doc(t, "c/1", map[string]any{"n": 5})))
	assert.False(t, q.Matches(doc(t, "c/1", map[string]any{"m": 3})), "missing order by field")
	assert.False(t, q.Matches(doc(t, "d/1", map[string]any{"n": 3})))
	assert.False(t, q.Matches(doc(t, "c/1/c/2", map[string]any{"n": 3})))

	group := NewCollectionGroupQuery("c")
	assert.True(t, group.Matches(doc(t, "x/1/c/2", nil)))
	assert.True(t, group.Matches(doc(t, "c/2", nil)))
	assert.False(t, group.Matches(doc(t, "c/2/d/1", nil)))
}

func TestLimitToLastFlipsTarget(t *testing.T) {
	q := NewQuery(model.ResourcePath{"c"}).
		OrderBy(model.MustFieldPath("n"), Ascending).
		WithStartAt(Bound{Position: []model.Value{model.Integer(1)}, Inclusive: true}).
		WithLimitToLast(2)
	target := q.ToTarget()

	require.Len(t, target.OrderBy, 2)
	assert.Equal(t, Descending, target.OrderBy[0].Dir)
	assert.Nil(t, target.StartAt)
	require.NotNil(t, target.EndAt)
	assert.NotEqual(t, q.CanonicalID(), q.WithLimit(2).CanonicalID())
}

func TestQueryJSONRoundTrip(t *testing.T) {
	q := NewCollectionGroupQuery("messages").
		Where(NewCompositeFilter(Or, field("a", Equal, 1), field("b", In, []any{"x"}))).
		OrderBy(model.MustFieldPath("a"), Descending).
		WithLimit(10).
		WithEndAt(Bound{Position: []model.Value{model.Integer(3)}, Inclusive: true})

	data, err := json.Marshal(q)
	require.NoError(t, err)
	var got Query
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, q.CanonicalID(), got.CanonicalID())

	target := q.ToTarget()
	data, err = json.Marshal(target)
	require.NoError(t, err)
	var gotTarget Target
	require.NoError(t, json.Unmarshal(data, &gotTarget))
	assert.Equal(t, target.CanonicalID(), gotTarget.CanonicalID())
}

func TestTargetIndexBounds(t *testing.T) {
	index := &model.FieldIndex{
		CollectionGroup: "c",
		Segments: []model.IndexSegment{
			{FieldPath: model.MustFieldPath("a"), Kind: model.Ascending},
			{FieldPath: model.MustFieldPath("b"), Kind: model.Descending},
		},
	}
	target := NewQuery(model.ResourcePath{"c"}).
		Where(field("a", Equal, 1)).
		Where(field("b", GreaterThan, 2)).
		Where(field("b", LessThanOrEqual, 9)).
		ToTarget()

	lower := target.LowerBound(index)
	assert.Equal(t, "1", model.CanonicalID(lower.Position[0]))
	assert.Equal(t, "9", model.CanonicalID(lower.Position[1]))
	assert.True(t, lower.Inclusive)

	upper := target.UpperBound(index)
	assert.Equal(t, "1", model.CanonicalID(upper.Position[0]))
	assert.Equal(t, "2", model.CanonicalID(upper.Position[1]))
	assert.False(t, upper.Inclusive)

	assert.Equal(t, 2, target.SegmentCount())
	assert.Nil(t, target.NotInValues(index))
}
