package model

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderedValues lists values in ascending order; entries in the same inner
// slice compare equal.
func orderedValues() [][]Value {
	return [][]Value{
		{Null()},
		{Boolean(false)},
		{Boolean(true)},
		{Double(math.NaN())},
		{Double(math.Inf(-1))},
		{Integer(math.MinInt64)},
		{Double(-1.5)},
		{Integer(-1), Double(-1)},
		{Integer(0), Double(0), Double(math.Copysign(0, -1))},
		{Double(0.5)},
		{Integer(1), Double(1)},
		{Integer(math.MaxInt64)},
		{Double(math.Inf(1))},
		{TimestampValue(Timestamp{Seconds: -5})},
		{TimestampValue(Timestamp{Seconds: 1, Nanos: 1})},
		{TimestampValue(Timestamp{Seconds: 1, Nanos: 2})},
		{ServerTimestamp(Timestamp{Seconds: 1}, nil)},
		{String("")},
		{String("\x00")},
		{String("a")},
		{String("ab")},
		{String("b")},
		{Bytes(nil)},
		{Bytes([]byte{0})},
		{Bytes([]byte{0, 1})},
		{Bytes([]byte{1})},
		{Reference(Key("c/1"))},
		{Reference(Key("c/1/sub/a"))},
		{Reference(Key("c/2"))},
		{Reference(Key("d/0"))},
		{GeoPointValue(-90, -180)},
		{GeoPointValue(0, 0)},
		{GeoPointValue(0, 1)},
		{GeoPointValue(1, -5)},
		{Array()},
		{Array(Null())},
		{Array(Integer(1))},
		{Array(Integer(1), Integer(2))},
		{Array(String("a"))},
		{Map(nil)},
		{Map(map[string]Value{"a": Integer(1)})},
		{Map(map[string]Value{"a": Integer(1), "b": Integer(0)})},
		{Map(map[string]Value{"a": Integer(2)})},
		{Map(map[string]Value{"b": Integer(0)})},
		{Vector()},
		{Vector(100)},
		{Vector(1, 2)},
		{Vector(1, 3)},
		{MaxValue()},
	}
}

func TestCompareValuesTotalOrder(t *testing.T) {
	groups := orderedValues()
	for i, gi := range groups {
		for j, gj := range groups {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			for _, a := range gi {
				for _, b := range gj {
					assert.Equal(t, want, CompareValues(a, b), "%v vs %v", a, b)
				}
			}
		}
	}
}

func TestEqualValuesDistinguishesNumberKinds(t *testing.T) {
	assert.False(t, EqualValues(Integer(1), Double(1)))
	assert.True(t, EqualValues(Double(math.NaN()), Double(math.NaN())))
	assert.False(t, EqualValues(Double(0), Double(math.Copysign(0, -1))))
	assert.True(t, EqualValues(
		Map(map[string]Value{"a": Array(Integer(1))}),
		Map(map[string]Value{"a": Array(Integer(1))}),
	))
}

func TestArrayContainsComparesNumbersByValue(t *testing.T) {
	arr := Array(Integer(1), String("a"), Double(math.Copysign(0, -1)))
	assert.True(t, ArrayContains(arr, Double(1)))
	assert.True(t, ArrayContains(arr, Integer(1)))
	assert.True(t, ArrayContains(arr, Integer(0)))
	assert.True(t, ArrayContains(arr, String("a")))
	assert.False(t, ArrayContains(arr, Double(1.5)))
	assert.False(t, ArrayContains(arr, String("1")))
	assert.False(t, ArrayContains(Array(), Integer(1)))
}

func TestBoundsBracketType(t *testing.T) {
	for _, g := range orderedValues() {
		v := g[0]
		if v.Kind() == KindMax || v.Kind() == KindServerTimestamp {
			continue
		}
		assert.LessOrEqual(t, CompareValues(LowerBound(v), v), 0, "lower bound of %v", v)
		assert.Equal(t, -1, CompareValues(v, UpperBound(v)), "upper bound of %v", v)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	for _, g := range orderedValues() {
		for _, v := range g {
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var got Value
			require.NoError(t, json.Unmarshal(data, &got), string(data))
			assert.True(t, EqualValues(v, got), "%s decoded as %v", data, got)
		}
	}
}

func TestCanonicalID(t *testing.T) {
	v := Map(map[string]Value{
		"b": Array(Integer(1), String("x")),
		"a": Boolean(true),
	})
	assert.Equal(t, "{a:true,b:[1,x]}", CanonicalID(v))
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"name":  "A",
		"count": 3,
		"tags":  []any{"x", 1.5},
	})
	require.NoError(t, err)
	assert.Equal(t, KindMap, v.Kind())
	assert.Equal(t, KindInteger, v.MapValue()["count"].Kind())

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}

func TestObjectValueCopyOnWrite(t *testing.T) {
	base, err := ObjectFromGo(map[string]any{"a": map[string]any{"b": 1, "c": 2}})
	require.NoError(t, err)

	changed := base
	changed.Set(MustFieldPath("a.b"), Integer(10))
	changed.Delete(MustFieldPath("a.c"))

	v, ok := base.Field(MustFieldPath("a.b"))
	require.True(t, ok)
	assert.EqualValues(t, 1, v.IntegerValue())
	_, ok = base.Field(MustFieldPath("a.c"))
	assert.True(t, ok)

	v, ok = changed.Field(MustFieldPath("a.b"))
	require.True(t, ok)
	assert.EqualValues(t, 10, v.IntegerValue())
	_, ok = changed.Field(MustFieldPath("a.c"))
	assert.False(t, ok)

	assert.Equal(t, "{a.b}", changed.FieldMask().String())
}
