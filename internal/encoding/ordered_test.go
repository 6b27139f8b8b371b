package encoding

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOrderPreserved(t *testing.T) {
	values := []string{"", "\x00", "\x00\x00", "\x00\x01", "a", "a\x00", "a\xff", "ab", "b", "\xff", "\xff\xff"}
	for i := range values {
		for j := range values {
			a := NewBuilder(0).String(values[i]).Build()
			b := NewBuilder(0).String(values[j]).Build()
			want := sign(bytes.Compare([]byte(values[i]), []byte(values[j])))
			assert.Equal(t, want, sign(bytes.Compare(a, b)), "%q vs %q", values[i], values[j])
		}
	}
}

func TestTupleComponentsCompareIndependently(t *testing.T) {
	// ("a", "z") must sort before ("ab", "a") even though "az" > "aba".
	first := NewBuilder(0).String("a").String("z").Build()
	second := NewBuilder(0).String("ab").String("a").Build()
	assert.Equal(t, -1, bytes.Compare(first, second))
}

func TestIntRoundTripAndOrder(t *testing.T) {
	values := []int64{math.MinInt64, -100, -1, 0, 1, 42, math.MaxInt64}
	var encoded [][]byte
	for _, v := range values {
		p := NewBuilder(8).Int(v).Build()
		encoded = append(encoded, p)

		got, err := NewReader(p).Int()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestFloatOrder(t *testing.T) {
	values := []float64{math.Inf(-1), -1e300, -2.5, -1, -math.SmallestNonzeroFloat64, 0, math.SmallestNonzeroFloat64, 1, 2.5, 1e300, math.Inf(1)}
	for i := 1; i < len(values); i++ {
		a := NewBuilder(8).Float(values[i-1]).Build()
		b := NewBuilder(8).Float(values[i]).Build()
		assert.Equal(t, -1, bytes.Compare(a, b), "%v < %v", values[i-1], values[i])
	}

	negZero := NewBuilder(8).Float(math.Copysign(0, -1)).Build()
	zero := NewBuilder(8).Float(0).Build()
	assert.Equal(t, zero, negZero)

	got, err := NewReader(NewBuilder(8).Float(-2.5).Build()).Float()
	require.NoError(t, err)
	assert.Equal(t, -2.5, got)
}

func TestPathSortsBeforeDescendants(t *testing.T) {
	parent := NewBuilder(0).Path([]string{"c", "1"}).Build()
	child := NewBuilder(0).Path([]string{"c", "1", "sub", "x"}).Build()
	sibling := NewBuilder(0).Path([]string{"c", "2"}).Build()

	assert.Equal(t, -1, bytes.Compare(parent, child))
	assert.Equal(t, -1, bytes.Compare(child, sibling))

	segments, err := NewReader(child).Path()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "1", "sub", "x"}, segments)
}

func TestReaderRoundTrip(t *testing.T) {
	key := NewBuilder(0).String("user\x00\xff").Int(7).Bytes([]byte{0, 1, 0xff}).Build()
	r := NewReader(key)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "user\x00\xff", s)

	n, err := r.Int()
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	b, err := r.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0xff}, b)
	assert.True(t, r.Done())
}

func TestSuccessorAndPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0}, Successor(nil))
	assert.Equal(t, []byte{1, 3}, Successor([]byte{1, 2}))
	assert.Equal(t, []byte{1, 0xff, 0}, Successor([]byte{1, 0xff}))

	assert.Equal(t, []byte{1, 3}, PrefixEnd([]byte{1, 2, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestInvertReversesOrder(t *testing.T) {
	a := NewBuilder(0).String("apple").Build()
	b := NewBuilder(0).String("banana").Build()
	assert.Equal(t, 1, bytes.Compare(Invert(a), Invert(b)))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
