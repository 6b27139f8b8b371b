package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
	KindVector
	// KindMax is a sentinel that sorts after every other value. It is only
	// used for index bounds and never stored in documents.
	KindMax
)

// TypeOrder is the cross-type ordering rank of a value. Integers and doubles
// share a rank and compare numerically.
type TypeOrder int

const (
	OrderNull TypeOrder = iota
	OrderBoolean
	OrderNumber
	OrderTimestamp
	OrderServerTimestamp
	OrderString
	OrderBytes
	OrderReference
	OrderGeoPoint
	OrderArray
	OrderMap
	OrderVector
	OrderMax
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is an immutable document field value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	ts   Timestamp
	geo  GeoPoint
	arr  []Value
	m    map[string]Value
	vec  []float64
	prev *Value
}

// Null returns the null value. The zero Value is also null.
func Null() Value { return Value{} }

// Boolean wraps b.
func Boolean(b bool) Value { return Value{kind: KindBoolean, b: b} }

// Integer wraps a 64-bit integer.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Double wraps a float.
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// String wraps s.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes wraps a copy of p.
func Bytes(p []byte) Value {
	cp := make([]byte, len(p))
	copy(cp, p)
	return Value{kind: KindBytes, by: cp}
}

// TimestampValue wraps t.
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }

// Reference wraps a document key.
func Reference(k DocumentKey) Value { return Value{kind: KindReference, s: k.String()} }

// GeoPointValue wraps a coordinate pair.
func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

// Array wraps the given elements.
func Array(elems ...Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindArray, arr: cp}
}

// Map wraps fields. The map is copied.
func Map(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// Vector wraps a dense float vector.
func Vector(elems ...float64) Value {
	cp := make([]float64, len(elems))
	copy(cp, elems)
	return Value{kind: KindVector, vec: cp}
}

// ServerTimestamp is the local placeholder for a server timestamp transform
// that has not been acknowledged yet.
func ServerTimestamp(localWriteTime Timestamp, previous *Value) Value {
	v := Value{kind: KindServerTimestamp, ts: localWriteTime}
	if previous != nil {
		if previous.kind == KindServerTimestamp {
			previous = previous.prev
		}
		if previous != nil {
			p := *previous
			v.prev = &p
		}
	}
	return v
}

// MaxValue returns the sentinel that sorts after every value.
func MaxValue() Value { return Value{kind: KindMax} }

// Kind returns the variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumber reports whether v is an integer or a double.
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }

// IsNaN reports whether v is a double NaN.
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.f) }

// IsArray reports whether v is an array.
func (v Value) IsArray() bool { return v.kind == KindArray }

// IsMap reports whether v is a map.
func (v Value) IsMap() bool { return v.kind == KindMap }

// BooleanValue returns the boolean payload.
func (v Value) BooleanValue() bool { return v.b }

// IntegerValue returns the integer payload.
func (v Value) IntegerValue() int64 { return v.i }

// DoubleValue returns the double payload.
func (v Value) DoubleValue() float64 { return v.f }

// Number returns the numeric payload as a float64.
func (v Value) Number() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.f
}

// StringValue returns the string payload.
func (v Value) StringValue() string { return v.s }

// BytesValue returns the bytes payload. Callers must not modify it.
func (v Value) BytesValue() []byte { return v.by }

// TimestampValue returns the timestamp payload, or the local write time of a
// server timestamp placeholder.
func (v Value) TimestampValue() Timestamp { return v.ts }

// ReferenceValue returns the referenced key.
func (v Value) ReferenceValue() DocumentKey { return DocumentKey{path: v.s} }

// GeoPointValue returns the coordinate payload.
func (v Value) GeoPointValue() GeoPoint { return v.geo }

// ArrayValue returns the array elements. Callers must not modify the slice.
func (v Value) ArrayValue() []Value { return v.arr }

// MapValue returns the map fields. Callers must not modify the map.
func (v Value) MapValue() map[string]Value { return v.m }

// VectorValue returns the vector elements. Callers must not modify the slice.
func (v Value) VectorValue() []float64 { return v.vec }

// PreviousValue returns the value a server timestamp placeholder replaced.
func (v Value) PreviousValue() (Value, bool) {
	if v.prev == nil {
		return Value{}, false
	}
	return *v.prev, true
}

// TypeOrder returns the cross-type rank.
func (v Value) TypeOrder() TypeOrder {
	switch v.kind {
	case KindNull:
		return OrderNull
	case KindBoolean:
		return OrderBoolean
	case KindInteger, KindDouble:
		return OrderNumber
	case KindTimestamp:
		return OrderTimestamp
	case KindServerTimestamp:
		return OrderServerTimestamp
	case KindString:
		return OrderString
	case KindBytes:
		return OrderBytes
	case KindReference:
		return OrderReference
	case KindGeoPoint:
		return OrderGeoPoint
	case KindArray:
		return OrderArray
	case KindMap:
		return OrderMap
	case KindVector:
		return OrderVector
	}
	return OrderMax
}

// CompareValues returns -1, 0 or 1 following the total value order.
func CompareValues(a, b Value) int {
	ta, tb := a.TypeOrder(), b.TypeOrder()
	if ta != tb {
		return cmpInt(int64(ta), int64(tb))
	}
	switch ta {
	case OrderNull, OrderMax:
		return 0
	case OrderBoolean:
		return cmpBool(a.b, b.b)
	case OrderNumber:
		return compareNumbers(a, b)
	case OrderTimestamp, OrderServerTimestamp:
		return a.ts.Compare(b.ts)
	case OrderString:
		return strings.Compare(a.s, b.s)
	case OrderBytes:
		return bytes.Compare(a.by, b.by)
	case OrderReference:
		return comparePathStrings(a.s, b.s)
	case OrderGeoPoint:
		if c := compareFloats(a.geo.Latitude, b.geo.Latitude); c != 0 {
			return c
		}
		return compareFloats(a.geo.Longitude, b.geo.Longitude)
	case OrderArray:
		return compareArrays(a.arr, b.arr)
	case OrderMap:
		return compareMaps(a.m, b.m)
	case OrderVector:
		if c := cmpInt(int64(len(a.vec)), int64(len(b.vec))); c != 0 {
			return c
		}
		for i := range a.vec {
			if c := compareFloats(a.vec[i], b.vec[i]); c != 0 {
				return c
			}
		}
		return 0
	}
	return 0
}

// EqualValues reports value equality. Unlike CompareValues, an integer never
// equals a double and -0.0 does not equal 0.0.
func EqualValues(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindDouble:
		if math.IsNaN(a.f) && math.IsNaN(b.f) {
			return true
		}
		return a.f == b.f && math.Signbit(a.f) == math.Signbit(b.f)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !EqualValues(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !EqualValues(av, bv) {
				return false
			}
		}
		return true
	case KindVector:
		if len(a.vec) != len(b.vec) {
			return false
		}
		for i := range a.vec {
			if a.vec[i] != b.vec[i] {
				return false
			}
		}
		return true
	case KindServerTimestamp:
		return a.ts == b.ts
	}
	return CompareValues(a, b) == 0
}

// ArrayContains reports whether arr holds an element equivalent to v under
// CompareValues, so the integer 1 matches the double 1.0.
func ArrayContains(arr Value, v Value) bool {
	for _, e := range arr.arr {
		if CompareValues(e, v) == 0 {
			return true
		}
	}
	return false
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return cmpInt(a.i, b.i)
	}
	if a.kind == KindInteger && b.kind == KindDouble {
		return -compareDoubleToInt(b.f, a.i)
	}
	if a.kind == KindDouble && b.kind == KindInteger {
		return compareDoubleToInt(a.f, b.i)
	}
	return compareFloats(a.f, b.f)
}

// compareDoubleToInt compares without losing precision for large integers.
func compareDoubleToInt(d float64, i int64) int {
	switch {
	case math.IsNaN(d):
		return -1
	case d < -9.223372036854775808e18:
		return -1
	case d >= 9.223372036854775808e18:
		return 1
	}
	di := int64(d)
	if c := cmpInt(di, i); c != 0 {
		return c
	}
	return compareFloats(d-float64(di), 0)
}

// compareFloats orders NaN before every other number.
func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	}
	return 1
}

func compareArrays(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func compareMaps(a, b map[string]Value) int {
	ak, bk := SortedFieldNames(a), SortedFieldNames(b)
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(ak)), int64(len(bk)))
}

// SortedFieldNames returns the keys of m in byte order.
func SortedFieldNames(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// LowerBound returns the smallest value with the same type order as v.
func LowerBound(v Value) Value {
	return lowerBoundForOrder(v.TypeOrder())
}

// UpperBound returns the smallest value of the next type order, which is an
// exclusive upper bound for every value of v's type.
func UpperBound(v Value) Value {
	switch v.TypeOrder() {
	case OrderTimestamp:
		// Server timestamps are never indexed.
		return lowerBoundForOrder(OrderString)
	case OrderVector, OrderMax:
		return MaxValue()
	}
	return lowerBoundForOrder(v.TypeOrder() + 1)
}

func lowerBoundForOrder(o TypeOrder) Value {
	switch o {
	case OrderNull:
		return Null()
	case OrderBoolean:
		return Boolean(false)
	case OrderNumber:
		return Double(math.NaN())
	case OrderTimestamp:
		return TimestampValue(Timestamp{Seconds: math.MinInt64})
	case OrderServerTimestamp:
		return ServerTimestamp(Timestamp{Seconds: math.MinInt64}, nil)
	case OrderString:
		return String("")
	case OrderBytes:
		return Bytes(nil)
	case OrderReference:
		return Reference(EmptyKey())
	case OrderGeoPoint:
		return GeoPointValue(-90, -180)
	case OrderArray:
		return Array()
	case OrderMap:
		return Map(nil)
	case OrderVector:
		return Vector()
	}
	return MaxValue()
}

// CanonicalID renders v as a stable string used in target canonical ids.
func CanonicalID(v Value) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindTimestamp:
		fmt.Fprintf(sb, "time(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindServerTimestamp:
		fmt.Fprintf(sb, "serverTime(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindString:
		sb.WriteString(v.s)
	case KindBytes:
		sb.WriteString(base64.StdEncoding.EncodeToString(v.by))
	case KindReference:
		sb.WriteString(v.s)
	case KindGeoPoint:
		fmt.Fprintf(sb, "geo(%s,%s)", strconv.FormatFloat(v.geo.Latitude, 'g', -1, 64), strconv.FormatFloat(v.geo.Longitude, 'g', -1, 64))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range SortedFieldNames(v.m) {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			writeCanonical(sb, v.m[k])
		}
		sb.WriteByte('}')
	case KindVector:
		sb.WriteString("vector[")
		for i, f := range v.vec {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
		sb.WriteByte(']')
	case KindMax:
		sb.WriteString("__max__")
	}
}

func (v Value) String() string { return CanonicalID(v) }

// EstimateByteSize approximates the storage footprint of v.
func EstimateByteSize(v Value) int {
	switch v.kind {
	case KindNull, KindBoolean:
		return 4
	case KindInteger, KindDouble:
		return 8
	case KindTimestamp, KindServerTimestamp, KindGeoPoint:
		return 16
	case KindString:
		return len(v.s) * 2
	case KindBytes:
		return len(v.by)
	case KindReference:
		return len(v.s)
	case KindArray:
		n := 0
		for _, e := range v.arr {
			n += EstimateByteSize(e)
		}
		return n
	case KindMap:
		n := 0
		for k, e := range v.m {
			n += len(k)*2 + EstimateByteSize(e)
		}
		return n
	case KindVector:
		return 8 * len(v.vec)
	}
	return 0
}

// FromGo converts a native Go value into a Value. Supported inputs are nil,
// bool, signed integers, float32/64, string, []byte, time.Time, Timestamp,
// GeoPoint, DocumentKey, []float64 (as a vector), []any, map[string]any and
// Value itself.
func FromGo(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Boolean(t), nil
	case int:
		return Integer(int64(t)), nil
	case int32:
		return Integer(int64(t)), nil
	case int64:
		return Integer(t), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case time.Time:
		return TimestampValue(TimestampFromTime(t)), nil
	case Timestamp:
		return TimestampValue(t), nil
	case GeoPoint:
		return GeoPointValue(t.Latitude, t.Longitude), nil
	case DocumentKey:
		return Reference(t), nil
	case []float64:
		return Vector(t...), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("failed to convert element %d: %w", i, err)
			}
			elems[i] = ev
		}
		return Value{kind: KindArray, arr: elems}, nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("failed to convert field %q: %w", k, err)
			}
			fields[k] = ev
		}
		return Value{kind: KindMap, m: fields}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MustFromGo is FromGo that panics on unsupported input.
func MustFromGo(x any) Value {
	v, err := FromGo(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToGo converts v into plain Go values, the inverse of FromGo.
func (v Value) ToGo() any {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindInteger:
		return v.i
	case KindDouble:
		return v.f
	case KindTimestamp:
		return v.ts.Time()
	case KindServerTimestamp:
		if v.prev != nil {
			return v.prev.ToGo()
		}
		return nil
	case KindString:
		return v.s
	case KindBytes:
		return v.by
	case KindReference:
		return v.ReferenceValue()
	case KindGeoPoint:
		return v.geo
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToGo()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToGo()
		}
		return out
	case KindVector:
		return v.vec
	}
	return nil
}
