// Package index encodes field values into order-preserving byte strings and
// decides which field indexes can serve a target.
//
// Every encoded value starts with a type label whose numeric order follows
// the value type order, so bytes.Compare on two encodings agrees with
// model.CompareValues. Encodings are prefix-free, which makes the
// concatenation of several encodings compare like the tuple of values.
package index

import (
	"math"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/model"
)

const (
	labelNull            byte = 5
	labelBoolean         byte = 10
	labelNaN             byte = 13
	labelNumber          byte = 15
	labelTimestamp       byte = 20
	labelServerTimestamp byte = 22
	labelString          byte = 25
	labelBytes           byte = 30
	labelReference       byte = 37
	labelGeoPoint        byte = 45
	labelArray           byte = 50
	labelMap             byte = 55
	labelVector          byte = 60
	labelMax             byte = 99

	// Array and map members are introduced by elemMarker and the container
	// is closed by endMarker, so a shorter container sorts first.
	elemMarker byte = 2
	endMarker  byte = 1
)

// AppendValue appends the ascending encoding of v.
func AppendValue(dst []byte, v model.Value) []byte {
	switch v.Kind() {
	case model.KindNull:
		return append(dst, labelNull)
	case model.KindBoolean:
		if v.BooleanValue() {
			return append(dst, labelBoolean, 1)
		}
		return append(dst, labelBoolean, 0)
	case model.KindInteger, model.KindDouble:
		return appendNumber(dst, v)
	case model.KindTimestamp:
		ts := v.TimestampValue()
		dst = append(dst, labelTimestamp)
		dst = encoding.AppendInt(dst, ts.Seconds)
		return encoding.AppendInt(dst, int64(ts.Nanos))
	case model.KindServerTimestamp:
		ts := v.TimestampValue()
		dst = append(dst, labelServerTimestamp)
		dst = encoding.AppendInt(dst, ts.Seconds)
		return encoding.AppendInt(dst, int64(ts.Nanos))
	case model.KindString:
		dst = append(dst, labelString)
		return encoding.AppendEscaped(dst, []byte(v.StringValue()))
	case model.KindBytes:
		dst = append(dst, labelBytes)
		return encoding.AppendEscaped(dst, v.BytesValue())
	case model.KindReference:
		dst = append(dst, labelReference)
		return encoding.AppendPath(dst, v.ReferenceValue().Path())
	case model.KindGeoPoint:
		g := v.GeoPointValue()
		dst = append(dst, labelGeoPoint)
		dst = encoding.AppendFloat(dst, g.Latitude)
		return encoding.AppendFloat(dst, g.Longitude)
	case model.KindArray:
		dst = append(dst, labelArray)
		for _, e := range v.ArrayValue() {
			dst = append(dst, elemMarker)
			dst = AppendValue(dst, e)
		}
		return append(dst, endMarker)
	case model.KindMap:
		dst = append(dst, labelMap)
		fields := v.MapValue()
		for _, k := range model.SortedFieldNames(fields) {
			dst = append(dst, elemMarker)
			dst = encoding.AppendEscaped(dst, []byte(k))
			dst = AppendValue(dst, fields[k])
		}
		return append(dst, endMarker)
	case model.KindVector:
		vec := v.VectorValue()
		dst = append(dst, labelVector)
		dst = encoding.AppendInt(dst, int64(len(vec)))
		for _, f := range vec {
			dst = encoding.AppendFloat(dst, f)
		}
		return dst
	}
	return append(dst, labelMax)
}

// appendNumber writes the nearest double followed by the exact integer
// remainder, which keeps integers beyond 2^53 distinct while letting equal
// integers and doubles share an encoding.
func appendNumber(dst []byte, v model.Value) []byte {
	if v.IsNaN() {
		return append(dst, labelNaN)
	}
	dst = append(dst, labelNumber)
	if v.Kind() == model.KindDouble {
		dst = encoding.AppendFloat(dst, v.DoubleValue())
		return encoding.AppendInt(dst, 0)
	}
	i := v.IntegerValue()
	f := float64(i)
	dst = encoding.AppendFloat(dst, f)
	return encoding.AppendInt(dst, intRemainder(i, f))
}

func intRemainder(i int64, f float64) int64 {
	if f >= math.MaxInt64 {
		// f rounded up to 2^63, which int64 cannot hold.
		return (i - math.MaxInt64) - 1
	}
	return i - int64(f)
}

// EncodeValue returns the ascending encoding of v.
func EncodeValue(v model.Value) []byte {
	return AppendValue(nil, v)
}

// AppendDirectional appends v encoded for a segment of the given kind.
// Descending segments store the inverted encoding.
func AppendDirectional(dst []byte, v model.Value, kind model.SegmentKind) []byte {
	start := len(dst)
	dst = AppendValue(dst, v)
	if kind == model.Descending {
		encoding.Invert(dst[start:])
	}
	return dst
}
