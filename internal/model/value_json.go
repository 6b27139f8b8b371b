package model

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// valueJSON is the tagged wire form used when values are persisted.
type valueJSON struct {
	Null      *bool                `json:"nullValue,omitempty"`
	Boolean   *bool                `json:"booleanValue,omitempty"`
	Integer   *string              `json:"integerValue,omitempty"`
	Double    *string              `json:"doubleValue,omitempty"`
	Timestamp *Timestamp           `json:"timestampValue,omitempty"`
	ServerTS  *serverTimestampJSON `json:"serverTimestampValue,omitempty"`
	String    *string              `json:"stringValue,omitempty"`
	Bytes     []byte               `json:"bytesValue,omitempty"`
	HasBytes  bool                 `json:"bytes,omitempty"`
	Reference *string              `json:"referenceValue,omitempty"`
	GeoPoint  *GeoPoint            `json:"geoPointValue,omitempty"`
	Array     *[]Value             `json:"arrayValue,omitempty"`
	Map       *map[string]Value    `json:"mapValue,omitempty"`
	Vector    *[]string            `json:"vectorValue,omitempty"`
	Max       bool                 `json:"maxValue,omitempty"`
}

type serverTimestampJSON struct {
	LocalWriteTime Timestamp `json:"localWriteTime"`
	Previous       *Value    `json:"previousValue,omitempty"`
}

func formatDouble(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var out valueJSON
	switch v.kind {
	case KindNull:
		t := true
		out.Null = &t
	case KindBoolean:
		b := v.b
		out.Boolean = &b
	case KindInteger:
		s := strconv.FormatInt(v.i, 10)
		out.Integer = &s
	case KindDouble:
		s := formatDouble(v.f)
		out.Double = &s
	case KindTimestamp:
		ts := v.ts
		out.Timestamp = &ts
	case KindServerTimestamp:
		out.ServerTS = &serverTimestampJSON{LocalWriteTime: v.ts, Previous: v.prev}
	case KindString:
		s := v.s
		out.String = &s
	case KindBytes:
		out.Bytes = v.by
		out.HasBytes = true
	case KindReference:
		s := v.s
		out.Reference = &s
	case KindGeoPoint:
		g := v.geo
		out.GeoPoint = &g
	case KindArray:
		arr := v.arr
		if arr == nil {
			arr = []Value{}
		}
		out.Array = &arr
	case KindMap:
		m := v.m
		if m == nil {
			m = map[string]Value{}
		}
		out.Map = &m
	case KindVector:
		vec := make([]string, len(v.vec))
		for i, f := range v.vec {
			vec[i] = formatDouble(f)
		}
		out.Vector = &vec
	case KindMax:
		out.Max = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	switch {
	case in.Null != nil:
		*v = Null()
	case in.Boolean != nil:
		*v = Boolean(*in.Boolean)
	case in.Integer != nil:
		i, err := strconv.ParseInt(*in.Integer, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to decode integer value: %w", err)
		}
		*v = Integer(i)
	case in.Double != nil:
		f, err := strconv.ParseFloat(*in.Double, 64)
		if err != nil {
			return fmt.Errorf("failed to decode double value: %w", err)
		}
		*v = Double(f)
	case in.Timestamp != nil:
		*v = TimestampValue(*in.Timestamp)
	case in.ServerTS != nil:
		*v = ServerTimestamp(in.ServerTS.LocalWriteTime, in.ServerTS.Previous)
	case in.String != nil:
		*v = String(*in.String)
	case in.HasBytes:
		*v = Value{kind: KindBytes, by: in.Bytes}
		if v.by == nil {
			v.by = []byte{}
		}
	case in.Reference != nil:
		*v = Value{kind: KindReference, s: *in.Reference}
	case in.GeoPoint != nil:
		*v = GeoPointValue(in.GeoPoint.Latitude, in.GeoPoint.Longitude)
	case in.Array != nil:
		*v = Value{kind: KindArray, arr: *in.Array}
	case in.Map != nil:
		*v = Value{kind: KindMap, m: *in.Map}
	case in.Vector != nil:
		vec := make([]float64, len(*in.Vector))
		for i, s := range *in.Vector {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("failed to decode vector element: %w", err)
			}
			vec[i] = f
		}
		*v = Value{kind: KindVector, vec: vec}
	case in.Max:
		*v = MaxValue()
	default:
		return fmt.Errorf("failed to decode value: no variant in %s", string(data))
	}
	return nil
}
