package index

import (
	"bytes"
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// Type describes how well the configured indexes serve a target.
type Type int

const (
	// None means no index covers the target; a collection scan is needed.
	None Type = iota
	// Partial means an index narrows the candidates but results must still
	// be filtered and ordered in memory.
	Partial
	// Full means the index returns exactly the target's results.
	Full
)

func (t Type) String() string {
	switch t {
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return "none"
}

// ScanRange is a half-open range [Lower, Upper) of directional values under
// one array value.
type ScanRange struct {
	ArrayValue []byte
	Lower      []byte
	Upper      []byte
}

// ScanRanges returns the ranges of fi that hold every entry matching t.
// Not-in and not-equal filters split the range around the excluded points.
func ScanRanges(fi *model.FieldIndex, t *query.Target) []ScanRange {
	arrayValues := [][]byte{nil}
	if values := t.ArrayValues(fi); values != nil {
		arrayValues = arrayValues[:0]
		for _, v := range values {
			arrayValues = append(arrayValues, EncodeValue(v))
		}
	}

	lower := t.LowerBound(fi)
	upper := t.UpperBound(fi)
	lowers := encodeValues(fi, t, lower.Position)
	uppers := encodeValues(fi, t, upper.Position)
	for i, p := range lowers {
		if !lower.Inclusive {
			lowers[i] = next(p)
		}
	}
	for i, p := range uppers {
		if upper.Inclusive {
			uppers[i] = next(p)
		}
	}
	var notIn [][]byte
	if values := t.NotInValues(fi); values != nil {
		notIn = encodeValues(fi, t, values)
	}
	sort.Slice(notIn, func(i, j int) bool { return bytes.Compare(notIn[i], notIn[j]) < 0 })

	scans := max(len(lowers), len(uppers))
	var out []ScanRange
	for _, av := range arrayValues {
		for i := 0; i < scans; i++ {
			lo := lowers[i%len(lowers)]
			hi := uppers[i%len(uppers)]
			out = append(out, splitRange(av, lo, hi, notIn)...)
		}
	}
	return out
}

func splitRange(arrayValue, lower, upper []byte, notIn [][]byte) []ScanRange {
	bounds := [][]byte{lower}
	for _, p := range notIn {
		switch c := bytes.Compare(p, lower); {
		case c == 0:
			bounds[0] = next(lower)
		case c > 0 && bytes.Compare(p, upper) < 0:
			bounds = append(bounds, p, next(p))
		}
	}
	bounds = append(bounds, upper)

	var out []ScanRange
	for i := 0; i+1 < len(bounds); i += 2 {
		if bytes.Compare(bounds[i], bounds[i+1]) >= 0 {
			continue
		}
		out = append(out, ScanRange{ArrayValue: arrayValue, Lower: bounds[i], Upper: bounds[i+1]})
	}
	return out
}

// encodeValues encodes one value per directional segment. A segment
// constrained by in or not-in fans out into one encoding per element. Fewer
// values than segments produce a prefix of the directional value.
func encodeValues(fi *model.FieldIndex, t *query.Target, values []model.Value) [][]byte {
	out := [][]byte{nil}
	for i, seg := range fi.DirectionalSegments() {
		if i >= len(values) {
			break
		}
		v := values[i]
		if isInFilter(t, seg.FieldPath) && v.IsArray() {
			var expanded [][]byte
			for _, prefix := range out {
				for _, elem := range v.ArrayValue() {
					buf := append([]byte(nil), prefix...)
					expanded = append(expanded, AppendDirectional(buf, elem, seg.Kind))
				}
			}
			out = expanded
			continue
		}
		for j := range out {
			out[j] = AppendDirectional(out[j], v, seg.Kind)
		}
	}
	return out
}

func isInFilter(t *query.Target, path model.FieldPath) bool {
	for _, f := range t.FieldFiltersForPath(path) {
		if f.Op == query.In || f.Op == query.NotIn {
			return true
		}
	}
	return false
}
