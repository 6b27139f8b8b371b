package query

import (
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// Target is the canonical, backend-facing form of a query. Its CanonicalID
// is its identity.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// NewDocumentTarget returns the target that watches a single document.
func NewDocumentTarget(key model.DocumentKey) *Target {
	return NewQuery(key.Path()).ToTarget()
}

// CanonicalID renders the target so that equal targets share an id.
func (t *Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.CanonicalString())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range t.OrderBy {
		sb.WriteString(o.canonicalID())
	}
	if t.Limit > 0 {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(t.StartAt.canonicalID())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(t.EndAt.canonicalID())
	}
	return sb.String()
}

func (t *Target) String() string { return "Target(" + t.CanonicalID() + ")" }

// Equal compares targets by canonical id.
func (t *Target) Equal(other *Target) bool { return t.CanonicalID() == other.CanonicalID() }

// IsDocumentTarget reports whether t watches exactly one document.
func (t *Target) IsDocumentTarget() bool {
	return t.Path.IsDocumentPath() && t.CollectionGroup == "" && len(t.Filters) == 0
}

// HasLimit reports whether t limits its results.
func (t *Target) HasLimit() bool { return t.Limit > 0 }

// Query returns a limit-first query with the same shape as t.
func (t *Target) Query() Query {
	q := Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
	return q
}

// FieldFiltersForPath returns every flattened field filter on path.
func (t *Target) FieldFiltersForPath(path model.FieldPath) []*FieldFilter {
	var out []*FieldFilter
	for _, f := range t.Filters {
		for _, ff := range f.FlattenedFilters() {
			if ff.Field.Equal(path) {
				out = append(out, ff)
			}
		}
	}
	return out
}

// SegmentCount returns the number of index segments needed to serve t.
func (t *Target) SegmentCount() int {
	fields := make(map[string]bool)
	hasArray := false
	for _, f := range t.Filters {
		for _, ff := range f.FlattenedFilters() {
			if ff.Field.IsKeyField() {
				continue
			}
			if ff.Op == ArrayContains || ff.Op == ArrayContainsAny {
				hasArray = true
				continue
			}
			fields[ff.Field.CanonicalString()] = true
		}
	}
	for _, o := range t.OrderBy {
		if !o.Field.IsKeyField() {
			fields[o.Field.CanonicalString()] = true
		}
	}
	n := len(fields)
	if hasArray {
		n++
	}
	return n
}

// ArrayValues returns the values of the array-contains(-any) filter on the
// index's contains segment, or nil.
func (t *Target) ArrayValues(index *model.FieldIndex) []model.Value {
	seg, ok := index.ArraySegment()
	if !ok {
		return nil
	}
	for _, f := range t.FieldFiltersForPath(seg.FieldPath) {
		switch f.Op {
		case ArrayContainsAny:
			return f.Value.ArrayValue()
		case ArrayContains:
			return []model.Value{f.Value}
		}
	}
	return nil
}

// NotInValues returns the equality prefix values followed by the not-in (or
// not-equal) operand for the index's directional segments, or nil when the
// target has no such filter.
func (t *Target) NotInValues(index *model.FieldIndex) []model.Value {
	var values []model.Value
	seen := make(map[string]int)
	set := func(path model.FieldPath, v model.Value) {
		key := path.CanonicalString()
		if i, ok := seen[key]; ok {
			values[i] = v
			return
		}
		seen[key] = len(values)
		values = append(values, v)
	}
	for _, seg := range index.DirectionalSegments() {
		for _, f := range t.FieldFiltersForPath(seg.FieldPath) {
			switch f.Op {
			case Equal, In:
				set(seg.FieldPath, f.Value)
			case NotIn, NotEqual:
				set(seg.FieldPath, f.Value)
				return values
			}
		}
	}
	return nil
}

// LowerBound returns the per-segment lower bound of the index scan.
func (t *Target) LowerBound(index *model.FieldIndex) Bound {
	var values []model.Value
	inclusive := true
	for _, seg := range index.DirectionalSegments() {
		var b segmentBound
		if seg.Kind == model.Ascending {
			b = t.ascendingBound(seg.FieldPath, t.StartAt)
		} else {
			b = t.descendingBound(seg.FieldPath, t.StartAt)
		}
		values = append(values, b.value)
		inclusive = inclusive && b.inclusive
	}
	return Bound{Position: values, Inclusive: inclusive}
}

// UpperBound returns the per-segment upper bound of the index scan.
func (t *Target) UpperBound(index *model.FieldIndex) Bound {
	var values []model.Value
	inclusive := true
	for _, seg := range index.DirectionalSegments() {
		var b segmentBound
		if seg.Kind == model.Ascending {
			b = t.descendingBound(seg.FieldPath, t.EndAt)
		} else {
			b = t.ascendingBound(seg.FieldPath, t.EndAt)
		}
		values = append(values, b.value)
		inclusive = inclusive && b.inclusive
	}
	return Bound{Position: values, Inclusive: inclusive}
}

type segmentBound struct {
	value     model.Value
	inclusive bool
}

func lowerBoundCompare(a, b segmentBound) int {
	if c := model.CompareValues(a.value, b.value); c != 0 {
		return c
	}
	switch {
	case a.inclusive && !b.inclusive:
		return -1
	case !a.inclusive && b.inclusive:
		return 1
	}
	return 0
}

func upperBoundCompare(a, b segmentBound) int {
	if c := model.CompareValues(a.value, b.value); c != 0 {
		return c
	}
	switch {
	case a.inclusive && !b.inclusive:
		return 1
	case !a.inclusive && b.inclusive:
		return -1
	}
	return 0
}

// ascendingBound is the largest lower bound implied by the filters and the
// cursor on path.
func (t *Target) ascendingBound(path model.FieldPath, cursor *Bound) segmentBound {
	cur := segmentBound{value: model.Null(), inclusive: true}
	for _, f := range t.FieldFiltersForPath(path) {
		candidate := segmentBound{value: model.Null(), inclusive: true}
		switch f.Op {
		case LessThan, LessThanOrEqual:
			candidate.value = model.LowerBound(f.Value)
		case Equal, In, GreaterThanOrEqual:
			candidate.value = f.Value
		case GreaterThan:
			candidate.value = f.Value
			candidate.inclusive = false
		}
		if lowerBoundCompare(cur, candidate) < 0 {
			cur = candidate
		}
	}
	if cursor != nil {
		for i, o := range t.OrderBy {
			if !o.Field.Equal(path) {
				continue
			}
			if i < len(cursor.Position) {
				candidate := segmentBound{value: cursor.Position[i], inclusive: cursor.Inclusive}
				if lowerBoundCompare(cur, candidate) < 0 {
					cur = candidate
				}
			}
			break
		}
	}
	return cur
}

// descendingBound is the smallest upper bound implied by the filters and the
// cursor on path.
func (t *Target) descendingBound(path model.FieldPath, cursor *Bound) segmentBound {
	cur := segmentBound{value: model.MaxValue(), inclusive: true}
	for _, f := range t.FieldFiltersForPath(path) {
		candidate := segmentBound{value: model.MaxValue(), inclusive: true}
		switch f.Op {
		case GreaterThanOrEqual, GreaterThan:
			candidate.value = model.UpperBound(f.Value)
			candidate.inclusive = false
		case Equal, In, LessThanOrEqual:
			candidate.value = f.Value
		case LessThan:
			candidate.value = f.Value
			candidate.inclusive = false
		}
		if upperBoundCompare(cur, candidate) > 0 {
			cur = candidate
		}
	}
	if cursor != nil {
		for i, o := range t.OrderBy {
			if !o.Field.Equal(path) {
				continue
			}
			if i < len(cursor.Position) {
				candidate := segmentBound{value: cursor.Position[i], inclusive: cursor.Inclusive}
				if upperBoundCompare(cur, candidate) > 0 {
					cur = candidate
				}
			}
			break
		}
	}
	return cur
}
