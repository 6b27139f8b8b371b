package index

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// TargetMatcher decides whether a field index can serve a target and builds
// the index a target would ideally use.
//
// Targets passed to a matcher must be conjunctions of field filters; split
// disjunctions into their normal form terms first.
//
// An index serves a target when its segments can be mapped, in order, to:
//
//  1. the target's equality filters, in any order;
//  2. at most one inequality filter, which must also match the first
//     ordering not consumed by an equality;
//  3. a prefix of the remaining orderings.
//
// A contains segment must match an array-contains(-any) filter.
type TargetMatcher struct {
	collectionID string
	equalities   []*query.FieldFilter
	inequalities map[string]*query.FieldFilter
	orderBy      []query.OrderBy
}

// NewTargetMatcher prepares a matcher for t.
func NewTargetMatcher(t *query.Target) *TargetMatcher {
	m := &TargetMatcher{
		collectionID: t.CollectionGroup,
		inequalities: make(map[string]*query.FieldFilter),
		orderBy:      t.OrderBy,
	}
	if m.collectionID == "" {
		m.collectionID = t.Path.LastSegment()
	}
	for _, f := range t.Filters {
		for _, ff := range f.FlattenedFilters() {
			if ff.IsInequality() {
				m.inequalities[ff.Field.CanonicalString()] = ff
			} else {
				m.equalities = append(m.equalities, ff)
			}
		}
	}
	return m
}

// CollectionID is the collection group the target reads.
func (m *TargetMatcher) CollectionID() string { return m.collectionID }

func (m *TargetMatcher) hasMultipleInequality() bool { return len(m.inequalities) > 1 }

// ServedByIndex reports whether fi can serve the target, possibly partially.
// It panics when fi belongs to another collection group.
func (m *TargetMatcher) ServedByIndex(fi *model.FieldIndex) bool {
	if fi.CollectionGroup != m.collectionID {
		panic(fmt.Sprintf("index %s does not apply to collection %s", fi, m.collectionID))
	}
	if m.hasMultipleInequality() {
		return false
	}
	if seg, ok := fi.ArraySegment(); ok && !m.hasMatchingEquality(seg) {
		return false
	}

	segments := fi.DirectionalSegments()
	equalitySegments := make(map[string]bool)
	i := 0
	for ; i < len(segments); i++ {
		if !m.hasMatchingEquality(segments[i]) {
			break
		}
		equalitySegments[segments[i].FieldPath.CanonicalString()] = true
	}
	if i == len(segments) {
		return true
	}

	orderByIndex := 0
	if len(m.inequalities) > 0 {
		var inequality *query.FieldFilter
		for _, f := range m.inequalities {
			inequality = f
		}
		if !equalitySegments[inequality.Field.CanonicalString()] {
			seg := segments[i]
			if !matchesFilter(inequality, seg) || orderByIndex >= len(m.orderBy) || !matchesOrderBy(m.orderBy[orderByIndex], seg) {
				return false
			}
			orderByIndex++
		}
		i++
	}

	for ; i < len(segments); i++ {
		if orderByIndex >= len(m.orderBy) || !matchesOrderBy(m.orderBy[orderByIndex], segments[i]) {
			return false
		}
		orderByIndex++
	}
	return true
}

// BuildTargetIndex returns the index that would fully serve the target, or
// nil when the target has inequalities on more than one field.
func (m *TargetMatcher) BuildTargetIndex() *model.FieldIndex {
	if m.hasMultipleInequality() {
		return nil
	}
	unique := make(map[string]bool)
	var segments []model.IndexSegment
	for _, f := range m.equalities {
		if f.Field.IsKeyField() {
			continue
		}
		if f.Op == query.ArrayContains || f.Op == query.ArrayContainsAny {
			segments = append(segments, model.IndexSegment{FieldPath: f.Field, Kind: model.Contains})
			continue
		}
		if unique[f.Field.CanonicalString()] {
			continue
		}
		unique[f.Field.CanonicalString()] = true
		segments = append(segments, model.IndexSegment{FieldPath: f.Field, Kind: model.Ascending})
	}
	// The inequality field is covered by the normalized ordering.
	for _, o := range m.orderBy {
		if o.Field.IsKeyField() || unique[o.Field.CanonicalString()] {
			continue
		}
		unique[o.Field.CanonicalString()] = true
		kind := model.Ascending
		if o.Dir == query.Descending {
			kind = model.Descending
		}
		segments = append(segments, model.IndexSegment{FieldPath: o.Field, Kind: kind})
	}
	return &model.FieldIndex{
		IndexID:         model.UnknownIndexID,
		CollectionGroup: m.collectionID,
		Segments:        segments,
	}
}

func (m *TargetMatcher) hasMatchingEquality(seg model.IndexSegment) bool {
	for _, f := range m.equalities {
		if matchesFilter(f, seg) {
			return true
		}
	}
	return false
}

func matchesFilter(f *query.FieldFilter, seg model.IndexSegment) bool {
	if !f.Field.Equal(seg.FieldPath) {
		return false
	}
	isArray := f.Op == query.ArrayContains || f.Op == query.ArrayContainsAny
	return (seg.Kind == model.Contains) == isArray
}

func matchesOrderBy(o query.OrderBy, seg model.IndexSegment) bool {
	if !o.Field.Equal(seg.FieldPath) {
		return false
	}
	return (seg.Kind == model.Ascending && o.Dir == query.Ascending) ||
		(seg.Kind == model.Descending && o.Dir == query.Descending)
}
