package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// Direction is the sort direction of an OrderBy.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// OrderBy sorts results by one field.
type OrderBy struct {
	Field model.FieldPath
	Dir   Direction
}

func (o OrderBy) compare(a, b *model.MutableDocument) int {
	var c int
	if o.Field.IsKeyField() {
		c = a.Key().Compare(b.Key())
	} else {
		av, aok := a.Field(o.Field)
		bv, bok := b.Field(o.Field)
		if !aok || !bok {
			panic("trying to compare documents on fields that do not exist")
		}
		c = model.CompareValues(av, bv)
	}
	if o.Dir == Descending {
		return -c
	}
	return c
}

func (o OrderBy) canonicalID() string {
	return o.Field.CanonicalString() + o.Dir.String()
}

// Bound is a query cursor position. Position holds one value per ordering
// of the target; Inclusive reports whether documents at the position match.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) canonicalID() string {
	var sb strings.Builder
	if b.Inclusive {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(model.CanonicalID(v))
	}
	return sb.String()
}

// compareToDocument compares the bound position with doc under orderBy.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.MutableDocument) int {
	c := 0
	for i, v := range b.Position {
		o := orderBy[i]
		if o.Field.IsKeyField() {
			c = v.ReferenceValue().Compare(doc.Key())
		} else {
			dv, _ := doc.Field(o.Field)
			c = model.CompareValues(v, dv)
		}
		if o.Dir == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

// sortsBeforeDocument reports whether a start bound admits doc.
func (b *Bound) sortsBeforeDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// sortsAfterDocument reports whether an end bound admits doc.
func (b *Bound) sortsAfterDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// LimitType distinguishes limit from limitToLast queries.
type LimitType int

const (
	LimitFirst LimitType = iota
	LimitLast
)

// Query is a user query over a collection, a collection group or a single
// document. Query values are immutable; the builder methods return copies.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	// Limit is the maximum number of results, or 0 for no limit.
	Limit     int
	LimitType LimitType
	StartAt   *Bound
	EndAt     *Bound
}

// NewQuery returns a query over the collection or document at path.
func NewQuery(path model.ResourcePath) Query {
	return Query{Path: path}
}

// NewCollectionGroupQuery returns a query over every collection named
// group.
func NewCollectionGroupQuery(group string) Query {
	return Query{Path: model.ResourcePath{}, CollectionGroup: group}
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(f Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), f)
	return q
}

// OrderBy returns a copy of q with an additional ordering.
func (q Query) OrderBy(field model.FieldPath, dir Direction) Query {
	q.ExplicitOrderBy = append(append([]OrderBy(nil), q.ExplicitOrderBy...), OrderBy{Field: field, Dir: dir})
	return q
}

// WithLimit returns a copy of q keeping the first n results.
func (q Query) WithLimit(n int) Query {
	q.Limit, q.LimitType = n, LimitFirst
	return q
}

// WithLimitToLast returns a copy of q keeping the last n results.
func (q Query) WithLimitToLast(n int) Query {
	q.Limit, q.LimitType = n, LimitLast
	return q
}

// WithStartAt returns a copy of q with a start cursor.
func (q Query) WithStartAt(b Bound) Query {
	q.StartAt = &b
	return q
}

// WithEndAt returns a copy of q with an end cursor.
func (q Query) WithEndAt(b Bound) Query {
	q.EndAt = &b
	return q
}

// AsCollectionQueryAtPath turns a collection group query into a query over
// the concrete collection at path.
func (q Query) AsCollectionQueryAtPath(path model.ResourcePath) Query {
	q.Path = path
	q.CollectionGroup = ""
	return q
}

// IsDocumentQuery reports whether q addresses a single document.
func (q Query) IsDocumentQuery() bool {
	return q.Path.IsDocumentPath() && q.CollectionGroup == "" && len(q.Filters) == 0
}

// IsCollectionGroupQuery reports whether q spans a collection group.
func (q Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// HasLimit reports whether q limits its results.
func (q Query) HasLimit() bool { return q.Limit > 0 }

// MatchesAllDocuments reports whether q is an unfiltered, unbounded
// collection scan.
func (q Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.Limit > 0 || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	return len(q.ExplicitOrderBy) == 0 || (len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// InequalityFields returns the fields constrained by inequality filters in
// canonical order.
func (q Query) InequalityFields() []model.FieldPath {
	var out []model.FieldPath
	seen := make(map[string]bool)
	for _, f := range q.Filters {
		for _, ff := range f.FlattenedFilters() {
			if ff.IsInequality() && !seen[ff.Field.CanonicalString()] {
				seen[ff.Field.CanonicalString()] = true
				out = append(out, ff.Field)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// NormalizedOrderBy returns the explicit orderings followed by any
// inequality fields not already ordered and finally the key, all using the
// direction of the last explicit ordering.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	seen := make(map[string]bool)
	for _, o := range out {
		seen[o.Field.CanonicalString()] = true
	}
	dir := Ascending
	if len(out) > 0 {
		dir = out[len(out)-1].Dir
	}
	for _, f := range q.InequalityFields() {
		if !seen[f.CanonicalString()] && !f.IsKeyField() {
			seen[f.CanonicalString()] = true
			out = append(out, OrderBy{Field: f, Dir: dir})
		}
	}
	if !seen[model.KeyFieldName] {
		out = append(out, OrderBy{Field: model.KeyFieldPath(), Dir: dir})
	}
	return out
}

// Comparator returns the ordering of q's results.
func (q Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *model.MutableDocument) int {
		for _, o := range orderBy {
			if c := o.compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

// Matches reports whether doc belongs to q's result set, ignoring limits.
func (q Query) Matches(doc *model.MutableDocument) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q Query) matchesPath(doc *model.MutableDocument) bool {
	docPath := doc.Key().Path()
	if q.CollectionGroup != "" {
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(docPath)
	}
	if q.Path.IsDocumentPath() {
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

func (q Query) matchesOrderBy(doc *model.MutableDocument) bool {
	for _, o := range q.ExplicitOrderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	return true
}

func (q Query) matchesFilters(doc *model.MutableDocument) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q Query) matchesBounds(doc *model.MutableDocument) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.sortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// ToTarget converts q into the target sent to the backend. Limit-to-last
// queries are flipped into limit queries with reversed ordering and cursors.
func (q Query) ToTarget() *Target {
	orderBy := q.NormalizedOrderBy()
	t := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         orderBy,
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	if q.LimitType == LimitLast {
		flipped := make([]OrderBy, len(orderBy))
		for i, o := range orderBy {
			dir := Descending
			if o.Dir == Descending {
				dir = Ascending
			}
			flipped[i] = OrderBy{Field: o.Field, Dir: dir}
		}
		t.OrderBy = flipped
		t.StartAt, t.EndAt = nil, nil
		if q.EndAt != nil {
			t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
		}
		if q.StartAt != nil {
			t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
		}
	}
	return t
}

// CanonicalID identifies q, including its limit type.
func (q Query) CanonicalID() string {
	return q.ToTarget().CanonicalID() + "|lt:" + strconv.Itoa(int(q.LimitType))
}

func (q Query) String() string { return "Query(" + q.CanonicalID() + ")" }
