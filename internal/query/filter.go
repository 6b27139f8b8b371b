// Package query defines queries and targets: filter trees, ordering, bounds,
// canonical ids and the disjunctive normal form rewrite used for index
// matching.
package query

import (
	"fmt"
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// Operator is a field filter comparison.
type Operator string

const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	NotEqual           Operator = "!="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	ArrayContains      Operator = "array-contains"
	In                 Operator = "in"
	ArrayContainsAny   Operator = "array-contains-any"
	NotIn              Operator = "not-in"
)

// ParseOperator validates s as an Operator.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case LessThan, LessThanOrEqual, Equal, NotEqual, GreaterThan, GreaterThanOrEqual,
		ArrayContains, In, ArrayContainsAny, NotIn:
		return op, nil
	}
	return "", fmt.Errorf("unknown filter operator %q", s)
}

// IsInequality reports whether op restricts a range rather than a point.
func (op Operator) IsInequality() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEqual, NotIn:
		return true
	}
	return false
}

// CompositeOp joins the children of a CompositeFilter.
type CompositeOp string

const (
	And CompositeOp = "and"
	Or  CompositeOp = "or"
)

// Filter is either a *FieldFilter or a *CompositeFilter.
type Filter interface {
	// Matches reports whether doc satisfies the filter.
	Matches(doc *model.MutableDocument) bool
	// FlattenedFilters returns every field filter in the tree.
	FlattenedFilters() []*FieldFilter
	// CanonicalID renders the filter for target identity.
	CanonicalID() string
}

// FieldFilter compares one field against a value.
type FieldFilter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

// NewFieldFilter builds a field filter.
//
// Example:
//
//	f := query.NewFieldFilter(model.MustFieldPath("age"), query.GreaterThan, model.Integer(21))
func NewFieldFilter(field model.FieldPath, op Operator, value model.Value) *FieldFilter {
	return &FieldFilter{Field: field, Op: op, Value: value}
}

// Matches implements Filter.
func (f *FieldFilter) Matches(doc *model.MutableDocument) bool {
	other, ok := doc.Field(f.Field)
	switch f.Op {
	case ArrayContains:
		return ok && other.IsArray() && model.ArrayContains(other, f.Value)
	case ArrayContainsAny:
		if !ok || !other.IsArray() {
			return false
		}
		for _, v := range f.Value.ArrayValue() {
			if model.ArrayContains(other, v) {
				return true
			}
		}
		return false
	case In:
		return ok && model.ArrayContains(f.Value, other)
	case NotIn:
		if model.ArrayContains(f.Value, model.Null()) {
			return false
		}
		return ok && !other.IsNull() && !model.ArrayContains(f.Value, other)
	case NotEqual:
		return ok && !other.IsNull() && model.CompareValues(other, f.Value) != 0
	}
	if !ok || other.TypeOrder() != f.Value.TypeOrder() {
		return false
	}
	return f.matchesComparison(model.CompareValues(other, f.Value))
}

func (f *FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	}
	panic(fmt.Sprintf("unexpected comparison operator %s", f.Op))
}

// IsInequality reports whether the filter restricts a range.
func (f *FieldFilter) IsInequality() bool { return f.Op.IsInequality() }

// FlattenedFilters implements Filter.
func (f *FieldFilter) FlattenedFilters() []*FieldFilter { return []*FieldFilter{f} }

// CanonicalID implements Filter.
func (f *FieldFilter) CanonicalID() string {
	return f.Field.CanonicalString() + string(f.Op) + model.CanonicalID(f.Value)
}

func (f *FieldFilter) String() string {
	return fmt.Sprintf("%s %s %s", f.Field.CanonicalString(), f.Op, model.CanonicalID(f.Value))
}

// CompositeFilter joins child filters with And or Or.
type CompositeFilter struct {
	Op      CompositeOp
	Filters []Filter
}

// NewCompositeFilter builds a composite filter.
func NewCompositeFilter(op CompositeOp, filters ...Filter) *CompositeFilter {
	return &CompositeFilter{Op: op, Filters: filters}
}

// Matches implements Filter. An empty conjunction matches everything and an
// empty disjunction matches nothing.
func (c *CompositeFilter) Matches(doc *model.MutableDocument) bool {
	if c.Op == And {
		for _, f := range c.Filters {
			if !f.Matches(doc) {
				return false
			}
		}
		return true
	}
	for _, f := range c.Filters {
		if f.Matches(doc) {
			return true
		}
	}
	return false
}

// FlattenedFilters implements Filter.
func (c *CompositeFilter) FlattenedFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

// IsConjunction reports whether the children are joined with And.
func (c *CompositeFilter) IsConjunction() bool { return c.Op == And }

// IsFlat reports whether every child is a field filter.
func (c *CompositeFilter) IsFlat() bool {
	for _, f := range c.Filters {
		if _, ok := f.(*FieldFilter); !ok {
			return false
		}
	}
	return true
}

// IsFlatConjunction reports whether c is an And of field filters.
func (c *CompositeFilter) IsFlatConjunction() bool { return c.IsConjunction() && c.IsFlat() }

// CanonicalID implements Filter.
func (c *CompositeFilter) CanonicalID() string {
	parts := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		parts[i] = f.CanonicalID()
	}
	if c.IsFlatConjunction() {
		return strings.Join(parts, ",")
	}
	return strings.ToUpper(string(c.Op)) + "(" + strings.Join(parts, ",") + ")"
}

func (c *CompositeFilter) String() string { return c.CanonicalID() }
