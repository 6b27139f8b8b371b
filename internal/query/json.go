package query

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
)

type filterJSON struct {
	Field   string          `json:"field,omitempty"`
	Op      string          `json:"op"`
	Value   *model.Value    `json:"value,omitempty"`
	Filters []filterJSON    `json:"filters,omitempty"`
}

type orderByJSON struct {
	Field model.FieldPath `json:"field"`
	Desc  bool            `json:"desc,omitempty"`
}

type boundJSON struct {
	Position  []model.Value `json:"position"`
	Inclusive bool          `json:"inclusive"`
}

type queryJSON struct {
	Path            model.ResourcePath `json:"path"`
	CollectionGroup string             `json:"collectionGroup,omitempty"`
	Filters         []filterJSON       `json:"filters,omitempty"`
	OrderBy         []orderByJSON      `json:"orderBy,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	LimitToLast     bool               `json:"limitToLast,omitempty"`
	StartAt         *boundJSON         `json:"startAt,omitempty"`
	EndAt           *boundJSON         `json:"endAt,omitempty"`
}

func encodeFilter(f Filter) filterJSON {
	switch t := f.(type) {
	case *FieldFilter:
		v := t.Value
		return filterJSON{Field: t.Field.CanonicalString(), Op: string(t.Op), Value: &v}
	case *CompositeFilter:
		out := filterJSON{Op: string(t.Op)}
		for _, child := range t.Filters {
			out.Filters = append(out.Filters, encodeFilter(child))
		}
		return out
	}
	panic(fmt.Sprintf("unknown filter type %T", f))
}

func decodeFilter(in filterJSON) (Filter, error) {
	switch CompositeOp(in.Op) {
	case And, Or:
		children := make([]Filter, 0, len(in.Filters))
		for _, c := range in.Filters {
			f, err := decodeFilter(c)
			if err != nil {
				return nil, err
			}
			children = append(children, f)
		}
		return NewCompositeFilter(CompositeOp(in.Op), children...), nil
	}
	op, err := ParseOperator(in.Op)
	if err != nil {
		return nil, err
	}
	field, err := model.ParseFieldPath(in.Field)
	if err != nil {
		return nil, err
	}
	if in.Value == nil {
		return nil, fmt.Errorf("filter on %s has no value", in.Field)
	}
	return NewFieldFilter(field, op, *in.Value), nil
}

func encodeBound(b *Bound) *boundJSON {
	if b == nil {
		return nil
	}
	return &boundJSON{Position: b.Position, Inclusive: b.Inclusive}
}

func decodeBound(b *boundJSON) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

func encodeQuery(q Query) queryJSON {
	out := queryJSON{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Limit:           q.Limit,
		LimitToLast:     q.LimitType == LimitLast,
		StartAt:         encodeBound(q.StartAt),
		EndAt:           encodeBound(q.EndAt),
	}
	for _, f := range q.Filters {
		out.Filters = append(out.Filters, encodeFilter(f))
	}
	for _, o := range q.ExplicitOrderBy {
		out.OrderBy = append(out.OrderBy, orderByJSON{Field: o.Field, Desc: o.Dir == Descending})
	}
	return out
}

func decodeQuery(in queryJSON) (Query, error) {
	q := Query{
		Path:            in.Path,
		CollectionGroup: in.CollectionGroup,
		Limit:           in.Limit,
		StartAt:         decodeBound(in.StartAt),
		EndAt:           decodeBound(in.EndAt),
	}
	if q.Path == nil {
		q.Path = model.ResourcePath{}
	}
	if in.LimitToLast {
		q.LimitType = LimitLast
	}
	for _, fj := range in.Filters {
		f, err := decodeFilter(fj)
		if err != nil {
			return Query{}, fmt.Errorf("failed to decode filter: %w", err)
		}
		q.Filters = append(q.Filters, f)
	}
	for _, o := range in.OrderBy {
		dir := Ascending
		if o.Desc {
			dir = Descending
		}
		q.ExplicitOrderBy = append(q.ExplicitOrderBy, OrderBy{Field: o.Field, Dir: dir})
	}
	return q, nil
}

// MarshalJSON implements json.Marshaler.
func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodeQuery(q))
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Query) UnmarshalJSON(data []byte) error {
	var in queryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode query: %w", err)
	}
	decoded, err := decodeQuery(in)
	if err != nil {
		return err
	}
	*q = decoded
	return nil
}

// MarshalJSON implements json.Marshaler. The order by list is stored in its
// normalized form.
func (t *Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodeQuery(t.Query()))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Target) UnmarshalJSON(data []byte) error {
	var q Query
	if err := q.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         q.ExplicitOrderBy,
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	return nil
}
