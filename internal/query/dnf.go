package query

// ComputeDNF rewrites filter into disjunctive normal form and returns its
// terms: each term is a *FieldFilter or a flat conjunction. `in` filters are
// first expanded into a disjunction of equalities.
//
// Composites with a single child collapse into the child and nested
// composites with the same operator are flattened into their parent. Terms
// keep the left-to-right order in which distribution produces them.
func ComputeDNF(filter Filter) []Filter {
	if c, ok := filter.(*CompositeFilter); ok && len(c.Filters) == 0 {
		return nil
	}
	result := distribute(expandIn(filter))
	if isSingleFieldFilter(result) {
		return []Filter{result}
	}
	c := result.(*CompositeFilter)
	if c.IsFlatConjunction() {
		return []Filter{c}
	}
	return c.Filters
}

func isSingleFieldFilter(f Filter) bool {
	_, ok := f.(*FieldFilter)
	return ok
}

func isDNF(f Filter) bool {
	c, ok := f.(*CompositeFilter)
	if !ok {
		return true
	}
	if c.IsFlatConjunction() {
		return true
	}
	if c.Op != Or {
		return false
	}
	for _, child := range c.Filters {
		if cc, ok := child.(*CompositeFilter); ok && !cc.IsFlatConjunction() {
			return false
		}
	}
	return true
}

// expandIn replaces every `in` filter with an Or of equalities.
func expandIn(f Filter) Filter {
	switch t := f.(type) {
	case *FieldFilter:
		if t.Op != In {
			return t
		}
		values := t.Value.ArrayValue()
		expanded := make([]Filter, len(values))
		for i, v := range values {
			expanded[i] = NewFieldFilter(t.Field, Equal, v)
		}
		return NewCompositeFilter(Or, expanded...)
	case *CompositeFilter:
		children := make([]Filter, len(t.Filters))
		for i, child := range t.Filters {
			children[i] = expandIn(child)
		}
		return NewCompositeFilter(t.Op, children...)
	}
	return f
}

func distribute(f Filter) Filter {
	c, ok := f.(*CompositeFilter)
	if !ok {
		return f
	}
	if len(c.Filters) == 1 {
		return distribute(c.Filters[0])
	}
	if isDNF(c) {
		return c
	}

	children := make([]Filter, len(c.Filters))
	for i, child := range c.Filters {
		children[i] = distribute(child)
	}
	next := associate(NewCompositeFilter(c.Op, children...))
	if isDNF(next) {
		return next
	}

	// next is a conjunction with at least one disjunction child.
	nc := next.(*CompositeFilter)
	running := nc.Filters[0]
	for _, child := range nc.Filters[1:] {
		running = distributeOver(running, child)
	}
	return running
}

// distributeOver computes lhs AND rhs with the And pushed below any Or.
func distributeOver(lhs, rhs Filter) Filter {
	var result Filter
	lc, lComposite := lhs.(*CompositeFilter)
	rc, rComposite := rhs.(*CompositeFilter)
	switch {
	case !lComposite && !rComposite:
		result = NewCompositeFilter(And, lhs, rhs)
	case lComposite && rComposite:
		result = distributeComposites(lc, rc)
	case lComposite:
		result = distributeFieldAndComposite(rhs.(*FieldFilter), lc)
	default:
		result = distributeFieldAndComposite(lhs.(*FieldFilter), rc)
	}
	return associate(result)
}

func distributeComposites(lhs, rhs *CompositeFilter) Filter {
	if lhs.IsConjunction() && rhs.IsConjunction() {
		return withAddedFilters(lhs, rhs.Filters...)
	}
	conjunction, disjunction := lhs, rhs
	if !lhs.IsConjunction() {
		conjunction, disjunction = rhs, lhs
	}
	results := make([]Filter, len(disjunction.Filters))
	for i, sub := range disjunction.Filters {
		results[i] = distributeOver(conjunction, sub)
	}
	return NewCompositeFilter(Or, results...)
}

func distributeFieldAndComposite(field *FieldFilter, composite *CompositeFilter) Filter {
	if composite.IsConjunction() {
		return withAddedFilters(composite, field)
	}
	results := make([]Filter, len(composite.Filters))
	for i, sub := range composite.Filters {
		results[i] = distributeOver(field, sub)
	}
	return NewCompositeFilter(Or, results...)
}

func withAddedFilters(c *CompositeFilter, extra ...Filter) *CompositeFilter {
	children := make([]Filter, 0, len(c.Filters)+len(extra))
	children = append(children, c.Filters...)
	children = append(children, extra...)
	return NewCompositeFilter(c.Op, children...)
}

// associate flattens nested composites that share their parent's operator
// and collapses single-child composites.
func associate(f Filter) Filter {
	c, ok := f.(*CompositeFilter)
	if !ok {
		return f
	}
	if len(c.Filters) == 1 {
		return associate(c.Filters[0])
	}
	if c.IsFlat() {
		return c
	}
	var children []Filter
	for _, child := range c.Filters {
		child = associate(child)
		if cc, ok := child.(*CompositeFilter); ok && cc.Op == c.Op {
			children = append(children, cc.Filters...)
			continue
		}
		children = append(children, child)
	}
	if len(children) == 1 {
		return children[0]
	}
	return NewCompositeFilter(c.Op, children...)
}
