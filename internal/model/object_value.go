package model

import (
	"sort"

	"github.com/goccy/go-json"
)

// ObjectValue is the field tree of a document. Updates are copy-on-write
// along the modified path, so copies of an ObjectValue share untouched
// subtrees and never observe each other's writes.
type ObjectValue struct {
	fields map[string]Value
}

// NewObjectValue wraps fields. The top level map is copied.
func NewObjectValue(fields map[string]Value) ObjectValue {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return ObjectValue{fields: cp}
}

// EmptyObject returns an object without fields.
func EmptyObject() ObjectValue { return ObjectValue{} }

// ObjectFromGo converts a native map.
func ObjectFromGo(m map[string]any) (ObjectValue, error) {
	v, err := FromGo(m)
	if err != nil {
		return ObjectValue{}, err
	}
	return ObjectValue{fields: v.m}, nil
}

// Fields returns the top level fields. Callers must not modify the map.
func (o ObjectValue) Fields() map[string]Value { return o.fields }

// Len returns the number of top level fields.
func (o ObjectValue) Len() int { return len(o.fields) }

// Value returns the object as a map Value.
func (o ObjectValue) Value() Value { return Value{kind: KindMap, m: o.fields} }

// Field returns the value at path.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.Value(), true
	}
	cur := o.fields
	for i, seg := range path {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		cur = v.m
	}
	return Value{}, false
}

// Set writes v at path, creating intermediate maps as needed.
func (o *ObjectValue) Set(path FieldPath, v Value) {
	if path.IsEmpty() {
		if v.kind == KindMap {
			o.fields = v.m
		}
		return
	}
	o.fields = setIn(o.fields, path, &v)
}

// Delete removes the value at path. Missing paths are ignored.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		return
	}
	o.fields = setIn(o.fields, path, nil)
}

// SetAll applies a patch: a nil value deletes the field. Paths are applied
// in ascending order.
func (o *ObjectValue) SetAll(patch map[string]FieldUpdate) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		u := patch[k]
		if u.Value == nil {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, *u.Value)
		}
	}
}

// FieldUpdate is one entry of a patch passed to SetAll.
type FieldUpdate struct {
	Path  FieldPath
	Value *Value
}

// setIn returns a copy of m with path set to v (or deleted when v is nil).
func setIn(m map[string]Value, path FieldPath, v *Value) map[string]Value {
	head := path[0]
	cp := make(map[string]Value, len(m)+1)
	for k, e := range m {
		cp[k] = e
	}
	if len(path) == 1 {
		if v == nil {
			delete(cp, head)
		} else {
			cp[head] = *v
		}
		return cp
	}
	child, ok := cp[head]
	if !ok || child.kind != KindMap {
		if v == nil {
			return cp
		}
		child = Value{kind: KindMap}
	}
	cp[head] = Value{kind: KindMap, m: setIn(child.m, path[1:], v)}
	return cp
}

// FieldMask returns the mask of all leaf fields. Empty maps count as leaves.
func (o ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath
	collectLeafPaths(o.fields, nil, &paths)
	return NewFieldMask(paths...)
}

func collectLeafPaths(m map[string]Value, prefix FieldPath, out *[]FieldPath) {
	for k, v := range m {
		p := prefix.Child(k)
		if v.kind == KindMap && len(v.m) > 0 {
			collectLeafPaths(v.m, p, out)
			continue
		}
		*out = append(*out, p)
	}
}

// Equal reports deep equality.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return EqualValues(o.Value(), other.Value())
}

// ToGo converts the object into a native map.
func (o ObjectValue) ToGo() map[string]any {
	out, _ := o.Value().ToGo().(map[string]any)
	return out
}

func (o ObjectValue) String() string { return CanonicalID(o.Value()) }

// MarshalJSON encodes the fields as a JSON object of tagged values.
func (o ObjectValue) MarshalJSON() ([]byte, error) {
	if o.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	o.fields = fields
	return nil
}
