package model

import (
	"fmt"
	"math"
)

// TransformKind identifies a field transform operation.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

// TransformOperation describes how a transform computes its new value.
type TransformOperation struct {
	Kind TransformKind `json:"kind"`
	// Elements holds the operands of array union/remove.
	Elements []Value `json:"elements,omitempty"`
	// Operand is the numeric increment.
	Operand Value `json:"operand"`
}

// FieldTransform applies an operation to one field.
type FieldTransform struct {
	Field     FieldPath          `json:"field"`
	Operation TransformOperation `json:"operation"`
}

// ServerTimestampTransform sets field to the commit time.
func ServerTimestampTransform(field FieldPath) FieldTransform {
	return FieldTransform{Field: field, Operation: TransformOperation{Kind: TransformServerTimestamp}}
}

// ArrayUnionTransform appends elements not already present.
func ArrayUnionTransform(field FieldPath, elems ...Value) FieldTransform {
	return FieldTransform{Field: field, Operation: TransformOperation{Kind: TransformArrayUnion, Elements: elems}}
}

// ArrayRemoveTransform removes every element equal to one of elems.
func ArrayRemoveTransform(field FieldPath, elems ...Value) FieldTransform {
	return FieldTransform{Field: field, Operation: TransformOperation{Kind: TransformArrayRemove, Elements: elems}}
}

// IncrementTransform adds operand, which must be a number.
func IncrementTransform(field FieldPath, operand Value) FieldTransform {
	return FieldTransform{Field: field, Operation: TransformOperation{Kind: TransformIncrement, Operand: operand}}
}

// Equal compares two transforms.
func (t FieldTransform) Equal(other FieldTransform) bool {
	if !t.Field.Equal(other.Field) || t.Operation.Kind != other.Operation.Kind {
		return false
	}
	if len(t.Operation.Elements) != len(other.Operation.Elements) {
		return false
	}
	for i := range t.Operation.Elements {
		if !EqualValues(t.Operation.Elements[i], other.Operation.Elements[i]) {
			return false
		}
	}
	return EqualValues(t.Operation.Operand, other.Operation.Operand)
}

// applyToLocalView computes the optimistic result of the transform.
func (op TransformOperation) applyToLocalView(previous *Value, localWriteTime Timestamp) Value {
	switch op.Kind {
	case TransformServerTimestamp:
		return ServerTimestamp(localWriteTime, previous)
	case TransformArrayUnion:
		return op.arrayUnion(previous)
	case TransformArrayRemove:
		return op.arrayRemove(previous)
	case TransformIncrement:
		return op.increment(previous)
	}
	panic(fmt.Sprintf("unknown transform kind %d", op.Kind))
}

// applyToRemoteDocument computes the committed result. Array transforms are
// recomputed locally; the others use the server's result.
func (op TransformOperation) applyToRemoteDocument(previous *Value, result *Value) Value {
	switch op.Kind {
	case TransformArrayUnion:
		return op.arrayUnion(previous)
	case TransformArrayRemove:
		return op.arrayRemove(previous)
	}
	if result == nil {
		return op.applyToLocalView(previous, Timestamp{})
	}
	return *result
}

func coercedArray(previous *Value) []Value {
	if previous == nil || !previous.IsArray() {
		return nil
	}
	out := make([]Value, len(previous.arr))
	copy(out, previous.arr)
	return out
}

func (op TransformOperation) arrayUnion(previous *Value) Value {
	values := coercedArray(previous)
	for _, e := range op.Elements {
		found := false
		for _, v := range values {
			if EqualValues(v, e) {
				found = true
				break
			}
		}
		if !found {
			values = append(values, e)
		}
	}
	return Value{kind: KindArray, arr: values}
}

func (op TransformOperation) arrayRemove(previous *Value) Value {
	values := coercedArray(previous)
	out := values[:0]
	for _, v := range values {
		remove := false
		for _, e := range op.Elements {
			if EqualValues(v, e) {
				remove = true
				break
			}
		}
		if !remove {
			out = append(out, v)
		}
	}
	return Value{kind: KindArray, arr: out}
}

func (op TransformOperation) increment(previous *Value) Value {
	base := Integer(0)
	if previous != nil && previous.IsNumber() {
		base = *previous
	}
	if base.kind == KindInteger && op.Operand.kind == KindInteger {
		return Integer(saturatingAdd(base.i, op.Operand.i))
	}
	return Double(base.Number() + op.Operand.Number())
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	}
	return sum
}

func localTransformResults(transforms []FieldTransform, localWriteTime Timestamp, doc *MutableDocument) map[string]FieldUpdate {
	out := make(map[string]FieldUpdate, len(transforms))
	for _, t := range transforms {
		var previous *Value
		if v, ok := doc.Data().Field(t.Field); ok {
			previous = &v
		}
		result := t.Operation.applyToLocalView(previous, localWriteTime)
		out[t.Field.CanonicalString()] = FieldUpdate{Path: t.Field, Value: &result}
	}
	return out
}

func serverTransformResults(transforms []FieldTransform, doc *MutableDocument, results []Value) map[string]FieldUpdate {
	out := make(map[string]FieldUpdate, len(transforms))
	for i, t := range transforms {
		var previous, result *Value
		if v, ok := doc.Data().Field(t.Field); ok {
			previous = &v
		}
		if i < len(results) {
			r := results[i]
			result = &r
		}
		v := t.Operation.applyToRemoteDocument(previous, result)
		out[t.Field.CanonicalString()] = FieldUpdate{Path: t.Field, Value: &v}
	}
	return out
}

// CommitTransformResults returns the values a backend assigns to m's
// transforms when it commits m against doc at commitTime.
func (m Mutation) CommitTransformResults(doc *MutableDocument, commitTime Timestamp) []Value {
	out := make([]Value, len(m.Transforms))
	for i, t := range m.Transforms {
		var previous *Value
		if v, ok := doc.Data().Field(t.Field); ok {
			previous = &v
		}
		if t.Operation.Kind == TransformServerTimestamp {
			out[i] = TimestampValue(commitTime)
			continue
		}
		out[i] = t.Operation.applyToLocalView(previous, commitTime)
	}
	return out
}
