package model

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(t *testing.T, m map[string]any) ObjectValue {
	t.Helper()
	o, err := ObjectFromGo(m)
	require.NoError(t, err)
	return o
}

func TestSetMutationLocalView(t *testing.T) {
	key := Key("c/1")
	doc := NewFoundDocument(key, Version(1, 0), obj(t, map[string]any{"a": 1}))

	m := NewSetMutation(key, obj(t, map[string]any{"name": "A"}))
	mask := m.ApplyToLocalView(doc, &FieldMask{}, Timestamp{Seconds: 10})

	assert.Nil(t, mask)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())
	assert.Equal(t, "{name:A}", doc.Data().String())
}

func TestPatchRequiresExistingDocument(t *testing.T) {
	key := Key("c/1")
	doc := NewInvalidDocument(key)

	m := NewPatchMutation(key, obj(t, map[string]any{"a": 1}), NewFieldMask(MustFieldPath("a")))
	empty := &FieldMask{}
	mask := m.ApplyToLocalView(doc, empty, Timestamp{})

	assert.Same(t, empty, mask)
	assert.False(t, doc.IsValidDocument())
}

func TestPatchAcknowledgedWithoutBaseBecomesUnknown(t *testing.T) {
	key := Key("c/1")
	doc := NewNoDocument(key, Version(1, 0))

	m := NewPatchMutation(key, obj(t, map[string]any{"a": 1}), NewFieldMask(MustFieldPath("a")))
	m.ApplyToRemoteDocument(doc, MutationResult{Version: Version(5, 0)})

	assert.True(t, doc.IsUnknownDocument())
	assert.Equal(t, Version(5, 0), doc.Version())
	assert.True(t, doc.HasCommittedMutations())
}

func TestTransformsLocalAndRemote(t *testing.T) {
	key := Key("c/1")
	base := NewFoundDocument(key, Version(1, 0), obj(t, map[string]any{
		"count": 1,
		"tags":  []any{"a", "b"},
		"old":   []any{"x", "y"},
	}))

	m := NewPatchMutation(key, EmptyObject(), NewFieldMask(),
		IncrementTransform(MustFieldPath("count"), Integer(2)),
		ArrayUnionTransform(MustFieldPath("tags"), String("b"), String("c")),
		ArrayRemoveTransform(MustFieldPath("old"), String("x")),
		ServerTimestampTransform(MustFieldPath("updated")),
	)

	local := base.Clone()
	m.ApplyToLocalView(local, &FieldMask{}, Timestamp{Seconds: 42})
	count, _ := local.Field(MustFieldPath("count"))
	assert.EqualValues(t, 3, count.IntegerValue())
	tags, _ := local.Field(MustFieldPath("tags"))
	assert.Equal(t, "[a,b,c]", CanonicalID(tags))
	old, _ := local.Field(MustFieldPath("old"))
	assert.Equal(t, "[y]", CanonicalID(old))
	updated, _ := local.Field(MustFieldPath("updated"))
	assert.Equal(t, KindServerTimestamp, updated.Kind())

	remote := base.Clone()
	m.ApplyToRemoteDocument(remote, MutationResult{
		Version: Version(2, 0),
		TransformResults: []Value{
			Integer(3), Null(), Null(), TimestampValue(Timestamp{Seconds: 99}),
		},
	})
	updated, _ = remote.Field(MustFieldPath("updated"))
	assert.Equal(t, KindTimestamp, updated.Kind())
	assert.EqualValues(t, 99, updated.TimestampValue().Seconds)
	assert.True(t, remote.HasCommittedMutations())
}

func TestIncrementSaturates(t *testing.T) {
	op := TransformOperation{Kind: TransformIncrement, Operand: Integer(1)}
	max := Integer(1<<63 - 1)
	assert.EqualValues(t, int64(1<<63-1), op.increment(&max).IntegerValue())

	dbl := TransformOperation{Kind: TransformIncrement, Operand: Double(0.5)}
	assert.Equal(t, 1.5, dbl.increment(&Value{kind: KindInteger, i: 1}).DoubleValue())
}

func TestCalculateOverlayForDeletedNestedField(t *testing.T) {
	key := Key("c/1")
	doc := NewFoundDocument(key, Version(1, 0), obj(t, map[string]any{
		"n": map[string]any{"x": 1},
	}))

	m := NewPatchMutation(key, EmptyObject(), NewFieldMask(MustFieldPath("n.x")))
	mask := m.ApplyToLocalView(doc, &FieldMask{}, Timestamp{})
	overlay := CalculateOverlayMutation(doc, mask)
	require.NotNil(t, overlay)
	assert.Equal(t, PatchMutation, overlay.Type)
	assert.Equal(t, "{n}", overlay.Mask.String())
}

// TestOverlayReplayEquivalence checks that the overlay computed from a
// sequence of local writes reproduces the same document when applied to the
// synced base document.
func TestOverlayReplayEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	key := Key("c/1")
	fields := []string{"a", "b", "n.x", "n.y"}

	randomMutation := func() Mutation {
		switch rng.Intn(5) {
		case 0:
			return NewSetMutation(key, obj(t, map[string]any{"a": rng.Intn(3), "n": map[string]any{"x": "s"}}))
		case 1:
			return NewDeleteMutation(key)
		case 2:
			return NewPatchMutation(key, EmptyObject(), NewFieldMask(),
				IncrementTransform(MustFieldPath("b"), Integer(1))).WithPrecondition(PreconditionNone())
		default:
			f := MustFieldPath(fields[rng.Intn(len(fields))])
			data := EmptyObject()
			if rng.Intn(3) > 0 {
				data.Set(f, Integer(int64(rng.Intn(10))))
			}
			p := PreconditionExists(true)
			if rng.Intn(2) == 0 {
				p = PreconditionNone()
			}
			return NewPatchMutation(key, data, NewFieldMask(f)).WithPrecondition(p)
		}
	}

	bases := []*MutableDocument{
		NewFoundDocument(key, Version(1, 0), obj(t, map[string]any{"a": 1, "n": map[string]any{"x": 1, "y": 2}})),
		NewNoDocument(key, Version(1, 0)),
		NewInvalidDocument(key),
	}

	for run := 0; run < 300; run++ {
		base := bases[run%len(bases)]
		t.Run(fmt.Sprintf("run%d", run), func(t *testing.T) {
			doc := base.Clone()
			mask := &FieldMask{}
			var applied []Mutation
			n := 1 + rng.Intn(5)
			for i := 0; i < n; i++ {
				m := randomMutation()
				applied = append(applied, m)
				mask = m.ApplyToLocalView(doc, mask, Timestamp{Seconds: 100})
			}
			if !base.IsValidDocument() {
				mask = nil
			}

			overlay := CalculateOverlayMutation(doc, mask)
			replayed := base.Clone()
			if overlay != nil {
				overlay.ApplyToLocalView(replayed, &FieldMask{}, Timestamp{Seconds: 100})
			}

			if !doc.HasLocalMutations() {
				assert.Nil(t, overlay, "%v", applied)
				return
			}
			assert.Equal(t, doc.Type(), replayed.Type(), "%v", applied)
			assert.True(t, doc.Data().Equal(replayed.Data()), "%v: want %v got %v", applied, doc.Data(), replayed.Data())
		})
	}
}
