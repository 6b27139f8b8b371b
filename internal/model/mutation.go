package model

import (
	"fmt"
)

// MutationType is the variant of a Mutation.
type MutationType int

const (
	SetMutation MutationType = iota
	PatchMutation
	DeleteMutation
	VerifyMutation
)

func (t MutationType) String() string {
	switch t {
	case SetMutation:
		return "set"
	case PatchMutation:
		return "patch"
	case DeleteMutation:
		return "delete"
	case VerifyMutation:
		return "verify"
	}
	return fmt.Sprintf("MutationType(%d)", int(t))
}

// Precondition restricts when a mutation applies. The zero value has no
// precondition.
type Precondition struct {
	// Exists, when non-nil, requires the document to exist (or not).
	Exists *bool `json:"exists,omitempty"`
	// UpdateTime, when non-nil, requires the document to exist at exactly
	// this version.
	UpdateTime *SnapshotVersion `json:"updateTime,omitempty"`
}

// PreconditionNone returns the empty precondition.
func PreconditionNone() Precondition { return Precondition{} }

// PreconditionExists requires the document to exist (or not).
func PreconditionExists(exists bool) Precondition { return Precondition{Exists: &exists} }

// PreconditionUpdateTime requires the document to exist at version v.
func PreconditionUpdateTime(v SnapshotVersion) Precondition { return Precondition{UpdateTime: &v} }

// IsNone reports whether p imposes no condition.
func (p Precondition) IsNone() bool { return p.Exists == nil && p.UpdateTime == nil }

// IsValidFor reports whether doc satisfies p.
func (p Precondition) IsValidFor(doc *MutableDocument) bool {
	switch {
	case p.UpdateTime != nil:
		return doc.IsFoundDocument() && doc.Version() == *p.UpdateTime
	case p.Exists != nil:
		return *p.Exists == doc.IsFoundDocument()
	}
	return true
}

// Equal compares two preconditions.
func (p Precondition) Equal(other Precondition) bool {
	if (p.Exists == nil) != (other.Exists == nil) || (p.UpdateTime == nil) != (other.UpdateTime == nil) {
		return false
	}
	if p.Exists != nil && *p.Exists != *other.Exists {
		return false
	}
	return p.UpdateTime == nil || *p.UpdateTime == *other.UpdateTime
}

// Mutation is a single write against one document.
//
// Set replaces the document with Value. Patch merges the fields of Value
// named by Mask; a path in Mask that is absent from Value deletes the field.
// Delete removes the document. Verify only asserts its precondition.
type Mutation struct {
	Type         MutationType     `json:"type"`
	Key          DocumentKey      `json:"key"`
	Value        ObjectValue      `json:"value"`
	Mask         FieldMask        `json:"mask"`
	Precondition Precondition     `json:"precondition"`
	Transforms   []FieldTransform `json:"transforms,omitempty"`
}

// NewSetMutation replaces the document at key with data.
func NewSetMutation(key DocumentKey, data ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Type: SetMutation, Key: key, Value: data, Transforms: transforms}
}

// NewPatchMutation merges the masked fields of data into the document at
// key. By default the document must exist.
func NewPatchMutation(key DocumentKey, data ObjectValue, mask FieldMask, transforms ...FieldTransform) Mutation {
	return Mutation{Type: PatchMutation, Key: key, Value: data, Mask: mask, Precondition: PreconditionExists(true), Transforms: transforms}
}

// NewDeleteMutation deletes the document at key.
func NewDeleteMutation(key DocumentKey) Mutation {
	return Mutation{Type: DeleteMutation, Key: key}
}

// NewVerifyMutation asserts that the document at key satisfies p.
func NewVerifyMutation(key DocumentKey, p Precondition) Mutation {
	return Mutation{Type: VerifyMutation, Key: key, Precondition: p}
}

// WithPrecondition returns a copy of m with precondition p.
func (m Mutation) WithPrecondition(p Precondition) Mutation {
	m.Precondition = p
	return m
}

// MutationResult is the server's response to one mutation.
type MutationResult struct {
	// Version is the commit version of the mutated document.
	Version SnapshotVersion `json:"version"`
	// TransformResults holds one value per field transform.
	TransformResults []Value `json:"transformResults,omitempty"`
}

// ApplyToRemoteDocument applies an acknowledged mutation to doc using the
// server's result.
func (m Mutation) ApplyToRemoteDocument(doc *MutableDocument, result MutationResult) {
	verifyKey(m, doc)
	switch m.Type {
	case SetMutation:
		data := m.Value
		data.SetAll(serverTransformResults(m.Transforms, doc, result.TransformResults))
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case PatchMutation:
		if !m.Precondition.IsValidFor(doc) {
			// The backend accepted the write, so it saw a document we do not
			// have. Its contents are unknown until the next listen update.
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		transformed := serverTransformResults(m.Transforms, doc, result.TransformResults)
		data := doc.Data()
		data.SetAll(m.patch())
		data.SetAll(transformed)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case DeleteMutation:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case VerifyMutation:
	}
}

// ApplyToLocalView applies m to the local view of doc at localWriteTime.
// previousMask holds the fields mutated by earlier mutations, where nil means
// the whole document was replaced. It returns the updated mask.
func (m Mutation) ApplyToLocalView(doc *MutableDocument, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	verifyKey(m, doc)
	switch m.Type {
	case SetMutation:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		data := m.Value
		data.SetAll(localTransformResults(m.Transforms, localWriteTime, doc))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil
	case PatchMutation:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		transformed := localTransformResults(m.Transforms, localWriteTime, doc)
		data := doc.Data()
		data.SetAll(m.patch())
		data.SetAll(transformed)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.Union(m.Mask.Fields()...)
		for _, t := range m.Transforms {
			mask = mask.Union(t.Field)
		}
		return &mask
	case DeleteMutation:
		if m.Precondition.IsValidFor(doc) {
			doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
			return nil
		}
		return previousMask
	}
	return previousMask
}

// patch returns the field updates a patch mutation applies.
func (m Mutation) patch() map[string]FieldUpdate {
	out := make(map[string]FieldUpdate, m.Mask.Len())
	for _, p := range m.Mask.Fields() {
		if p.IsEmpty() {
			continue
		}
		u := FieldUpdate{Path: p}
		if v, ok := m.Value.Field(p); ok {
			u.Value = &v
		}
		out[p.CanonicalString()] = u
	}
	return out
}

// FieldTransformPaths returns the fields m transforms.
func (m Mutation) FieldTransformPaths() []FieldPath {
	out := make([]FieldPath, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = t.Field
	}
	return out
}

// Equal compares two mutations.
func (m Mutation) Equal(other Mutation) bool {
	if m.Type != other.Type || m.Key != other.Key || !m.Precondition.Equal(other.Precondition) {
		return false
	}
	if len(m.Transforms) != len(other.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Equal(other.Transforms[i]) {
			return false
		}
	}
	switch m.Type {
	case SetMutation:
		return m.Value.Equal(other.Value)
	case PatchMutation:
		return m.Value.Equal(other.Value) && m.Mask.Equal(other.Mask)
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.Key)
}

func verifyKey(m Mutation, doc *MutableDocument) {
	if m.Key != doc.Key() {
		panic(fmt.Sprintf("mutation for %s applied to document %s", m.Key, doc.Key()))
	}
}

// CalculateOverlayMutation returns the mutation that, applied to the remote
// version of doc, produces doc's current local view. mask holds the fields
// changed locally; nil means the whole document. It returns nil when doc has
// no local changes.
func CalculateOverlayMutation(doc *MutableDocument, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		var m Mutation
		if doc.IsNoDocument() {
			m = NewDeleteMutation(doc.Key())
		} else {
			m = NewSetMutation(doc.Key(), doc.Data())
		}
		return &m
	}

	docValue := doc.Data()
	patchValue := EmptyObject()
	var paths []FieldPath
	seen := make(map[string]bool)
	for _, path := range mask.Fields() {
		if seen[path.CanonicalString()] {
			continue
		}
		v, ok := docValue.Field(path)
		// A deleted nested field is expressed by re-writing its parent.
		if !ok && path.Len() > 1 {
			path = path.PopLast()
			v, ok = docValue.Field(path)
		}
		if ok {
			patchValue.Set(path, v)
		} else {
			patchValue.Delete(path)
		}
		seen[path.CanonicalString()] = true
		paths = append(paths, path)
	}
	m := Mutation{Type: PatchMutation, Key: doc.Key(), Value: patchValue, Mask: NewFieldMask(paths...)}
	return &m
}
