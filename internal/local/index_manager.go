package local

import (
	"fmt"
	"sort"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/index"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/schema"
)

// IndexManager maintains the collection parent index and the user's field
// indexes, and answers targets from them.
type IndexManager struct {
	uid string
	// parents caches collectionID -> parent paths known to be persisted.
	parents map[string]map[string]bool
}

// NewIndexManager returns the index manager of user.
func NewIndexManager(user model.User) *IndexManager {
	return &IndexManager{uid: user.UID, parents: make(map[string]map[string]bool)}
}

// AddToCollectionParentIndex records that collection exists under its
// parent so collection group queries can find it.
func (m *IndexManager) AddToCollectionParentIndex(tx *persistence.Transaction, collection model.ResourcePath) error {
	errs.Assert(collection.Len()%2 == 1, "expected a collection path, got %s", collection)
	id := collection.LastSegment()
	parent := collection.Parent()
	if m.parents[id][parent.CanonicalString()] {
		return nil
	}
	if err := tx.Store(schema.CollectionParents).Put(schema.CollectionParentKey(id, parent), []byte{}); err != nil {
		return fmt.Errorf("failed to index parent of %s: %w", collection, err)
	}
	tx.AddOnCommittedListener(func() {
		if m.parents[id] == nil {
			m.parents[id] = make(map[string]bool)
		}
		m.parents[id][parent.CanonicalString()] = true
	})
	return nil
}

// GetCollectionParents returns every parent path that holds a collection
// named collectionID.
func (m *IndexManager) GetCollectionParents(tx *persistence.Transaction, collectionID string) ([]model.ResourcePath, error) {
	var out []model.ResourcePath
	err := tx.Store(schema.CollectionParents).Iterate(persistence.PrefixRange(schema.CollectionParentPrefix(collectionID)), false, func(k, _ []byte) error {
		p, err := schema.DecodeCollectionParentKey(k)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// AddFieldIndex persists fi under a new index id and returns the id. The
// index starts unbackfilled.
func (m *IndexManager) AddFieldIndex(tx *persistence.Transaction, fi *model.FieldIndex) (int, error) {
	id := 1
	err := tx.Store(schema.IndexConfiguration).Iterate(persistence.Everything(), true, func(_, v []byte) error {
		row, err := schema.Decode[schema.IndexConfigRow](v)
		if err != nil {
			return err
		}
		id = row.IndexID + 1
		return persistence.ErrStop
	})
	if err != nil {
		return 0, err
	}
	row := &schema.IndexConfigRow{IndexID: id, CollectionGroup: fi.CollectionGroup, Segments: fi.Segments}
	if err := persistence.PutRow(tx.Store(schema.IndexConfiguration), schema.IndexConfigurationKey(id), row); err != nil {
		return 0, fmt.Errorf("failed to add index %s: %w", fi, err)
	}
	state := &schema.IndexStateRow{UserID: m.uid, IndexID: id, SequenceNumber: model.InitialSequenceNumber, Offset: model.MinOffset()}
	if err := persistence.PutRow(tx.Store(schema.IndexState), schema.IndexStateKey(m.uid, id), state); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteFieldIndex removes fi, its backfill state for every user and all of
// its entries.
func (m *IndexManager) DeleteFieldIndex(tx *persistence.Transaction, fi *model.FieldIndex) error {
	if err := tx.Store(schema.IndexConfiguration).Delete(schema.IndexConfigurationKey(fi.IndexID)); err != nil {
		return err
	}
	var states [][]byte
	err := persistence.IterateRows[schema.IndexStateRow](tx.Store(schema.IndexState), persistence.Everything(), false,
		func(k []byte, row *schema.IndexStateRow) error {
			if row.IndexID == fi.IndexID {
				states = append(states, k)
			}
			return nil
		})
	if err != nil {
		return err
	}
	for _, k := range states {
		if err := tx.Store(schema.IndexState).Delete(k); err != nil {
			return err
		}
	}
	entries := persistence.PrefixRange(schema.IndexEntryIndexPrefix(fi.IndexID))
	if err := tx.Store(schema.IndexEntries).DeleteRange(entries); err != nil {
		return err
	}
	return tx.Store(schema.IndexEntriesByDocument).DeleteRange(entries)
}

// DeleteAllFieldIndexes removes every field index and entry.
func (m *IndexManager) DeleteAllFieldIndexes(tx *persistence.Transaction) error {
	for _, name := range []string{schema.IndexConfiguration, schema.IndexState, schema.IndexEntries, schema.IndexEntriesByDocument} {
		if err := tx.Store(name).DeleteRange(persistence.Everything()); err != nil {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
	}
	return nil
}

// GetFieldIndexes returns the indexes of collectionGroup, or every index
// when collectionGroup is empty, with this user's backfill state.
func (m *IndexManager) GetFieldIndexes(tx *persistence.Transaction, collectionGroup string) ([]*model.FieldIndex, error) {
	var out []*model.FieldIndex
	err := persistence.IterateRows[schema.IndexConfigRow](tx.Store(schema.IndexConfiguration), persistence.Everything(), false,
		func(_ []byte, row *schema.IndexConfigRow) error {
			if collectionGroup != "" && row.CollectionGroup != collectionGroup {
				return nil
			}
			fi := &model.FieldIndex{
				IndexID:         row.IndexID,
				CollectionGroup: row.CollectionGroup,
				Segments:        row.Segments,
				State:           model.IndexState{SequenceNumber: model.InitialSequenceNumber, Offset: model.MinOffset()},
			}
			out = append(out, fi)
			return nil
		})
	if err != nil {
		return nil, err
	}
	for _, fi := range out {
		state, err := persistence.GetRow[schema.IndexStateRow](tx.Store(schema.IndexState), schema.IndexStateKey(m.uid, fi.IndexID))
		if err != nil {
			return nil, err
		}
		if state != nil {
			fi.State = model.IndexState{SequenceNumber: state.SequenceNumber, Offset: state.Offset}
		}
	}
	return out, nil
}

// subTargets splits t into one conjunctive target per term of the
// disjunctive normal form of its filters.
func subTargets(t *query.Target) []*query.Target {
	if len(t.Filters) == 0 {
		return []*query.Target{t}
	}
	terms := query.ComputeDNF(query.NewCompositeFilter(query.And, t.Filters...))
	out := make([]*query.Target, 0, len(terms))
	for _, term := range terms {
		sub := *t
		if c, ok := term.(*query.CompositeFilter); ok {
			sub.Filters = c.Filters
		} else {
			sub.Filters = []query.Filter{term}
		}
		out = append(out, &sub)
	}
	return out
}

// fieldIndexFor returns the index serving t with the most segments, or nil.
func (m *IndexManager) fieldIndexFor(tx *persistence.Transaction, t *query.Target) (*model.FieldIndex, error) {
	matcher := index.NewTargetMatcher(t)
	candidates, err := m.GetFieldIndexes(tx, matcher.CollectionID())
	if err != nil {
		return nil, err
	}
	var best *model.FieldIndex
	for _, fi := range candidates {
		if matcher.ServedByIndex(fi) && (best == nil || len(fi.Segments) > len(best.Segments)) {
			best = fi
		}
	}
	return best, nil
}

// GetIndexType reports how well the configured indexes serve t.
func (m *IndexManager) GetIndexType(tx *persistence.Transaction, t *query.Target) (index.Type, error) {
	result := index.Full
	subs := subTargets(t)
	for _, sub := range subs {
		fi, err := m.fieldIndexFor(tx, sub)
		if err != nil {
			return index.None, err
		}
		if fi == nil {
			return index.None, nil
		}
		if len(fi.Segments) < sub.SegmentCount() {
			result = index.Partial
		}
	}
	// A limit cannot be applied across the merged results of several
	// index scans.
	if t.HasLimit() && len(subs) > 1 && result == index.Full {
		return index.Partial, nil
	}
	return result, nil
}

// CreateTargetIndexes adds the indexes that would fully serve t.
func (m *IndexManager) CreateTargetIndexes(tx *persistence.Transaction, t *query.Target) error {
	for _, sub := range subTargets(t) {
		typ, err := m.GetIndexType(tx, sub)
		if err != nil {
			return err
		}
		if typ == index.Full {
			continue
		}
		fi := index.NewTargetMatcher(sub).BuildTargetIndex()
		if fi == nil || len(fi.Segments) == 0 {
			continue
		}
		if _, err := m.AddFieldIndex(tx, fi); err != nil {
			return err
		}
	}
	return nil
}

// GetDocumentsMatchingTarget scans the indexes serving t and returns the
// matching keys in key order. It returns nil when some term of t has no
// index.
func (m *IndexManager) GetDocumentsMatchingTarget(tx *persistence.Transaction, t *query.Target) ([]model.DocumentKey, error) {
	keys := model.NewDocumentKeySet()
	store := tx.Store(schema.IndexEntries)
	for _, sub := range subTargets(t) {
		fi, err := m.fieldIndexFor(tx, sub)
		if err != nil {
			return nil, err
		}
		if fi == nil {
			return nil, nil
		}
		for _, sr := range index.ScanRanges(fi, sub) {
			prefix := schema.IndexEntryPrefix(fi.IndexID, m.uid, sr.ArrayValue)
			r := persistence.Range{Start: schema.IndexEntryBound(prefix, sr.Lower), End: encoding.PrefixEnd(prefix)}
			if sr.Upper != nil {
				r.End = schema.IndexEntryBound(prefix, sr.Upper)
			}
			err := store.Iterate(r, false, func(k, _ []byte) error {
				key, err := schema.DecodeIndexEntryKey(k)
				if err != nil {
					return err
				}
				keys.Add(key)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to scan index %d: %w", fi.IndexID, err)
			}
		}
	}
	return keys.Sorted(), nil
}

// GetMinOffset returns the smallest backfill offset of the indexes serving
// t. Documents after it must still be scanned.
func (m *IndexManager) GetMinOffset(tx *persistence.Transaction, t *query.Target) (model.IndexOffset, error) {
	var indexes []*model.FieldIndex
	for _, sub := range subTargets(t) {
		fi, err := m.fieldIndexFor(tx, sub)
		if err != nil {
			return model.IndexOffset{}, err
		}
		if fi != nil {
			indexes = append(indexes, fi)
		}
	}
	return minOffset(indexes), nil
}

// GetMinOffsetForCollectionGroup returns the smallest backfill offset of
// the indexes of group.
func (m *IndexManager) GetMinOffsetForCollectionGroup(tx *persistence.Transaction, group string) (model.IndexOffset, error) {
	indexes, err := m.GetFieldIndexes(tx, group)
	if err != nil {
		return model.IndexOffset{}, err
	}
	return minOffset(indexes), nil
}

func minOffset(indexes []*model.FieldIndex) model.IndexOffset {
	if len(indexes) == 0 {
		return model.MinOffset()
	}
	offset := indexes[0].State.Offset
	maxBatchID := offset.LargestBatchID
	for _, fi := range indexes[1:] {
		if fi.State.Offset.Compare(offset) < 0 {
			offset = fi.State.Offset
		}
		maxBatchID = max(maxBatchID, fi.State.Offset.LargestBatchID)
	}
	return model.IndexOffset{ReadTime: offset.ReadTime, DocumentKey: offset.DocumentKey, LargestBatchID: maxBatchID}
}

// GetNextCollectionGroupToUpdate returns the collection group whose indexes
// were backfilled least recently, or "" when there are no indexes.
func (m *IndexManager) GetNextCollectionGroupToUpdate(tx *persistence.Transaction) (string, error) {
	indexes, err := m.GetFieldIndexes(tx, "")
	if err != nil || len(indexes) == 0 {
		return "", err
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		if indexes[i].State.SequenceNumber != indexes[j].State.SequenceNumber {
			return indexes[i].State.SequenceNumber < indexes[j].State.SequenceNumber
		}
		return indexes[i].CollectionGroup < indexes[j].CollectionGroup
	})
	return indexes[0].CollectionGroup, nil
}

// UpdateCollectionGroup records that the indexes of group were backfilled
// up to offset.
func (m *IndexManager) UpdateCollectionGroup(tx *persistence.Transaction, group string, offset model.IndexOffset) error {
	var highest int64
	err := persistence.IterateRows[schema.IndexStateRow](tx.Store(schema.IndexState), persistence.PrefixRange(schema.IndexStateUserPrefix(m.uid)), false,
		func(_ []byte, row *schema.IndexStateRow) error {
			highest = max(highest, row.SequenceNumber)
			return nil
		})
	if err != nil {
		return err
	}
	indexes, err := m.GetFieldIndexes(tx, group)
	if err != nil {
		return err
	}
	for _, fi := range indexes {
		row := &schema.IndexStateRow{UserID: m.uid, IndexID: fi.IndexID, SequenceNumber: highest + 1, Offset: offset}
		if err := persistence.PutRow(tx.Store(schema.IndexState), schema.IndexStateKey(m.uid, fi.IndexID), row); err != nil {
			return err
		}
	}
	return nil
}

// UpdateIndexEntries rewrites the entries of docs in every index of their
// collection group.
func (m *IndexManager) UpdateIndexEntries(tx *persistence.Transaction, docs model.DocumentMap) error {
	byGroup := make(map[string][]*model.FieldIndex)
	for _, key := range docs.SortedKeys() {
		doc := docs[key]
		group := key.CollectionGroup()
		indexes, ok := byGroup[group]
		if !ok {
			var err error
			if indexes, err = m.GetFieldIndexes(tx, group); err != nil {
				return err
			}
			byGroup[group] = indexes
		}
		for _, fi := range indexes {
			existing, err := m.existingEntries(tx, fi, key)
			if err != nil {
				return err
			}
			var updated []index.Entry
			if doc.IsFoundDocument() {
				updated = index.ComputeEntries(fi, doc)
			}
			if err := m.diffEntries(tx, existing, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *IndexManager) existingEntries(tx *persistence.Transaction, fi *model.FieldIndex, key model.DocumentKey) ([]index.Entry, error) {
	var out []index.Entry
	r := persistence.PrefixRange(schema.IndexEntryByDocumentPrefix(fi.IndexID, m.uid, key))
	err := tx.Store(schema.IndexEntriesByDocument).Iterate(r, false, func(k, _ []byte) error {
		av, dv, err := schema.DecodeIndexEntryByDocumentKey(k)
		if err != nil {
			return err
		}
		out = append(out, index.Entry{IndexID: fi.IndexID, DocumentKey: key, ArrayValue: av, DirectionalValue: dv})
		return nil
	})
	return out, err
}

// diffEntries deletes the entries only in before and adds those only in
// after. Both are merged in index order.
func (m *IndexManager) diffEntries(tx *persistence.Transaction, before, after []index.Entry) error {
	sortEntries(before)
	sortEntries(after)
	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case j == len(after) || (i < len(before) && before[i].Compare(after[j]) < 0):
			if err := m.deleteEntry(tx, before[i]); err != nil {
				return err
			}
			i++
		case i == len(before) || before[i].Compare(after[j]) > 0:
			if err := m.addEntry(tx, after[j]); err != nil {
				return err
			}
			j++
		default:
			i++
			j++
		}
	}
	return nil
}

func sortEntries(entries []index.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Compare(entries[j]) < 0 })
}

func (m *IndexManager) addEntry(tx *persistence.Transaction, e index.Entry) error {
	if err := tx.Store(schema.IndexEntries).Put(
		schema.IndexEntryKey(e.IndexID, m.uid, e.ArrayValue, e.DirectionalValue, e.DocumentKey), []byte{}); err != nil {
		return err
	}
	return tx.Store(schema.IndexEntriesByDocument).Put(
		schema.IndexEntryByDocumentKey(e.IndexID, m.uid, e.DocumentKey, e.ArrayValue, e.DirectionalValue), []byte{})
}

func (m *IndexManager) deleteEntry(tx *persistence.Transaction, e index.Entry) error {
	if err := tx.Store(schema.IndexEntries).Delete(
		schema.IndexEntryKey(e.IndexID, m.uid, e.ArrayValue, e.DirectionalValue, e.DocumentKey)); err != nil {
		return err
	}
	return tx.Store(schema.IndexEntriesByDocument).Delete(
		schema.IndexEntryByDocumentKey(e.IndexID, m.uid, e.DocumentKey, e.ArrayValue, e.DirectionalValue))
}
