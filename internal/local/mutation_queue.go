package local

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/schema"
)

// MutationQueue is the durable FIFO of one user's unacknowledged mutation
// batches. Batch ids come from a counter shared by every user and client of
// the store, so ids never repeat.
type MutationQueue struct {
	uid       string
	indexes   *IndexManager
	delegate  ReferenceDelegate
	keysCache map[int]model.DocumentKeySet
}

// NewMutationQueue returns the queue of user.
func NewMutationQueue(user model.User, indexes *IndexManager, delegate ReferenceDelegate) *MutationQueue {
	return &MutationQueue{
		uid:       user.UID,
		indexes:   indexes,
		delegate:  delegate,
		keysCache: make(map[int]model.DocumentKeySet),
	}
}

func (q *MutationQueue) metadata(tx *persistence.Transaction) (*schema.MutationQueueRow, error) {
	row, err := persistence.GetRow[schema.MutationQueueRow](tx.Store(schema.MutationQueues), schema.MutationQueueKey(q.uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation queue of %q: %w", q.uid, err)
	}
	if row == nil {
		row = &schema.MutationQueueRow{UserID: q.uid, LastAcknowledgedBatchID: model.BatchIDUnknown}
	}
	return row, nil
}

// CheckEmpty reports whether the queue holds no batches.
func (q *MutationQueue) CheckEmpty(tx *persistence.Transaction) (bool, error) {
	n, err := tx.Store(schema.Mutations).Count(persistence.PrefixRange(schema.MutationPrefix(q.uid)))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// nextBatchID advances the shared batch id counter. A missing counter is
// seeded from the highest id in the store.
func (q *MutationQueue) nextBatchID(tx *persistence.Transaction) (int, error) {
	raw, err := persistence.GetGlobal(tx, schema.GlobalBatchIDCounter)
	if err != nil {
		return 0, err
	}
	var last int
	if raw != nil {
		if last, err = strconv.Atoi(string(raw)); err != nil {
			return 0, fmt.Errorf("invalid batch id counter %q: %w", raw, err)
		}
	} else {
		err = tx.Store(schema.Mutations).Iterate(persistence.Everything(), false, func(k, _ []byte) error {
			_, id, err := schema.DecodeMutationKey(k)
			if err != nil {
				return err
			}
			last = max(last, id)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to seed batch id counter: %w", err)
		}
	}
	next := last + 1
	if err := persistence.SetGlobal(tx, schema.GlobalBatchIDCounter, []byte(strconv.Itoa(next))); err != nil {
		return 0, err
	}
	return next, nil
}

// AddMutationBatch appends a batch of mutations written at localWriteTime.
func (q *MutationQueue) AddMutationBatch(tx *persistence.Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	id, err := q.nextBatchID(tx)
	if err != nil {
		return nil, err
	}
	// The garbage collector finds queues through their metadata rows.
	meta, err := q.metadata(tx)
	if err != nil {
		return nil, err
	}
	if err := persistence.PutRow(tx.Store(schema.MutationQueues), schema.MutationQueueKey(q.uid), meta); err != nil {
		return nil, err
	}
	row := &schema.MutationBatchRow{
		UserID:         q.uid,
		BatchID:        id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	if err := persistence.PutRow(tx.Store(schema.Mutations), schema.MutationKey(q.uid, id), row); err != nil {
		return nil, fmt.Errorf("failed to write batch %d: %w", id, err)
	}
	batch := row.ToBatch()
	keys := batch.Keys()
	docMutations := tx.Store(schema.DocumentMutations)
	for k := range keys {
		if err := docMutations.Put(schema.DocumentMutationKey(q.uid, k, id), []byte{}); err != nil {
			return nil, err
		}
		if err := q.indexes.AddToCollectionParentIndex(tx, k.CollectionPath()); err != nil {
			return nil, err
		}
	}
	q.keysCache[id] = keys
	return batch, nil
}

// LookupMutationBatch returns the batch with id, or nil.
func (q *MutationQueue) LookupMutationBatch(tx *persistence.Transaction, batchID int) (*model.MutationBatch, error) {
	row, err := persistence.GetRow[schema.MutationBatchRow](tx.Store(schema.Mutations), schema.MutationKey(q.uid, batchID))
	if err != nil || row == nil {
		return nil, err
	}
	errs.Assert(row.UserID == q.uid, "batch %d belongs to %q, not %q", batchID, row.UserID, q.uid)
	return row.ToBatch(), nil
}

// LookupMutationKeys returns the keys of a batch. Keys of batches this
// client has seen stay available after the batch itself was removed by
// another client, until RemoveCachedMutationKeys is called.
func (q *MutationQueue) LookupMutationKeys(tx *persistence.Transaction, batchID int) (model.DocumentKeySet, error) {
	if keys, ok := q.keysCache[batchID]; ok {
		return keys, nil
	}
	batch, err := q.LookupMutationBatch(tx, batchID)
	if err != nil || batch == nil {
		return nil, err
	}
	keys := batch.Keys()
	q.keysCache[batchID] = keys
	return keys, nil
}

// RemoveCachedMutationKeys forgets the cached keys of batchID.
func (q *MutationQueue) RemoveCachedMutationKeys(batchID int) {
	delete(q.keysCache, batchID)
}

// GetNextMutationBatchAfterBatchID returns the first batch with an id
// greater than batchID, or nil.
func (q *MutationQueue) GetNextMutationBatchAfterBatchID(tx *persistence.Transaction, batchID int) (*model.MutationBatch, error) {
	r := persistence.PrefixRange(schema.MutationPrefix(q.uid))
	r.Start = schema.MutationKey(q.uid, batchID+1)
	var next *model.MutationBatch
	err := persistence.IterateRows[schema.MutationBatchRow](tx.Store(schema.Mutations), r, false,
		func(_ []byte, row *schema.MutationBatchRow) error {
			next = row.ToBatch()
			return persistence.ErrStop
		})
	return next, err
}

// GetHighestUnacknowledgedBatchID returns the newest queued batch id, or
// model.BatchIDUnknown when the queue is empty.
func (q *MutationQueue) GetHighestUnacknowledgedBatchID(tx *persistence.Transaction) (int, error) {
	highest := model.BatchIDUnknown
	err := tx.Store(schema.Mutations).Iterate(persistence.PrefixRange(schema.MutationPrefix(q.uid)), true, func(k, _ []byte) error {
		_, id, err := schema.DecodeMutationKey(k)
		if err != nil {
			return err
		}
		highest = id
		return persistence.ErrStop
	})
	return highest, err
}

// GetAllMutationBatches returns every queued batch in id order.
func (q *MutationQueue) GetAllMutationBatches(tx *persistence.Transaction) ([]*model.MutationBatch, error) {
	var out []*model.MutationBatch
	err := persistence.IterateRows[schema.MutationBatchRow](tx.Store(schema.Mutations), persistence.PrefixRange(schema.MutationPrefix(q.uid)), false,
		func(_ []byte, row *schema.MutationBatchRow) error {
			out = append(out, row.ToBatch())
			return nil
		})
	return out, err
}

// GetAllMutationBatchesAffectingDocumentKey returns the batches touching
// key in id order.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKey(tx *persistence.Transaction, key model.DocumentKey) ([]*model.MutationBatch, error) {
	return q.GetAllMutationBatchesAffectingDocumentKeys(tx, model.NewDocumentKeySet(key))
}

// GetAllMutationBatchesAffectingDocumentKeys returns the batches touching
// any of keys in id order. Each batch appears once.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKeys(tx *persistence.Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	ids := make(map[int]struct{})
	store := tx.Store(schema.DocumentMutations)
	for _, k := range keys.Sorted() {
		err := store.Iterate(persistence.PrefixRange(schema.DocumentMutationPrefix(q.uid, k)), false, func(raw, _ []byte) error {
			_, id, err := schema.DecodeDocumentMutationKey(raw)
			if err != nil {
				return err
			}
			ids[id] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return q.lookupAll(tx, ids)
}

// GetAllMutationBatchesAffectingQuery returns the batches touching a
// document directly inside the query's collection.
func (q *MutationQueue) GetAllMutationBatchesAffectingQuery(tx *persistence.Transaction, qry query.Query) ([]*model.MutationBatch, error) {
	errs.Assert(!qry.IsDocumentQuery(), "document query %s must be served by key", qry)
	errs.Assert(!qry.IsCollectionGroupQuery(), "collection group query %s must be split by parent", qry)
	depth := qry.Path.Len() + 1
	ids := make(map[int]struct{})
	r := persistence.PrefixRange(schema.DocumentMutationPathPrefix(q.uid, qry.Path))
	err := tx.Store(schema.DocumentMutations).Iterate(r, false, func(raw, _ []byte) error {
		key, id, err := schema.DecodeDocumentMutationKey(raw)
		if err != nil {
			return err
		}
		// Documents in subcollections share the prefix.
		if key.Path().Len() == depth {
			ids[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.lookupAll(tx, ids)
}

func (q *MutationQueue) lookupAll(tx *persistence.Transaction, ids map[int]struct{}) ([]*model.MutationBatch, error) {
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	out := make([]*model.MutationBatch, 0, len(sorted))
	for _, id := range sorted {
		batch, err := q.LookupMutationBatch(tx, id)
		if err != nil {
			return nil, err
		}
		errs.Assert(batch != nil, "dangling document mutation row for batch %d", id)
		out = append(out, batch)
	}
	return out, nil
}

// RemoveMutationBatch deletes batch, which must be the oldest in the queue.
func (q *MutationQueue) RemoveMutationBatch(tx *persistence.Transaction, batch *model.MutationBatch) error {
	first, err := q.GetNextMutationBatchAfterBatchID(tx, model.BatchIDUnknown)
	if err != nil {
		return err
	}
	errs.Assert(first != nil && first.BatchID == batch.BatchID,
		"can only remove the first batch of the queue (removing %d)", batch.BatchID)

	if err := tx.Store(schema.Mutations).Delete(schema.MutationKey(q.uid, batch.BatchID)); err != nil {
		return fmt.Errorf("failed to remove batch %d: %w", batch.BatchID, err)
	}
	docMutations := tx.Store(schema.DocumentMutations)
	for _, m := range batch.Mutations {
		if err := docMutations.Delete(schema.DocumentMutationKey(q.uid, m.Key, batch.BatchID)); err != nil {
			return err
		}
		if err := q.delegate.RemoveMutationReference(tx, m.Key); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeBatch records that batch was committed and stores the write
// stream's resume token.
func (q *MutationQueue) AcknowledgeBatch(tx *persistence.Transaction, batch *model.MutationBatch, streamToken []byte) error {
	meta, err := q.metadata(tx)
	if err != nil {
		return err
	}
	errs.Assert(batch.BatchID > meta.LastAcknowledgedBatchID,
		"batch %d acknowledged after batch %d", batch.BatchID, meta.LastAcknowledgedBatchID)
	meta.LastAcknowledgedBatchID = batch.BatchID
	meta.LastStreamToken = streamToken
	return persistence.PutRow(tx.Store(schema.MutationQueues), schema.MutationQueueKey(q.uid), meta)
}

// GetLastStreamToken returns the stored write stream token.
func (q *MutationQueue) GetLastStreamToken(tx *persistence.Transaction) ([]byte, error) {
	meta, err := q.metadata(tx)
	if err != nil {
		return nil, err
	}
	return meta.LastStreamToken, nil
}

// SetLastStreamToken stores the write stream token.
func (q *MutationQueue) SetLastStreamToken(tx *persistence.Transaction, token []byte) error {
	meta, err := q.metadata(tx)
	if err != nil {
		return err
	}
	meta.LastStreamToken = token
	return persistence.PutRow(tx.Store(schema.MutationQueues), schema.MutationQueueKey(q.uid), meta)
}

// PerformConsistencyCheck verifies that an empty queue left no document
// index rows behind.
func (q *MutationQueue) PerformConsistencyCheck(tx *persistence.Transaction) error {
	empty, err := q.CheckEmpty(tx)
	if err != nil || !empty {
		return err
	}
	var dangling []model.DocumentKey
	err = tx.Store(schema.DocumentMutations).Iterate(persistence.PrefixRange(schema.MutationPrefix(q.uid)), false, func(raw, _ []byte) error {
		key, _, err := schema.DecodeDocumentMutationKey(raw)
		if err != nil {
			return err
		}
		dangling = append(dangling, key)
		return nil
	})
	if err != nil {
		return err
	}
	errs.Assert(len(dangling) == 0, "document mutation rows left in empty queue: %v", dangling)
	return nil
}
