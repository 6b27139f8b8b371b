package local

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/schema"
)

// TargetCache persists the targets the client listens to, the documents
// that match each target on the server, and the target counters.
//
// Target ids allocated here are even. Odd ids belong to the limbo
// resolution targets of the sync engine and are never persisted.
type TargetCache struct {
	delegate ReferenceDelegate
}

// NewTargetCache returns a target cache reporting document references to
// delegate.
func NewTargetCache(delegate ReferenceDelegate) *TargetCache {
	return &TargetCache{delegate: delegate}
}

func (c *TargetCache) metadata(tx *persistence.Transaction) (*schema.TargetGlobalRow, error) {
	row, err := persistence.GetRow[schema.TargetGlobalRow](tx.Store(schema.TargetGlobal), schema.SingletonKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read target metadata: %w", err)
	}
	if row == nil {
		row = &schema.TargetGlobalRow{}
	}
	return row, nil
}

func (c *TargetCache) saveMetadata(tx *persistence.Transaction, row *schema.TargetGlobalRow) error {
	return persistence.PutRow(tx.Store(schema.TargetGlobal), schema.SingletonKey(), row)
}

// AllocateTargetID returns the next unused even target id.
func (c *TargetCache) AllocateTargetID(tx *persistence.Transaction) (int, error) {
	meta, err := c.metadata(tx)
	if err != nil {
		return 0, err
	}
	next := meta.HighestTargetID + 2
	if meta.HighestTargetID%2 != 0 {
		next = meta.HighestTargetID + 1
	}
	if next < 2 {
		next = 2
	}
	meta.HighestTargetID = next
	return next, c.saveMetadata(tx, meta)
}

// GetLastRemoteSnapshotVersion returns the version of the last remote
// event applied.
func (c *TargetCache) GetLastRemoteSnapshotVersion(tx *persistence.Transaction) (model.SnapshotVersion, error) {
	meta, err := c.metadata(tx)
	if err != nil {
		return model.MinVersion(), err
	}
	return meta.LastRemoteSnapshotVersion, nil
}

// GetHighestSequenceNumber returns the highest listen sequence number
// handed out.
func (c *TargetCache) GetHighestSequenceNumber(tx *persistence.Transaction) (int64, error) {
	meta, err := c.metadata(tx)
	if err != nil {
		return 0, err
	}
	return meta.HighestListenSequenceNumber, nil
}

// SetTargetsMetadata records the highest sequence number and, unless it
// is the minimum version, the last remote snapshot version.
func (c *TargetCache) SetTargetsMetadata(tx *persistence.Transaction, highestSequenceNumber int64, lastRemoteSnapshotVersion model.SnapshotVersion) error {
	meta, err := c.metadata(tx)
	if err != nil {
		return err
	}
	meta.HighestListenSequenceNumber = max(meta.HighestListenSequenceNumber, highestSequenceNumber)
	if !lastRemoteSnapshotVersion.IsMin() {
		meta.LastRemoteSnapshotVersion = lastRemoteSnapshotVersion
	}
	return c.saveMetadata(tx, meta)
}

// GetTargetCount returns the number of persisted targets.
func (c *TargetCache) GetTargetCount(tx *persistence.Transaction) (int, error) {
	meta, err := c.metadata(tx)
	if err != nil {
		return 0, err
	}
	return meta.TargetCount, nil
}

func (c *TargetCache) saveTargetData(tx *persistence.Transaction, td *TargetData) error {
	if err := persistence.PutRow(tx.Store(schema.Targets), schema.TargetKey(td.TargetID), td.toRow()); err != nil {
		return fmt.Errorf("failed to save target %d: %w", td.TargetID, err)
	}
	return tx.Store(schema.TargetsByCanonicalID).Put(schema.TargetByCanonicalIDKey(td.Target.CanonicalID(), td.TargetID), []byte{})
}

// updateMetadataFor raises the counters to cover td.
func (c *TargetCache) updateMetadataFor(meta *schema.TargetGlobalRow, td *TargetData) {
	if td.TargetID > meta.HighestTargetID {
		meta.HighestTargetID = td.TargetID
	}
	if td.SequenceNumber > meta.HighestListenSequenceNumber {
		meta.HighestListenSequenceNumber = td.SequenceNumber
	}
}

// AddTargetData persists a new target.
func (c *TargetCache) AddTargetData(tx *persistence.Transaction, td *TargetData) error {
	if err := c.saveTargetData(tx, td); err != nil {
		return err
	}
	meta, err := c.metadata(tx)
	if err != nil {
		return err
	}
	c.updateMetadataFor(meta, td)
	meta.TargetCount++
	return c.saveMetadata(tx, meta)
}

// UpdateTargetData overwrites a persisted target.
func (c *TargetCache) UpdateTargetData(tx *persistence.Transaction, td *TargetData) error {
	if err := c.saveTargetData(tx, td); err != nil {
		return err
	}
	meta, err := c.metadata(tx)
	if err != nil {
		return err
	}
	c.updateMetadataFor(meta, td)
	return c.saveMetadata(tx, meta)
}

// RemoveTargetData deletes a target and its matching keys.
func (c *TargetCache) RemoveTargetData(tx *persistence.Transaction, td *TargetData) error {
	if err := c.RemoveMatchingKeysForTargetID(tx, td.TargetID); err != nil {
		return err
	}
	if err := tx.Store(schema.Targets).Delete(schema.TargetKey(td.TargetID)); err != nil {
		return err
	}
	if err := tx.Store(schema.TargetsByCanonicalID).Delete(schema.TargetByCanonicalIDKey(td.Target.CanonicalID(), td.TargetID)); err != nil {
		return err
	}
	meta, err := c.metadata(tx)
	if err != nil {
		return err
	}
	errs.Assert(meta.TargetCount > 0, "removing target %d from an empty target cache", td.TargetID)
	meta.TargetCount--
	return c.saveMetadata(tx, meta)
}

// GetTargetData returns the persisted data of target, or nil. Targets are
// looked up by canonical id and then compared, since distinct targets may
// share a canonical id.
func (c *TargetCache) GetTargetData(tx *persistence.Transaction, target *query.Target) (*TargetData, error) {
	var ids []int
	err := tx.Store(schema.TargetsByCanonicalID).Iterate(persistence.PrefixRange(schema.TargetByCanonicalIDPrefix(target.CanonicalID())), false, func(k, _ []byte) error {
		id, err := schema.DecodeTargetByCanonicalIDKey(k)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		td, err := c.GetTargetDataByID(tx, id)
		if err != nil {
			return nil, err
		}
		if td != nil && td.Target.Equal(target) {
			return td, nil
		}
	}
	return nil, nil
}

// GetTargetDataByID returns the persisted target with id, or nil.
func (c *TargetCache) GetTargetDataByID(tx *persistence.Transaction, targetID int) (*TargetData, error) {
	row, err := persistence.GetRow[schema.TargetRow](tx.Store(schema.Targets), schema.TargetKey(targetID))
	if err != nil || row == nil {
		return nil, err
	}
	return targetDataFromRow(row), nil
}

// ForEachTarget calls fn for every persisted target in id order.
func (c *TargetCache) ForEachTarget(tx *persistence.Transaction, fn func(*TargetData) error) error {
	return persistence.IterateRows(tx.Store(schema.Targets), persistence.Everything(), false, func(_ []byte, row *schema.TargetRow) error {
		return fn(targetDataFromRow(row))
	})
}

// AddMatchingKeys records that keys match targetID on the server.
func (c *TargetCache) AddMatchingKeys(tx *persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	for _, key := range keys.Sorted() {
		if err := tx.Store(schema.TargetDocuments).Put(schema.TargetDocumentKey(targetID, key), []byte{}); err != nil {
			return err
		}
		if err := tx.Store(schema.DocumentTargets).Put(schema.DocumentTargetKey(key, targetID), []byte{}); err != nil {
			return err
		}
		if err := c.delegate.AddReference(tx, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeys records that keys no longer match targetID.
func (c *TargetCache) RemoveMatchingKeys(tx *persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	for _, key := range keys.Sorted() {
		if err := c.deleteMatchingKey(tx, targetID, key); err != nil {
			return err
		}
		if err := c.delegate.RemoveReference(tx, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetCache) deleteMatchingKey(tx *persistence.Transaction, targetID int, key model.DocumentKey) error {
	if err := tx.Store(schema.TargetDocuments).Delete(schema.TargetDocumentKey(targetID, key)); err != nil {
		return err
	}
	return tx.Store(schema.DocumentTargets).Delete(schema.DocumentTargetKey(key, targetID))
}

// RemoveMatchingKeysForTargetID drops every matching key of targetID
// without touching the documents' sentinel rows.
func (c *TargetCache) RemoveMatchingKeysForTargetID(tx *persistence.Transaction, targetID int) error {
	keys, err := c.GetMatchingKeysForTargetID(tx, targetID)
	if err != nil {
		return err
	}
	for _, key := range keys.Sorted() {
		if err := c.deleteMatchingKey(tx, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMatchingKeysForTargetID returns the keys matching targetID.
func (c *TargetCache) GetMatchingKeysForTargetID(tx *persistence.Transaction, targetID int) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	err := tx.Store(schema.TargetDocuments).Iterate(persistence.PrefixRange(schema.TargetDocumentPrefix(targetID)), false, func(k, _ []byte) error {
		_, key, err := schema.DecodeTargetDocumentKey(k)
		if err != nil {
			return err
		}
		keys.Add(key)
		return nil
	})
	return keys, err
}

// ContainsKey reports whether any target matches key.
func (c *TargetCache) ContainsKey(tx *persistence.Transaction, key model.DocumentKey) (bool, error) {
	found := false
	err := tx.Store(schema.DocumentTargets).Iterate(persistence.PrefixRange(schema.DocumentTargetPrefix(key)), false, func(k, _ []byte) error {
		_, targetID, err := schema.DecodeDocumentTargetKey(k)
		if err != nil {
			return err
		}
		if targetID != 0 {
			found = true
			return persistence.ErrStop
		}
		return nil
	})
	return found, err
}

// RemoveTargets deletes the targets last used at or before upperBound that
// are not in activeTargetIDs and returns how many were removed.
func (c *TargetCache) RemoveTargets(tx *persistence.Transaction, upperBound int64, activeTargetIDs map[int]bool) (int, error) {
	var doomed []*TargetData
	err := c.ForEachTarget(tx, func(td *TargetData) error {
		if td.SequenceNumber <= upperBound && !activeTargetIDs[td.TargetID] {
			doomed = append(doomed, td)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		if err := c.RemoveTargetData(tx, td); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}
