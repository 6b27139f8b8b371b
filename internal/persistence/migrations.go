package persistence

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/schema"
)

// dataMigrations backfill the stores a schema version adds from data that
// older versions already hold. They run inside the version's migration
// transaction, after its stores were created.
var dataMigrations = map[int]func(tx backendTx) error{
	2: migrateRemoteDocumentSize,
	3: migrateCollectionParents,
	6: migrateOverlayFlag,
	7: migrateReadTimeIndexes,
}

func mustStore(tx backendTx, name string) Store {
	s, err := tx.store(name)
	if err != nil {
		errs.Fail("migration store %s: %v", name, err)
	}
	return s
}

// migrateRemoteDocumentSize sums the cached documents into the size row the
// garbage collector compares against its threshold.
func migrateRemoteDocumentSize(tx backendTx) error {
	var size int64
	err := mustStore(tx, schema.RemoteDocuments).Iterate(Everything(), false, func(_, value []byte) error {
		size += int64(len(value))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to size remote documents: %w", err)
	}
	return PutRow(mustStore(tx, schema.RemoteDocumentGlobal), schema.SingletonKey(), &schema.RemoteDocumentGlobalRow{ByteSize: size})
}

// migrateCollectionParents records the parent of every collection that
// holds a cached document or a pending write.
func migrateCollectionParents(tx backendTx) error {
	parents := mustStore(tx, schema.CollectionParents)
	seen := make(map[string]bool)
	add := func(key model.DocumentKey) error {
		coll := key.CollectionPath()
		if seen[coll.CanonicalString()] {
			return nil
		}
		seen[coll.CanonicalString()] = true
		return parents.Put(schema.CollectionParentKey(coll.LastSegment(), coll.Parent()), []byte{})
	}

	err := IterateRows[schema.RemoteDocumentRow](mustStore(tx, schema.RemoteDocuments), Everything(), false,
		func(_ []byte, row *schema.RemoteDocumentRow) error {
			return add(row.Key)
		})
	if err != nil {
		return fmt.Errorf("failed to index remote document parents: %w", err)
	}

	err = mustStore(tx, schema.DocumentMutations).Iterate(Everything(), false, func(k, _ []byte) error {
		key, _, err := schema.DecodeDocumentMutationKey(k)
		if err != nil {
			return err
		}
		return add(key)
	})
	if err != nil {
		return fmt.Errorf("failed to index pending write parents: %w", err)
	}
	return nil
}

// migrateOverlayFlag asks the local store to compute overlays for batches
// written before overlays existed.
func migrateOverlayFlag(tx backendTx) error {
	n, err := mustStore(tx, schema.Mutations).Count(Everything())
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return mustStore(tx, schema.Globals).Put(schema.GlobalKey(schema.GlobalOverlayMigrationPending), []byte("true"))
}

// migrateReadTimeIndexes builds the read-time indexes of the remote
// document cache.
func migrateReadTimeIndexes(tx backendTx) error {
	byCollection := mustStore(tx, schema.RemoteDocumentsByCollection)
	byGroup := mustStore(tx, schema.RemoteDocumentsByGroup)
	return IterateRows[schema.RemoteDocumentRow](mustStore(tx, schema.RemoteDocuments), Everything(), false,
		func(_ []byte, row *schema.RemoteDocumentRow) error {
			if err := byCollection.Put(schema.RemoteDocumentByCollectionKey(row.Key, row.ReadTime), []byte{}); err != nil {
				return err
			}
			return byGroup.Put(schema.RemoteDocumentByGroupKey(row.Key, row.ReadTime), []byte{})
		})
}
