package schema

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/model"
)

// singleton is the only key of stores that hold one row.
var singleton = encoding.NewBuilder(8).String("singleton").Build()

func b() *encoding.Builder { return encoding.NewBuilder(64) }

func version(kb *encoding.Builder, v model.SnapshotVersion) *encoding.Builder {
	return kb.Int(v.Seconds).Int(int64(v.Nanos))
}

func readVersion(r *encoding.Reader) (model.SnapshotVersion, error) {
	s, err := r.Int()
	if err != nil {
		return model.SnapshotVersion{}, err
	}
	n, err := r.Int()
	if err != nil {
		return model.SnapshotVersion{}, err
	}
	return model.Version(s, int32(n)), nil
}

func readKey(r *encoding.Reader) (model.DocumentKey, error) {
	segments, err := r.Path()
	if err != nil {
		return model.DocumentKey{}, err
	}
	if len(segments) == 0 {
		return model.EmptyKey(), nil
	}
	return model.NewDocumentKey(model.ResourcePath(segments))
}

func corrupt(store string, err error) error {
	return fmt.Errorf("failed to decode %s key: %w", store, err)
}

// MutationQueueKey addresses the queue metadata of uid.
func MutationQueueKey(uid string) []byte { return b().String(uid).Build() }

// MutationKey addresses one mutation batch.
func MutationKey(uid string, batchID int) []byte {
	return b().String(uid).Int(int64(batchID)).Build()
}

// MutationPrefix spans every batch of uid.
func MutationPrefix(uid string) []byte { return b().String(uid).Build() }

// DecodeMutationKey returns the batch id of a mutations key.
func DecodeMutationKey(k []byte) (uid string, batchID int, err error) {
	r := encoding.NewReader(k)
	if uid, err = r.String(); err != nil {
		return "", 0, corrupt(Mutations, err)
	}
	id, err := r.Int()
	if err != nil {
		return "", 0, corrupt(Mutations, err)
	}
	return uid, int(id), nil
}

// DocumentMutationKey records that batchID touches key.
func DocumentMutationKey(uid string, key model.DocumentKey, batchID int) []byte {
	return b().String(uid).Path(key.Path()).Int(int64(batchID)).Build()
}

// DocumentMutationPrefix spans the batches touching exactly key.
func DocumentMutationPrefix(uid string, key model.DocumentKey) []byte {
	return b().String(uid).Path(key.Path()).Build()
}

// DocumentMutationPathPrefix spans the batches touching any document below
// path.
func DocumentMutationPathPrefix(uid string, path model.ResourcePath) []byte {
	return encoding.AppendPathPrefix(b().String(uid).Build(), path)
}

// DecodeDocumentMutationKey splits a documentMutations key.
func DecodeDocumentMutationKey(k []byte) (model.DocumentKey, int, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return model.DocumentKey{}, 0, corrupt(DocumentMutations, err)
	}
	key, err := readKey(r)
	if err != nil {
		return model.DocumentKey{}, 0, corrupt(DocumentMutations, err)
	}
	id, err := r.Int()
	if err != nil {
		return model.DocumentKey{}, 0, corrupt(DocumentMutations, err)
	}
	return key, int(id), nil
}

// DocumentOverlayKey addresses the overlay of key.
func DocumentOverlayKey(uid string, key model.DocumentKey) []byte {
	return b().String(uid).Path(key.CollectionPath()).String(key.DocumentID()).Build()
}

// DocumentOverlayUserPrefix spans every overlay of uid.
func DocumentOverlayUserPrefix(uid string) []byte { return b().String(uid).Build() }

// OverlayByCollectionKey indexes an overlay by collection and batch.
func OverlayByCollectionKey(uid string, collection model.ResourcePath, largestBatchID int, documentID string) []byte {
	return b().String(uid).Path(collection).Int(int64(largestBatchID)).String(documentID).Build()
}

// OverlayByCollectionPrefix spans the overlays of one collection.
func OverlayByCollectionPrefix(uid string, collection model.ResourcePath) []byte {
	return b().String(uid).Path(collection).Build()
}

// OverlayByCollectionStart is the first key of overlays in collection with a
// batch id above sinceBatchID.
func OverlayByCollectionStart(uid string, collection model.ResourcePath, sinceBatchID int) []byte {
	return b().String(uid).Path(collection).Int(int64(sinceBatchID) + 1).Build()
}

// DecodeOverlayByCollectionKey returns the document key of an index row.
func DecodeOverlayByCollectionKey(k []byte) (model.DocumentKey, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return model.DocumentKey{}, corrupt(DocumentOverlaysByCollection, err)
	}
	coll, err := r.Path()
	if err != nil {
		return model.DocumentKey{}, corrupt(DocumentOverlaysByCollection, err)
	}
	if _, err := r.Int(); err != nil {
		return model.DocumentKey{}, corrupt(DocumentOverlaysByCollection, err)
	}
	id, err := r.String()
	if err != nil {
		return model.DocumentKey{}, corrupt(DocumentOverlaysByCollection, err)
	}
	return model.NewDocumentKey(model.ResourcePath(coll).Child(id))
}

// OverlayByGroupKey indexes an overlay by collection group and batch.
func OverlayByGroupKey(uid, group string, largestBatchID int, key model.DocumentKey) []byte {
	return b().String(uid).String(group).Int(int64(largestBatchID)).Path(key.Path()).Build()
}

// OverlayByGroupPrefix spans the overlays of one collection group.
func OverlayByGroupPrefix(uid, group string) []byte {
	return b().String(uid).String(group).Build()
}

// OverlayByGroupStart is the first key of group overlays with a batch id
// above sinceBatchID.
func OverlayByGroupStart(uid, group string, sinceBatchID int) []byte {
	return b().String(uid).String(group).Int(int64(sinceBatchID) + 1).Build()
}

// DecodeOverlayByGroupKey returns the batch id and document key of an
// index row.
func DecodeOverlayByGroupKey(k []byte) (int, model.DocumentKey, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return 0, model.DocumentKey{}, corrupt(DocumentOverlaysByCollectionGroup, err)
	}
	if _, err := r.String(); err != nil {
		return 0, model.DocumentKey{}, corrupt(DocumentOverlaysByCollectionGroup, err)
	}
	id, err := r.Int()
	if err != nil {
		return 0, model.DocumentKey{}, corrupt(DocumentOverlaysByCollectionGroup, err)
	}
	key, err := readKey(r)
	if err != nil {
		return 0, model.DocumentKey{}, corrupt(DocumentOverlaysByCollectionGroup, err)
	}
	return int(id), key, nil
}

// RemoteDocumentKey addresses a cached server document.
func RemoteDocumentKey(key model.DocumentKey) []byte {
	return b().Path(key.CollectionPath()).String(key.DocumentID()).Build()
}

// RemoteDocumentCollectionPrefix spans the documents directly inside
// collection.
func RemoteDocumentCollectionPrefix(collection model.ResourcePath) []byte {
	return b().Path(collection).Build()
}

// RemoteDocumentByCollectionKey indexes a document by collection and read
// time.
func RemoteDocumentByCollectionKey(key model.DocumentKey, readTime model.SnapshotVersion) []byte {
	kb := b().Path(key.CollectionPath())
	return version(kb, readTime).String(key.DocumentID()).Build()
}

// RemoteDocumentByCollectionStart is the first key of documents in
// collection that sort after (readTime, key).
func RemoteDocumentByCollectionStart(collection model.ResourcePath, readTime model.SnapshotVersion, documentID string) []byte {
	kb := b().Path(collection)
	return encoding.Successor(version(kb, readTime).String(documentID).Build())
}

// DecodeRemoteDocumentByCollectionKey returns the read time and document
// key of an index row.
func DecodeRemoteDocumentByCollectionKey(k []byte) (model.SnapshotVersion, model.DocumentKey, error) {
	r := encoding.NewReader(k)
	coll, err := r.Path()
	if err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByCollection, err)
	}
	rt, err := readVersion(r)
	if err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByCollection, err)
	}
	id, err := r.String()
	if err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByCollection, err)
	}
	key, err := model.NewDocumentKey(model.ResourcePath(coll).Child(id))
	return rt, key, err
}

// RemoteDocumentByGroupKey indexes a document by collection group and read
// time.
func RemoteDocumentByGroupKey(key model.DocumentKey, readTime model.SnapshotVersion) []byte {
	kb := b().String(key.CollectionGroup())
	return version(kb, readTime).Path(key.Path()).Build()
}

// RemoteDocumentByGroupPrefix spans a collection group.
func RemoteDocumentByGroupPrefix(group string) []byte { return b().String(group).Build() }

// RemoteDocumentByGroupStart is the first key of documents in group that
// sort after (readTime, key). An empty key selects everything read at
// readTime.
func RemoteDocumentByGroupStart(group string, readTime model.SnapshotVersion, key model.DocumentKey) []byte {
	kb := version(b().String(group), readTime)
	if key.IsEmpty() {
		return kb.Build()
	}
	return encoding.Successor(kb.Path(key.Path()).Build())
}

// DecodeRemoteDocumentByGroupKey returns the read time and document key of
// an index row.
func DecodeRemoteDocumentByGroupKey(k []byte) (model.SnapshotVersion, model.DocumentKey, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByGroup, err)
	}
	rt, err := readVersion(r)
	if err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByGroup, err)
	}
	key, err := readKey(r)
	if err != nil {
		return model.SnapshotVersion{}, model.DocumentKey{}, corrupt(RemoteDocumentsByGroup, err)
	}
	return rt, key, nil
}

// SingletonKey addresses the only row of remoteDocumentGlobal, targetGlobal
// and owner.
func SingletonKey() []byte { return append([]byte(nil), singleton...) }

// TargetKey addresses one target.
func TargetKey(targetID int) []byte { return b().Int(int64(targetID)).Build() }

// TargetByCanonicalIDKey indexes a target by its canonical id.
func TargetByCanonicalIDKey(canonicalID string, targetID int) []byte {
	return b().String(canonicalID).Int(int64(targetID)).Build()
}

// TargetByCanonicalIDPrefix spans the targets sharing a canonical id.
func TargetByCanonicalIDPrefix(canonicalID string) []byte { return b().String(canonicalID).Build() }

// DecodeTargetByCanonicalIDKey returns the target id of an index row.
func DecodeTargetByCanonicalIDKey(k []byte) (int, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return 0, corrupt(TargetsByCanonicalID, err)
	}
	id, err := r.Int()
	if err != nil {
		return 0, corrupt(TargetsByCanonicalID, err)
	}
	return int(id), nil
}

// TargetDocumentKey records that key matches targetID. Target id 0 holds
// sentinel rows that carry a document's last sequence number.
func TargetDocumentKey(targetID int, key model.DocumentKey) []byte {
	return b().Int(int64(targetID)).Path(key.Path()).Build()
}

// TargetDocumentPrefix spans the documents of one target.
func TargetDocumentPrefix(targetID int) []byte { return b().Int(int64(targetID)).Build() }

// DecodeTargetDocumentKey splits a targetDocuments key.
func DecodeTargetDocumentKey(k []byte) (int, model.DocumentKey, error) {
	r := encoding.NewReader(k)
	id, err := r.Int()
	if err != nil {
		return 0, model.DocumentKey{}, corrupt(TargetDocuments, err)
	}
	key, err := readKey(r)
	if err != nil {
		return 0, model.DocumentKey{}, corrupt(TargetDocuments, err)
	}
	return int(id), key, nil
}

// DocumentTargetKey is the reverse of TargetDocumentKey.
func DocumentTargetKey(key model.DocumentKey, targetID int) []byte {
	return b().Path(key.Path()).Int(int64(targetID)).Build()
}

// DocumentTargetPrefix spans the targets of exactly key.
func DocumentTargetPrefix(key model.DocumentKey) []byte { return b().Path(key.Path()).Build() }

// DecodeDocumentTargetKey splits a documentTargets key.
func DecodeDocumentTargetKey(k []byte) (model.DocumentKey, int, error) {
	r := encoding.NewReader(k)
	key, err := readKey(r)
	if err != nil {
		return model.DocumentKey{}, 0, corrupt(DocumentTargets, err)
	}
	id, err := r.Int()
	if err != nil {
		return model.DocumentKey{}, 0, corrupt(DocumentTargets, err)
	}
	return key, int(id), nil
}

// CollectionParentKey records that parent contains a collection named
// collectionID.
func CollectionParentKey(collectionID string, parent model.ResourcePath) []byte {
	return b().String(collectionID).Path(parent).Build()
}

// CollectionParentPrefix spans the parents of collectionID.
func CollectionParentPrefix(collectionID string) []byte { return b().String(collectionID).Build() }

// DecodeCollectionParentKey returns the parent path of an index row.
func DecodeCollectionParentKey(k []byte) (model.ResourcePath, error) {
	r := encoding.NewReader(k)
	if _, err := r.String(); err != nil {
		return nil, corrupt(CollectionParents, err)
	}
	p, err := r.Path()
	if err != nil {
		return nil, corrupt(CollectionParents, err)
	}
	return model.ResourcePath(p), nil
}

// IndexConfigurationKey addresses one field index definition.
func IndexConfigurationKey(indexID int) []byte { return b().Int(int64(indexID)).Build() }

// IndexStateKey addresses the backfill state of one index for uid.
func IndexStateKey(uid string, indexID int) []byte {
	return b().String(uid).Int(int64(indexID)).Build()
}

// IndexStateUserPrefix spans the index states of uid.
func IndexStateUserPrefix(uid string) []byte { return b().String(uid).Build() }

// IndexEntryKey addresses one index entry. The directional value is stored
// as an escaped component so that ranges over raw directional values map to
// key ranges.
func IndexEntryKey(indexID int, uid string, arrayValue, directionalValue []byte, key model.DocumentKey) []byte {
	return b().Int(int64(indexID)).String(uid).Bytes(arrayValue).Bytes(directionalValue).Path(key.Path()).Build()
}

// IndexEntryPrefix spans the entries of one index, user and array value.
func IndexEntryPrefix(indexID int, uid string, arrayValue []byte) []byte {
	return b().Int(int64(indexID)).String(uid).Bytes(arrayValue).Build()
}

// IndexEntryBound is the key at which directional values equal to
// directionalValue begin within prefix.
func IndexEntryBound(prefix, directionalValue []byte) []byte {
	return encoding.AppendEscaped(append([]byte(nil), prefix...), directionalValue)
}

// IndexEntryIndexPrefix spans every entry of one index.
func IndexEntryIndexPrefix(indexID int) []byte { return b().Int(int64(indexID)).Build() }

// DecodeIndexEntryKey returns the document key of an index entry.
func DecodeIndexEntryKey(k []byte) (model.DocumentKey, error) {
	r := encoding.NewReader(k)
	if _, err := r.Int(); err != nil {
		return model.DocumentKey{}, corrupt(IndexEntries, err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Bytes(); err != nil {
			return model.DocumentKey{}, corrupt(IndexEntries, err)
		}
	}
	key, err := readKey(r)
	if err != nil {
		return model.DocumentKey{}, corrupt(IndexEntries, err)
	}
	return key, nil
}

// IndexEntryByDocumentKey is the reverse of IndexEntryKey.
func IndexEntryByDocumentKey(indexID int, uid string, key model.DocumentKey, arrayValue, directionalValue []byte) []byte {
	return b().Int(int64(indexID)).String(uid).Path(key.Path()).Bytes(arrayValue).Bytes(directionalValue).Build()
}

// IndexEntryByDocumentPrefix spans the entries of one document in one index.
func IndexEntryByDocumentPrefix(indexID int, uid string, key model.DocumentKey) []byte {
	return b().Int(int64(indexID)).String(uid).Path(key.Path()).Build()
}

// DecodeIndexEntryByDocumentKey returns the array and directional values of
// a reverse index row.
func DecodeIndexEntryByDocumentKey(k []byte) (arrayValue, directionalValue []byte, err error) {
	r := encoding.NewReader(k)
	if _, err = r.Int(); err != nil {
		return nil, nil, corrupt(IndexEntriesByDocument, err)
	}
	if _, err = r.String(); err != nil {
		return nil, nil, corrupt(IndexEntriesByDocument, err)
	}
	if _, err = r.Path(); err != nil {
		return nil, nil, corrupt(IndexEntriesByDocument, err)
	}
	if arrayValue, err = r.Bytes(); err != nil {
		return nil, nil, corrupt(IndexEntriesByDocument, err)
	}
	if directionalValue, err = r.Bytes(); err != nil {
		return nil, nil, corrupt(IndexEntriesByDocument, err)
	}
	return arrayValue, directionalValue, nil
}

// BundleKey addresses bundle metadata.
func BundleKey(bundleID string) []byte { return b().String(bundleID).Build() }

// NamedQueryKey addresses a named query.
func NamedQueryKey(name string) []byte { return b().String(name).Build() }

// ClientMetadataKey addresses the heartbeat row of a client.
func ClientMetadataKey(clientID string) []byte { return b().String(clientID).Build() }

// GlobalKey addresses a named global.
func GlobalKey(name string) []byte { return b().String(name).Build() }

// ClientEventKey addresses one shared client event.
func ClientEventKey(sequence int64) []byte { return b().Int(sequence).Build() }

// DecodeClientEventKey returns the sequence of a clientEvents key.
func DecodeClientEventKey(k []byte) (int64, error) {
	seq, err := encoding.NewReader(k).Int()
	if err != nil {
		return 0, corrupt(ClientEvents, err)
	}
	return seq, nil
}
