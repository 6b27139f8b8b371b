// Package schema defines the persisted layout of a docsync store.
//
// # Overview
//
// A store is a set of named, ordered key-value stores. Keys are tuples
// written with the order-preserving codec in internal/encoding so that a
// range scan over a key prefix visits rows in tuple order. Values are JSON
// rows defined in this package.
//
// # Stores
//
// Each store name below is one SQL table in the SQLite backend and one
// sorted map in the memory backend:
//
//	mutationQueues                        (uid)
//	mutations                             (uid, batchID)
//	documentMutations                     (uid, path, batchID)
//	documentOverlays                      (uid, collection, documentID)
//	documentOverlaysByCollection          (uid, collection, largestBatchID, documentID)
//	documentOverlaysByCollectionGroup     (uid, group, largestBatchID, path)
//	remoteDocuments                       (collection, documentID)
//	remoteDocumentsByCollectionReadTime   (collection, readTime, documentID)
//	remoteDocumentsByGroupReadTime        (group, readTime, path)
//	remoteDocumentGlobal                  ()
//	targets                               (targetID)
//	targetsByCanonicalID                  (canonicalID, targetID)
//	targetGlobal                          ()
//	targetDocuments                       (targetID, path)
//	documentTargets                       (path, targetID)
//	collectionParents                     (collectionID, parent)
//	indexConfiguration                    (indexID)
//	indexState                            (uid, indexID)
//	indexEntries                          (indexID, uid, arrayValue, directionalValue, path)
//	indexEntriesByDocument                (indexID, uid, path, arrayValue, directionalValue)
//	bundles                               (bundleID)
//	namedQueries                          (name)
//	clientMetadata                        (clientID)
//	owner                                 ()
//	globals                               (name)
//	clientEvents                          (sequence)
//
// Secondary stores hold no value of their own; their keys carry everything
// needed to find the primary row.
//
// # Versions
//
// Versions lists the stores introduced by each schema version. Data
// migrations that fill a new store from existing rows live with the
// persistence layer, which owns transactions.
package schema
