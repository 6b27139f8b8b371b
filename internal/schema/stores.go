package schema

import "fmt"

// Store names.
const (
	MutationQueues                    = "mutationQueues"
	Mutations                         = "mutations"
	DocumentMutations                 = "documentMutations"
	DocumentOverlays                  = "documentOverlays"
	DocumentOverlaysByCollection      = "documentOverlaysByCollection"
	DocumentOverlaysByCollectionGroup = "documentOverlaysByCollectionGroup"
	RemoteDocuments                   = "remoteDocuments"
	RemoteDocumentsByCollection       = "remoteDocumentsByCollectionReadTime"
	RemoteDocumentsByGroup            = "remoteDocumentsByGroupReadTime"
	RemoteDocumentGlobal              = "remoteDocumentGlobal"
	Targets                           = "targets"
	TargetsByCanonicalID              = "targetsByCanonicalID"
	TargetGlobal                      = "targetGlobal"
	TargetDocuments                   = "targetDocuments"
	DocumentTargets                   = "documentTargets"
	CollectionParents                 = "collectionParents"
	IndexConfiguration                = "indexConfiguration"
	IndexState                        = "indexState"
	IndexEntries                      = "indexEntries"
	IndexEntriesByDocument            = "indexEntriesByDocument"
	Bundles                           = "bundles"
	NamedQueries                      = "namedQueries"
	ClientMetadata                    = "clientMetadata"
	Owner                             = "owner"
	Globals                           = "globals"
	ClientEvents                      = "clientEvents"
)

// Version describes one schema version.
type Version struct {
	Number      int
	Description string
	// Stores created by this version.
	Stores []string
}

// Versions is the ordered list of schema versions. A store at version N has
// every store of versions 1 through N.
var Versions = []Version{
	{1, "core mutation queue, targets, documents and lease", []string{
		MutationQueues, Mutations, DocumentMutations,
		RemoteDocuments, Targets, TargetsByCanonicalID, TargetGlobal,
		TargetDocuments, DocumentTargets, Owner, ClientMetadata,
	}},
	{2, "remote document size tracking", []string{RemoteDocumentGlobal}},
	{3, "collection parent index", []string{CollectionParents}},
	{4, "bundles and named queries", []string{Bundles, NamedQueries}},
	{5, "field indexes", []string{IndexConfiguration, IndexState, IndexEntries, IndexEntriesByDocument}},
	{6, "document overlays and globals", []string{
		DocumentOverlays, DocumentOverlaysByCollection, DocumentOverlaysByCollectionGroup, Globals,
	}},
	{7, "read time indexes and client events", []string{
		RemoteDocumentsByCollection, RemoteDocumentsByGroup, ClientEvents,
	}},
}

// CurrentVersion is the newest schema version.
var CurrentVersion = Versions[len(Versions)-1].Number

// StoresAt returns every store present at the given version.
func StoresAt(version int) []string {
	var out []string
	for _, v := range Versions {
		if v.Number > version {
			break
		}
		out = append(out, v.Stores...)
	}
	return out
}

// AllStores returns every store of the current version.
func AllStores() []string { return StoresAt(CurrentVersion) }

// IsStore reports whether name is a known store.
func IsStore(name string) bool {
	for _, s := range AllStores() {
		if s == name {
			return true
		}
	}
	return false
}

// ValidateVersion checks that a persisted version can be opened.
func ValidateVersion(version int) error {
	if version < 0 {
		return fmt.Errorf("invalid schema version %d", version)
	}
	if version > CurrentVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, CurrentVersion)
	}
	return nil
}
