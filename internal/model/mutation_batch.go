package model

import "fmt"

// BatchIDUnknown is the batch id used before any batch has been written.
const BatchIDUnknown = -1

// MutationBatch is an atomic group of mutations written together.
type MutationBatch struct {
	BatchID        int        `json:"batchId"`
	LocalWriteTime Timestamp  `json:"localWriteTime"`
	Mutations      []Mutation `json:"mutations"`
}

// Keys returns the keys touched by the batch.
func (b *MutationBatch) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(b.Mutations))
	for _, m := range b.Mutations {
		s.Add(m.Key)
	}
	return s
}

// ApplyToRemoteDocument applies every mutation for doc's key using the
// acknowledged results of the batch.
func (b *MutationBatch) ApplyToRemoteDocument(doc *MutableDocument, result *MutationBatchResult) {
	if len(result.MutationResults) != len(b.Mutations) {
		panic(fmt.Sprintf("batch %d has %d mutations but %d results", b.BatchID, len(b.Mutations), len(result.MutationResults)))
	}
	for i, m := range b.Mutations {
		if m.Key == doc.Key() {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies every mutation for doc's key and returns the
// accumulated field mask (nil when the whole document was replaced).
func (b *MutationBatch) ApplyToLocalView(doc *MutableDocument, mask *FieldMask) *FieldMask {
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToLocalDocumentSet applies the batch to every document it touches in
// docs and returns the overlay mutation for each of them. Documents in
// withoutRemoteVersion were never seen by the server, so their overlay
// replaces the whole document.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs map[DocumentKey]*OverlayedDocument, withoutRemoteVersion DocumentKeySet) map[DocumentKey]Mutation {
	overlays := make(map[DocumentKey]Mutation)
	seen := NewDocumentKeySet()
	for _, m := range b.Mutations {
		od, ok := docs[m.Key]
		if !ok {
			continue
		}
		if seen.Has(m.Key) {
			continue
		}
		seen.Add(m.Key)
		doc := od.Document
		mask := b.ApplyToLocalView(doc, od.MutatedFields)
		if withoutRemoteVersion.Has(m.Key) {
			mask = nil
		}
		if overlay := CalculateOverlayMutation(doc, mask); overlay != nil {
			overlays[m.Key] = *overlay
		}
		if !doc.IsValidDocument() {
			doc.ConvertToNoDocument(MinVersion())
		}
	}
	return overlays
}

// Equal compares two batches.
func (b *MutationBatch) Equal(other *MutationBatch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime || len(b.Mutations) != len(other.Mutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	return true
}

// MutationBatchResult is the server's acknowledgement of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	// DocVersions maps each written key to its commit version.
	DocVersions map[DocumentKey]SnapshotVersion
}

// NewMutationBatchResult builds the result for batch.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) (*MutationBatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("mutations sent %d must equal results received %d", len(batch.Mutations), len(results))
	}
	versions := make(map[DocumentKey]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the squashed effect of every pending batch on one document,
// tagged with the largest batch id that contributed to it.
type Overlay struct {
	LargestBatchID int      `json:"largestBatchId"`
	Mutation       Mutation `json:"mutation"`
}

// Key returns the overlaid document's key.
func (o Overlay) Key() DocumentKey { return o.Mutation.Key }

// User identifies the owner of a mutation queue. The zero User is the
// unauthenticated user.
type User struct {
	UID string `json:"uid"`
}

// Unauthenticated is the user before sign-in.
var Unauthenticated = User{}

// IsAuthenticated reports whether the user has a uid.
func (u User) IsAuthenticated() bool { return u.UID != "" }

func (u User) String() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}
