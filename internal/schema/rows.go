package schema

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// Row is a persisted value.
type Row interface {
	Validate() error
}

// Encode validates row and serializes it.
func Encode(row Row) ([]byte, error) {
	if err := row.Validate(); err != nil {
		return nil, fmt.Errorf("cannot write invalid row: %w", err)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", row, err)
	}
	return data, nil
}

// Decode parses and validates a row of type T.
//
// Example:
//
//	row, err := schema.Decode[schema.TargetRow](data)
func Decode[T any, PT interface {
	*T
	Row
}](data []byte) (*T, error) {
	row := PT(new(T))
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("failed to parse %T: %w", row, err)
	}
	if err := row.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %T: %w", row, err)
	}
	return (*T)(row), nil
}

// MutationQueueRow is the per-user queue metadata.
type MutationQueueRow struct {
	UserID                  string `json:"userId"`
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
}

func (r *MutationQueueRow) Validate() error { return nil }

// MutationBatchRow is one queued batch.
type MutationBatchRow struct {
	UserID         string           `json:"userId"`
	BatchID        int              `json:"batchId"`
	LocalWriteTime model.Timestamp  `json:"localWriteTime"`
	BaseMutations  []model.Mutation `json:"baseMutations,omitempty"`
	Mutations      []model.Mutation `json:"mutations"`
}

func (r *MutationBatchRow) Validate() error {
	if r.BatchID <= 0 {
		return fmt.Errorf("batch id must be positive (got %d)", r.BatchID)
	}
	if len(r.Mutations) == 0 {
		return fmt.Errorf("batch %d has no mutations", r.BatchID)
	}
	return nil
}

// ToBatch converts the row to a model batch.
func (r *MutationBatchRow) ToBatch() *model.MutationBatch {
	return &model.MutationBatch{
		BatchID:        r.BatchID,
		LocalWriteTime: r.LocalWriteTime,
		Mutations:      r.Mutations,
	}
}

// OverlayRow is a cached overlay.
type OverlayRow struct {
	UserID          string         `json:"userId"`
	CollectionPath  string         `json:"collectionPath"`
	DocumentID      string         `json:"documentId"`
	CollectionGroup string         `json:"collectionGroup"`
	LargestBatchID  int            `json:"largestBatchId"`
	Mutation        model.Mutation `json:"mutation"`
}

func (r *OverlayRow) Validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("documentId is required")
	}
	if r.LargestBatchID <= 0 {
		return fmt.Errorf("largestBatchId must be positive (got %d)", r.LargestBatchID)
	}
	return nil
}

// NewOverlayRow builds the row of an overlay.
func NewOverlayRow(uid string, o model.Overlay) *OverlayRow {
	k := o.Key()
	return &OverlayRow{
		UserID:          uid,
		CollectionPath:  k.CollectionPath().CanonicalString(),
		DocumentID:      k.DocumentID(),
		CollectionGroup: k.CollectionGroup(),
		LargestBatchID:  o.LargestBatchID,
		Mutation:        o.Mutation,
	}
}

// ToOverlay converts the row to a model overlay.
func (r *OverlayRow) ToOverlay() model.Overlay {
	return model.Overlay{LargestBatchID: r.LargestBatchID, Mutation: r.Mutation}
}

// RemoteDocumentRow is a cached server document.
type RemoteDocumentRow struct {
	Key                   model.DocumentKey     `json:"key"`
	Type                  string                `json:"type"`
	Version               model.SnapshotVersion `json:"version"`
	ReadTime              model.SnapshotVersion `json:"readTime"`
	CreateTime            model.SnapshotVersion `json:"createTime"`
	Data                  *model.ObjectValue    `json:"data,omitempty"`
	HasCommittedMutations bool                  `json:"hasCommittedMutations,omitempty"`
}

// Document row types.
const (
	DocumentTypeFound   = "found"
	DocumentTypeNo      = "no"
	DocumentTypeUnknown = "unknown"
)

func (r *RemoteDocumentRow) Validate() error {
	if r.Key.IsEmpty() {
		return fmt.Errorf("key is required")
	}
	switch r.Type {
	case DocumentTypeFound, DocumentTypeNo, DocumentTypeUnknown:
	default:
		return fmt.Errorf("invalid document type %q", r.Type)
	}
	return nil
}

// NewRemoteDocumentRow builds the row of doc, which must be valid.
func NewRemoteDocumentRow(doc *model.MutableDocument) *RemoteDocumentRow {
	row := &RemoteDocumentRow{
		Key:                   doc.Key(),
		Version:               doc.Version(),
		ReadTime:              doc.ReadTime(),
		CreateTime:            doc.CreateTime(),
		HasCommittedMutations: doc.HasCommittedMutations(),
	}
	switch {
	case doc.IsFoundDocument():
		row.Type = DocumentTypeFound
		data := doc.Data()
		row.Data = &data
	case doc.IsNoDocument():
		row.Type = DocumentTypeNo
	default:
		row.Type = DocumentTypeUnknown
	}
	return row
}

// ToDocument converts the row back to a document.
func (r *RemoteDocumentRow) ToDocument() *model.MutableDocument {
	var doc *model.MutableDocument
	switch r.Type {
	case DocumentTypeFound:
		data := model.EmptyObject()
		if r.Data != nil {
			data = *r.Data
		}
		doc = model.NewFoundDocument(r.Key, r.Version, data)
	case DocumentTypeNo:
		doc = model.NewNoDocument(r.Key, r.Version)
	default:
		doc = model.NewUnknownDocument(r.Key, r.Version)
	}
	doc.SetReadTime(r.ReadTime).SetCreateTime(r.CreateTime)
	if r.HasCommittedMutations {
		doc.SetHasCommittedMutations()
	}
	return doc
}

// RemoteDocumentGlobalRow tracks the cache size.
type RemoteDocumentGlobalRow struct {
	ByteSize int64 `json:"byteSize"`
}

func (r *RemoteDocumentGlobalRow) Validate() error {
	if r.ByteSize < 0 {
		return fmt.Errorf("byteSize must not be negative (got %d)", r.ByteSize)
	}
	return nil
}

// TargetRow is a persisted target.
type TargetRow struct {
	TargetID                     int                   `json:"targetId"`
	CanonicalID                  string                `json:"canonicalId"`
	Target                       *query.Target         `json:"target"`
	SequenceNumber               int64                 `json:"sequenceNumber"`
	SnapshotVersion              model.SnapshotVersion `json:"snapshotVersion"`
	ResumeToken                  []byte                `json:"resumeToken,omitempty"`
	LastLimboFreeSnapshotVersion model.SnapshotVersion `json:"lastLimboFreeSnapshotVersion"`
}

func (r *TargetRow) Validate() error {
	if r.TargetID <= 0 {
		return fmt.Errorf("targetId must be positive (got %d)", r.TargetID)
	}
	if r.Target == nil {
		return fmt.Errorf("target is required")
	}
	return nil
}

// TargetGlobalRow holds the target counters.
type TargetGlobalRow struct {
	HighestTargetID             int                   `json:"highestTargetId"`
	HighestListenSequenceNumber int64                 `json:"highestListenSequenceNumber"`
	LastRemoteSnapshotVersion   model.SnapshotVersion `json:"lastRemoteSnapshotVersion"`
	TargetCount                 int                   `json:"targetCount"`
}

func (r *TargetGlobalRow) Validate() error {
	if r.TargetCount < 0 {
		return fmt.Errorf("targetCount must not be negative (got %d)", r.TargetCount)
	}
	return nil
}

// TargetDocumentRow is stored for sentinel rows (target id 0), which record
// the last sequence number at which a document was referenced.
type TargetDocumentRow struct {
	SequenceNumber int64 `json:"sequenceNumber,omitempty"`
}

func (r *TargetDocumentRow) Validate() error { return nil }

// IndexConfigRow is a field index definition.
type IndexConfigRow struct {
	IndexID         int                  `json:"indexId"`
	CollectionGroup string               `json:"collectionGroup"`
	Segments        []model.IndexSegment `json:"segments"`
}

func (r *IndexConfigRow) Validate() error {
	if r.CollectionGroup == "" {
		return fmt.Errorf("collectionGroup is required")
	}
	if len(r.Segments) == 0 {
		return fmt.Errorf("index %d has no segments", r.IndexID)
	}
	return nil
}

// IndexStateRow is the backfill progress of one index for one user.
type IndexStateRow struct {
	UserID         string            `json:"userId"`
	IndexID        int               `json:"indexId"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Offset         model.IndexOffset `json:"offset"`
}

func (r *IndexStateRow) Validate() error { return nil }

// BundleRow records a loaded bundle.
type BundleRow struct {
	BundleID   string          `json:"bundleId"`
	CreateTime model.Timestamp `json:"createTime"`
	Version    int             `json:"version"`
}

func (r *BundleRow) Validate() error {
	if r.BundleID == "" {
		return fmt.Errorf("bundleId is required")
	}
	return nil
}

// NamedQueryRow is a query saved from a bundle.
type NamedQueryRow struct {
	Name     string                `json:"name"`
	ReadTime model.SnapshotVersion `json:"readTime"`
	Query    query.Query           `json:"query"`
}

func (r *NamedQueryRow) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// ClientMetadataRow is the heartbeat of one client.
type ClientMetadataRow struct {
	ClientID        string `json:"clientId"`
	UpdateTimeMs    int64  `json:"updateTimeMs"`
	NetworkEnabled  bool   `json:"networkEnabled"`
	InForeground    bool   `json:"inForeground"`
	PID             int    `json:"pid"`
	Host            string `json:"host"`
	ActiveTargetIDs []int  `json:"activeTargetIds,omitempty"`
}

func (r *ClientMetadataRow) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	return nil
}

// OwnerRow is the primary lease.
type OwnerRow struct {
	OwnerID                 string `json:"ownerId"`
	LeaseTimestampMs        int64  `json:"leaseTimestampMs"`
	AllowTabSynchronization bool   `json:"allowTabSynchronization"`
}

func (r *OwnerRow) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("ownerId is required")
	}
	return nil
}

// Client event kinds.
const (
	EventBatchState    = "batch_state"
	EventTargetState   = "target_state"
	EventActiveTargets = "active_targets"
	EventOnlineState   = "online_state"
	EventRemoteChanges = "remote_changes"
)

// ClientEventRow is one entry of the shared client event log.
type ClientEventRow struct {
	Sequence    int64  `json:"sequence"`
	ClientID    string `json:"clientId"`
	Kind        string `json:"kind"`
	UserID      string `json:"userId,omitempty"`
	BatchID     int    `json:"batchId,omitempty"`
	TargetID    int    `json:"targetId,omitempty"`
	TargetIDs   []int  `json:"targetIds,omitempty"`
	State       string `json:"state,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

func (r *ClientEventRow) Validate() error {
	if r.Sequence <= 0 {
		return fmt.Errorf("sequence must be positive (got %d)", r.Sequence)
	}
	switch r.Kind {
	case EventBatchState, EventTargetState, EventActiveTargets, EventOnlineState, EventRemoteChanges:
	default:
		return fmt.Errorf("invalid event kind %q", r.Kind)
	}
	return nil
}

// Global names.
const (
	GlobalSessionToken            = "sessionToken"
	GlobalEngineVersion           = "engineVersion"
	GlobalBatchIDCounter          = "batchIdCounter"
	GlobalOverlayMigrationPending = "overlayMigrationPending"
	GlobalClientEventSequence     = "clientEventSequence"
)
