// Package remote defines the boundary between the sync engine and the
// backend connection: the events a backend delivers and the callbacks the
// sync engine implements to receive them.
//
// The wire transport itself lives outside docsync. Package loopback provides
// an in-process backend that speaks this boundary and is used by tests, the
// load test and the CLI's demo mode.
package remote

import (
	"context"
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// OnlineState is the client's belief about its backend connection.
type OnlineState int

const (
	// OnlineUnknown is the state before the first connection attempt
	// settles. Listeners waiting for the server are not released yet.
	OnlineUnknown OnlineState = iota
	// Online means the backend is reachable.
	Online
	// Offline means the backend is unreachable or the network was disabled.
	// Snapshots are raised from cache.
	Offline
)

func (s OnlineState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// ParseOnlineState is the inverse of OnlineState.String.
func ParseOnlineState(s string) (OnlineState, error) {
	switch s {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	case "unknown":
		return OnlineUnknown, nil
	}
	return OnlineUnknown, fmt.Errorf("invalid online state %q", s)
}

// TargetChange is the effect of one remote event on one target.
type TargetChange struct {
	// ResumeToken resumes the listen from this event; empty means unchanged.
	ResumeToken []byte
	// Current is set once the target's result set reflects the snapshot
	// version of the event.
	Current           bool
	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns an empty change.
func NewTargetChange(resumeToken []byte, current bool) TargetChange {
	return TargetChange{
		ResumeToken:       resumeToken,
		Current:           current,
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// Size returns the number of documents the change touches.
func (c TargetChange) Size() int {
	return c.AddedDocuments.Len() + c.ModifiedDocuments.Len() + c.RemovedDocuments.Len()
}

// RemoteEvent is an aggregated set of changes delivered at one consistent
// snapshot version.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[int]TargetChange
	// TargetMismatches holds targets whose result set diverged from the
	// server's count and must be re-listened without a resume token.
	TargetMismatches map[int]struct{}
	// DocumentUpdates maps each changed key to its new remote state. Deleted
	// documents are NoDocuments.
	DocumentUpdates model.DocumentMap
	// ResolvedLimboDocuments are keys whose limbo state the event settled.
	ResolvedLimboDocuments model.DocumentKeySet
}

// NewRemoteEvent returns an empty event at version.
func NewRemoteEvent(version model.SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          make(map[int]TargetChange),
		TargetMismatches:       make(map[int]struct{}),
		DocumentUpdates:        make(model.DocumentMap),
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

// SynthesizedCurrentChange returns an event with no document updates that
// marks targetID current or not current. Clients that do not own the network
// connection use it to refresh their views from the shared cache.
func SynthesizedCurrentChange(targetID int, current bool) *RemoteEvent {
	ev := NewRemoteEvent(model.MinVersion())
	ev.TargetChanges[targetID] = NewTargetChange(nil, current)
	return ev
}

// RemoteSyncer receives everything the backend connection reports. The sync
// engine implements it. Every method is called on the client's async queue.
type RemoteSyncer interface {
	// ApplyRemoteEvent applies a consistent snapshot of listen changes.
	ApplyRemoteEvent(ctx context.Context, ev *RemoteEvent) error
	// RejectListen reports that the backend refused the listen for targetID.
	RejectListen(ctx context.Context, targetID int, err error) error
	// ApplySuccessfulWrite reports that a mutation batch was committed.
	ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error
	// RejectFailedWrite reports that the backend permanently refused a batch.
	RejectFailedWrite(ctx context.Context, batchID int, err error) error
	// GetRemoteKeysForTarget returns the keys the client believes the
	// backend holds for targetID.
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
	// HandleCredentialChange switches the client to a different user.
	HandleCredentialChange(ctx context.Context, user model.User) error
	// ApplyOnlineStateChange reports a change of connectivity.
	ApplyOnlineStateChange(state OnlineState)
}

// BatchSource hands out queued mutation batches for the write pipeline.
type BatchSource interface {
	// NextMutationBatch returns the first batch after afterBatchID, or nil
	// when the queue has nothing more to send.
	NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error)
}
