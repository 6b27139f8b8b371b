package sync

import (
	"context"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// RemoteStore is the engine's connection to the backend.
//
// The remote store watches targets and sends queued mutation batches. Its
// results come back through the remote.RemoteSyncer passed to Start, on the
// client's async queue. Every method is also called on that queue.
type RemoteStore interface {
	// Start wires the store to the engine and, when the network is
	// usable, connects.
	//
	// Example:
	//   err := remoteStore.Start(ctx, engine, localStore)
	Start(ctx context.Context, syncer remote.RemoteSyncer, batches remote.BatchSource) error

	// Listen starts watching td's target. The listen survives network
	// changes until Unlisten; it is resent whenever the store reconnects.
	//
	// Example:
	//   err := remoteStore.Listen(ctx, targetData)
	Listen(ctx context.Context, td *local.TargetData) error

	// Unlisten stops watching targetID.
	//
	// Returns nil if the target is not watched (idempotent).
	Unlisten(ctx context.Context, targetID int) error

	// FillWritePipeline sends queued mutation batches that have not been
	// sent yet. It is called after every local write and acknowledgement.
	FillWritePipeline(ctx context.Context) error

	// EnableNetwork reconnects after DisableNetwork.
	EnableNetwork(ctx context.Context) error

	// DisableNetwork disconnects and reports the client offline. Listens
	// and writes are kept and resumed by EnableNetwork.
	DisableNetwork(ctx context.Context) error

	// HandleCredentialChange restarts the streams as user.
	HandleCredentialChange(ctx context.Context, user model.User) error

	// ApplyPrimaryState connects only while this client is the primary
	// client of the shared store.
	ApplyPrimaryState(ctx context.Context, isPrimary bool) error

	// CanUseNetwork reports whether the network is enabled and this client
	// may use it.
	CanUseNetwork() bool

	// Shutdown disconnects for good.
	Shutdown(ctx context.Context) error
}

// SyncEngineListener receives the engine's snapshots and errors. The
// EventManager implements it.
type SyncEngineListener interface {
	// OnWatchChange delivers the snapshots raised by one engine operation.
	OnWatchChange(snapshots []*ViewSnapshot)

	// OnWatchError reports that the query can no longer be listened to.
	OnWatchError(q query.Query, err error)

	// OnOnlineStateChange reports a change of connectivity.
	OnOnlineStateChange(state remote.OnlineState)
}
