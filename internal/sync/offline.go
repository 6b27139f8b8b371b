package sync

import (
	"context"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// offlineRemoteStore implements RemoteStore for clients without a backend.
type offlineRemoteStore struct {
	syncer  remote.RemoteSyncer
	targets map[int]*local.TargetData
}

// NewOfflineRemoteStore returns a remote store that never connects. Writes
// stay queued and views are served from cache.
//
// Example:
//
//	engine := sync.NewSyncEngine(sync.Options{
//	    LocalStore: store,
//	    Remote:     sync.NewOfflineRemoteStore(),
//	})
func NewOfflineRemoteStore() RemoteStore {
	return &offlineRemoteStore{targets: make(map[int]*local.TargetData)}
}

// Start implements RemoteStore.Start.
func (s *offlineRemoteStore) Start(_ context.Context, syncer remote.RemoteSyncer, _ remote.BatchSource) error {
	s.syncer = syncer
	syncer.ApplyOnlineStateChange(remote.Offline)
	return nil
}

// Listen implements RemoteStore.Listen.
func (s *offlineRemoteStore) Listen(_ context.Context, td *local.TargetData) error {
	s.targets[td.TargetID] = td
	return nil
}

// Unlisten implements RemoteStore.Unlisten.
func (s *offlineRemoteStore) Unlisten(_ context.Context, targetID int) error {
	delete(s.targets, targetID)
	return nil
}

func (s *offlineRemoteStore) FillWritePipeline(context.Context) error { return nil }
func (s *offlineRemoteStore) EnableNetwork(context.Context) error     { return nil }
func (s *offlineRemoteStore) DisableNetwork(context.Context) error    { return nil }
func (s *offlineRemoteStore) CanUseNetwork() bool                     { return false }

func (s *offlineRemoteStore) HandleCredentialChange(context.Context, model.User) error { return nil }
func (s *offlineRemoteStore) ApplyPrimaryState(context.Context, bool) error           { return nil }

// Shutdown implements RemoteStore.Shutdown.
func (s *offlineRemoteStore) Shutdown(context.Context) error {
	s.targets = make(map[int]*local.TargetData)
	return nil
}
