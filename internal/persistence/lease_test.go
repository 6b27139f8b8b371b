package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/schema"
)

type primaryRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *primaryRecorder) record(primary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, primary)
}

func (r *primaryRecorder) last() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func startClient(t *testing.T, cfg Config, id string) *Persistence {
	t.Helper()
	cfg.ClientID = id
	p, err := NewSQLite(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestFirstClientBecomesPrimary(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := startClient(t, sqliteConfig(path), "a")
	b := startClient(t, sqliteConfig(path), "b")

	assert.True(t, a.IsPrimary())
	assert.False(t, b.IsPrimary())

	rec := &primaryRecorder{}
	b.SetPrimaryStateListener(rec.record)
	assert.False(t, rec.last())

	err := b.RunTransaction(ctx, "write", ReadWritePrimary, func(tx *Transaction) error { return nil })
	assert.ErrorIs(t, err, errs.ErrNotPrimary)
	assert.NoError(t, a.RunTransaction(ctx, "write", ReadWritePrimary, func(tx *Transaction) error { return nil }))

	clients, err := a.ActiveClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	require.NoError(t, a.Shutdown())
	require.NoError(t, b.lease.refresh(ctx))
	assert.True(t, b.IsPrimary())
	assert.True(t, rec.last())

	clients, err = b.ActiveClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "b", clients[0].ClientID)
}

func TestNetworkDisabledPrimaryYields(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := startClient(t, sqliteConfig(path), "a")
	b := startClient(t, sqliteConfig(path), "b")
	require.True(t, a.IsPrimary())

	require.NoError(t, a.SetNetworkEnabled(ctx, false))
	assert.False(t, a.IsPrimary())

	require.NoError(t, b.lease.refresh(ctx))
	assert.True(t, b.IsPrimary())

	require.NoError(t, a.lease.refresh(ctx))
	assert.False(t, a.IsPrimary())
}

func TestZombiedOwnerLosesLease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := startClient(t, sqliteConfig(path), "a")
	b := startClient(t, sqliteConfig(path), "b")
	require.True(t, a.IsPrimary())

	a.lease.writeZombieMarker()
	_, err := os.Stat(filepath.Join(path+".zombies", "a.toml"))
	require.NoError(t, err)

	require.NoError(t, b.lease.refresh(ctx))
	assert.True(t, b.IsPrimary())

	clients, err := b.ActiveClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "b", clients[0].ClientID)
}

func TestExclusiveAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclusive.db")
	cfg := sqliteConfig(path)
	cfg.SynchronizeClients = false
	a := startClient(t, cfg, "a")
	require.True(t, a.IsPrimary())

	cfg.ClientID = "b"
	b, err := NewSQLite(cfg)
	require.NoError(t, err)
	defer b.Shutdown()
	assert.ErrorIs(t, b.Start(context.Background()), errs.ErrExclusiveAccess)

	shared := sqliteConfig(path)
	shared.ClientID = "c"
	c, err := NewSQLite(shared)
	require.NoError(t, err)
	defer c.Shutdown()
	assert.ErrorIs(t, c.Start(context.Background()), errs.ErrExclusiveAccess)

	forced := sqliteConfig(path)
	forced.ForceOwnership = true
	d := startClient(t, forced, "d")
	assert.True(t, d.IsPrimary())
}

func TestClearSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clear.db")
	cfg := sqliteConfig(path)
	a := startClient(t, cfg, "a")

	err := ClearSQLite(ctx, cfg)
	assert.ErrorIs(t, err, errs.ErrExclusiveAccess)

	require.NoError(t, a.Shutdown())
	require.NoError(t, ClearSQLite(ctx, cfg))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".zombies")
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, ClearSQLite(ctx, cfg), "clearing a missing store is a no-op")
}

func TestShutdownReleasesLease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "release.db")
	a := startClient(t, sqliteConfig(path), "a")
	require.NoError(t, a.Shutdown())

	p, err := NewSQLite(sqliteConfig(path))
	require.NoError(t, err)
	defer p.Shutdown()
	owner, err := Run(ctx, p, "owner", ReadOnly, func(tx *Transaction) (*schema.OwnerRow, error) {
		return GetRow[schema.OwnerRow](tx.Store(schema.Owner), schema.SingletonKey())
	})
	require.NoError(t, err)
	assert.Nil(t, owner)

	_, err = os.Stat(filepath.Join(path+".zombies", "a.toml"))
	assert.True(t, os.IsNotExist(err))
}
