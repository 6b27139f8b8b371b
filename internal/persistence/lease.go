package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/schema"
)

// Lease states.
const (
	leaseUnknown   = "unknown"
	leaseSecondary = "secondary"
	leasePrimary   = "primary"
)

// zombieMarker is written next to the database when a client shuts down so
// that others stop waiting for its lease before the heartbeat row expires.
type zombieMarker struct {
	ClientID string    `toml:"client_id"`
	MarkedAt time.Time `toml:"marked_at"`
	PID      int       `toml:"pid"`
	Host     string    `toml:"host"`
}

// lease implements the primary election between clients sharing one SQLite
// store. Every client writes a heartbeat row; the primary additionally keeps
// the owner row fresh. A lease older than MaxAge is free for the taking.
type lease struct {
	p         *Persistence
	cfg       config.LeaseSettings
	log       *zap.SugaredLogger
	clientID  string
	zombieDir string
	host      string
	now       func() time.Time

	mu             sync.Mutex
	state          *fsm.FSM
	networkEnabled bool
	inForeground   bool
	activeTargets  []int
	force          bool
	running        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLease(p *Persistence) *lease {
	host, _ := os.Hostname()
	l := &lease{
		p:              p,
		cfg:            p.cfg.Lease,
		log:            logging.For(p.cfg.Logger, logging.ComponentLease),
		clientID:       p.cfg.ClientID,
		zombieDir:      p.cfg.Path + ".zombies",
		host:           host,
		now:            time.Now,
		networkEnabled: true,
		inForeground:   true,
		force:          p.cfg.ForceOwnership,
	}
	l.state = fsm.NewFSM(
		leaseUnknown,
		fsm.Events{
			{Name: "acquire", Src: []string{leaseUnknown, leaseSecondary}, Dst: leasePrimary},
			{Name: "release", Src: []string{leaseUnknown, leasePrimary}, Dst: leaseSecondary},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.log.Infow("lease state changed", "client", l.clientID, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return l
}

func (l *lease) isPrimary() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Current() == leasePrimary
}

// transition moves the state machine and notifies the primary state
// listener when the state actually changed.
func (l *lease) transition(primary bool) {
	event, want := "release", leaseSecondary
	if primary {
		event, want = "acquire", leasePrimary
	}
	l.mu.Lock()
	changed := false
	if l.state.Current() != want {
		if err := l.state.Event(context.Background(), event); err != nil {
			l.log.Errorw("lease transition failed", "event", event, "error", err)
		} else {
			changed = true
		}
	}
	l.mu.Unlock()
	if changed {
		l.p.notifyPrimary(primary)
	}
}

func (l *lease) lost() { l.transition(false) }

func (l *lease) start(ctx context.Context) error {
	if err := l.refresh(ctx); err != nil {
		return err
	}
	if !l.isPrimary() && !l.p.cfg.SynchronizeClients {
		return errs.ErrExclusiveAccess
	}

	l.mu.Lock()
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.loop()
	return nil
}

func (l *lease) loop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.refresh(l.ctx); err != nil && l.ctx.Err() == nil {
				l.log.Warnw("failed to refresh lease", "error", err)
			}
		}
	}
}

// refresh writes the heartbeat and acquires, extends or releases the
// primary lease in one transaction.
func (l *lease) refresh(ctx context.Context) error {
	primary, err := Run(ctx, l.p, "update client metadata and try become primary", ReadWrite,
		func(tx *Transaction) (bool, error) {
			if err := l.writeClientMetadata(tx); err != nil {
				return false, err
			}
			can, err := l.canActAsPrimary(tx)
			if err != nil {
				return false, err
			}
			if can {
				return true, l.extend(tx)
			}
			return false, l.release(tx)
		})
	if err != nil {
		if errors.Is(err, errs.ErrExclusiveAccess) {
			l.transition(false)
		}
		return err
	}

	l.mu.Lock()
	l.force = false
	l.mu.Unlock()

	l.transition(primary)
	if primary {
		if err := l.p.RunTransaction(ctx, "prune inactive clients", ReadWrite, l.pruneClients); err != nil {
			l.log.Warnw("failed to prune inactive clients", "error", err)
		}
	}
	return nil
}

func (l *lease) writeClientMetadata(tx *Transaction) error {
	l.mu.Lock()
	row := &schema.ClientMetadataRow{
		ClientID:        l.clientID,
		UpdateTimeMs:    l.now().UnixMilli(),
		NetworkEnabled:  l.networkEnabled,
		InForeground:    l.inForeground,
		PID:             os.Getpid(),
		Host:            l.host,
		ActiveTargetIDs: append([]int(nil), l.activeTargets...),
	}
	l.mu.Unlock()
	return PutRow(tx.Store(schema.ClientMetadata), schema.ClientMetadataKey(l.clientID), row)
}

// canActAsPrimary decides whether this client may hold the lease. A valid
// lease of another client always wins. Otherwise the best client by network
// state, then foreground state, takes it.
func (l *lease) canActAsPrimary(tx *Transaction) (bool, error) {
	l.mu.Lock()
	network, foreground, force := l.networkEnabled, l.inForeground, l.force
	l.mu.Unlock()

	if force {
		return true, nil
	}

	owner, err := GetRow[schema.OwnerRow](tx.Store(schema.Owner), schema.SingletonKey())
	if err != nil {
		return false, err
	}
	if owner != nil && l.leaseValid(tx, owner) {
		if owner.OwnerID == l.clientID && network {
			return true, nil
		}
		if owner.OwnerID != l.clientID {
			if !owner.AllowTabSynchronization {
				return false, errs.ErrExclusiveAccess
			}
			return false, nil
		}
	}

	if network && foreground {
		return true, nil
	}

	clients, err := l.activeClients(tx)
	if err != nil {
		return false, err
	}
	for _, other := range clients {
		if other.ClientID == l.clientID {
			continue
		}
		betterNetwork := !network && other.NetworkEnabled
		betterVisibility := !foreground && other.InForeground
		sameNetwork := network == other.NetworkEnabled
		if betterNetwork || (betterVisibility && sameNetwork) {
			return false, nil
		}
	}
	return true, nil
}

// verify reports whether this client holds a valid lease.
func (l *lease) verify(tx *Transaction) (bool, error) {
	owner, err := GetRow[schema.OwnerRow](tx.Store(schema.Owner), schema.SingletonKey())
	if err != nil {
		return false, err
	}
	return owner != nil && owner.OwnerID == l.clientID && l.leaseValid(tx, owner), nil
}

// extend writes the owner row with a fresh timestamp.
func (l *lease) extend(tx *Transaction) error {
	return PutRow(tx.Store(schema.Owner), schema.SingletonKey(), &schema.OwnerRow{
		OwnerID:                 l.clientID,
		LeaseTimestampMs:        l.now().UnixMilli(),
		AllowTabSynchronization: l.p.cfg.SynchronizeClients,
	})
}

// release deletes the owner row if this client holds it.
func (l *lease) release(tx *Transaction) error {
	owner, err := GetRow[schema.OwnerRow](tx.Store(schema.Owner), schema.SingletonKey())
	if err != nil || owner == nil || owner.OwnerID != l.clientID {
		return err
	}
	return tx.Store(schema.Owner).Delete(schema.SingletonKey())
}

func (l *lease) leaseValid(tx *Transaction, owner *schema.OwnerRow) bool {
	return l.withinAge(owner.LeaseTimestampMs, l.cfg.MaxAge) && !l.isZombied(tx, owner.OwnerID)
}

func (l *lease) withinAge(updateTimeMs int64, maxAge time.Duration) bool {
	now := l.now().UnixMilli()
	if updateTimeMs < now-maxAge.Milliseconds() {
		return false
	}
	if updateTimeMs > now {
		l.log.Warnw("detected an update time in the future", "updateTimeMs", updateTimeMs, "nowMs", now)
		return false
	}
	return true
}

// isZombied reports whether clientID has shut down or, when it ran on this
// host, whether its process is gone.
func (l *lease) isZombied(tx *Transaction, clientID string) bool {
	if clientID == l.clientID {
		return false
	}
	if m, ok := l.readZombieMarker(clientID); ok && l.withinAge(m.MarkedAt.UnixMilli(), l.cfg.ClientMaxAge) {
		return true
	}
	row, err := GetRow[schema.ClientMetadataRow](tx.Store(schema.ClientMetadata), schema.ClientMetadataKey(clientID))
	if err != nil || row == nil {
		return false
	}
	if row.Host == l.host && row.PID > 0 && row.PID != os.Getpid() {
		return !processAlive(row.PID)
	}
	return false
}

// activeClients returns the heartbeat rows of clients that refreshed within
// ClientMaxAge and have not shut down.
func (l *lease) activeClients(tx *Transaction) ([]schema.ClientMetadataRow, error) {
	var out []schema.ClientMetadataRow
	err := IterateRows[schema.ClientMetadataRow](tx.Store(schema.ClientMetadata), Everything(), false,
		func(_ []byte, row *schema.ClientMetadataRow) error {
			if l.withinAge(row.UpdateTimeMs, l.cfg.ClientMaxAge) && !l.isZombied(tx, row.ClientID) {
				out = append(out, *row)
			}
			return nil
		})
	return out, err
}

// pruneClients deletes the heartbeat rows and zombie markers of clients
// that have been silent longer than ClientMaxAge.
func (l *lease) pruneClients(tx *Transaction) error {
	store := tx.Store(schema.ClientMetadata)
	var stale []string
	err := IterateRows[schema.ClientMetadataRow](store, Everything(), false,
		func(_ []byte, row *schema.ClientMetadataRow) error {
			if row.ClientID != l.clientID && !l.withinAge(row.UpdateTimeMs, l.cfg.ClientMaxAge) {
				stale = append(stale, row.ClientID)
			}
			return nil
		})
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := store.Delete(schema.ClientMetadataKey(id)); err != nil {
			return err
		}
		l.log.Debugw("pruned inactive client", "client", id)
	}
	tx.AddOnCommittedListener(func() {
		for _, id := range stale {
			l.removeZombieMarker(id)
		}
		l.pruneZombieMarkers()
	})
	return nil
}

func (l *lease) setNetworkEnabled(ctx context.Context, enabled bool) error {
	l.mu.Lock()
	changed := l.networkEnabled != enabled
	l.networkEnabled = enabled
	running := l.running
	l.mu.Unlock()
	if !changed || !running {
		return nil
	}
	return l.refresh(ctx)
}

func (l *lease) setInForeground(ctx context.Context, inForeground bool) error {
	l.mu.Lock()
	changed := l.inForeground != inForeground
	l.inForeground = inForeground
	running := l.running
	l.mu.Unlock()
	if !changed || !running {
		return nil
	}
	return l.refresh(ctx)
}

func (l *lease) setActiveTargets(ids []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeTargets = append([]int(nil), ids...)
}

// shutdown stops the heartbeat, marks this client as gone and gives up the
// lease and heartbeat row.
func (l *lease) shutdown() {
	l.mu.Lock()
	running := l.running
	l.running = false
	l.mu.Unlock()
	if running {
		l.cancel()
		l.wg.Wait()
	}

	l.writeZombieMarker()
	err := l.p.RunTransaction(context.Background(), "shutdown", ReadWrite, func(tx *Transaction) error {
		if err := l.release(tx); err != nil {
			return err
		}
		return tx.Store(schema.ClientMetadata).Delete(schema.ClientMetadataKey(l.clientID))
	})
	if err != nil {
		l.log.Warnw("failed to release lease on shutdown", "error", err)
		return
	}
	l.removeZombieMarker(l.clientID)

	l.mu.Lock()
	l.state.SetState(leaseSecondary)
	l.mu.Unlock()
}

func (l *lease) markerPath(clientID string) string {
	return filepath.Join(l.zombieDir, clientID+".toml")
}

func (l *lease) writeZombieMarker() {
	if err := os.MkdirAll(l.zombieDir, 0755); err != nil {
		l.log.Warnw("failed to create zombie directory", "error", err)
		return
	}
	f, err := os.Create(l.markerPath(l.clientID))
	if err != nil {
		l.log.Warnw("failed to write zombie marker", "error", err)
		return
	}
	defer f.Close()
	m := zombieMarker{ClientID: l.clientID, MarkedAt: l.now(), PID: os.Getpid(), Host: l.host}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		l.log.Warnw("failed to encode zombie marker", "error", err)
	}
}

func (l *lease) readZombieMarker(clientID string) (zombieMarker, bool) {
	var m zombieMarker
	if _, err := toml.DecodeFile(l.markerPath(clientID), &m); err != nil {
		return zombieMarker{}, false
	}
	return m, m.ClientID == clientID
}

func (l *lease) removeZombieMarker(clientID string) {
	if err := os.Remove(l.markerPath(clientID)); err != nil && !os.IsNotExist(err) {
		l.log.Warnw("failed to remove zombie marker", "client", clientID, "error", err)
	}
}

// pruneZombieMarkers removes markers older than ClientMaxAge.
func (l *lease) pruneZombieMarkers() {
	entries, err := os.ReadDir(l.zombieDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".toml")]
		if m, ok := l.readZombieMarker(id); !ok || !l.withinAge(m.MarkedAt.UnixMilli(), l.cfg.ClientMaxAge) {
			l.removeZombieMarker(id)
		}
	}
}

// ClearSQLite deletes the SQLite store at cfg.Path along with its WAL and
// zombie markers. It fails with errs.ErrExclusiveAccess while any client
// still uses the store.
func ClearSQLite(ctx context.Context, cfg Config) error {
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		return nil
	}
	p, err := NewSQLite(cfg)
	if err != nil {
		return err
	}
	inUse, err := Run(ctx, p, "check store in use", ReadOnly, func(tx *Transaction) (bool, error) {
		owner, err := GetRow[schema.OwnerRow](tx.Store(schema.Owner), schema.SingletonKey())
		if err != nil {
			return false, err
		}
		if owner != nil && p.lease.leaseValid(tx, owner) {
			return true, nil
		}
		clients, err := p.lease.activeClients(tx)
		if err != nil {
			return false, err
		}
		for _, c := range clients {
			if c.ClientID != p.cfg.ClientID && p.lease.withinAge(c.UpdateTimeMs, p.cfg.Lease.MaxAge) {
				return true, nil
			}
		}
		return false, nil
	})
	if cerr := p.Shutdown(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("cannot clear %s: %w", cfg.Path, errs.ErrExclusiveAccess)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(cfg.Path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", cfg.Path+suffix, err)
		}
	}
	if err := os.RemoveAll(cfg.Path + ".zombies"); err != nil {
		return fmt.Errorf("failed to remove zombie markers: %w", err)
	}
	return nil
}
