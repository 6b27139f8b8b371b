// Package persistence provides transactional access to the named, ordered
// stores that hold a client's local state.
//
// Two backends exist. The memory backend keeps every store in persistent
// sorted maps and is always primary. The SQLite backend keeps one table per
// store in a WAL-mode database that several processes may share; exactly
// one of them holds the primary lease at a time.
//
// Example:
//
//	p, err := persistence.Open(persistence.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Shutdown()
//
//	count, err := persistence.Run(ctx, p, "count targets", persistence.ReadOnly,
//	    func(tx *persistence.Transaction) (int, error) {
//	        return tx.Store(schema.Targets).Count(persistence.Everything())
//	    })
package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/schema"
)

// EngineVersion is written to every store this build opens. Stores written
// by a newer major version are refused.
const EngineVersion = "v1.0.0"

// Mode selects what a transaction may do.
type Mode int

const (
	// ReadOnly transactions may only read.
	ReadOnly Mode = iota
	// ReadWrite transactions may write any store.
	ReadWrite
	// ReadWritePrimary transactions additionally require the primary lease
	// and extend it on success.
	ReadWritePrimary
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	default:
		return "unknown"
	}
}

// Config holds configuration for a Persistence.
type Config struct {
	// Backend is config.BackendSQLite or config.BackendMemory.
	Backend string
	// Path is the SQLite database file.
	Path string
	// ClientID identifies this client among those sharing the store. A
	// random id is generated when empty.
	ClientID string
	// SynchronizeClients lets other clients share the store.
	SynchronizeClients bool
	// ForceOwnership takes the primary lease from a client that requires
	// exclusive access.
	ForceOwnership bool

	Lease config.LeaseSettings

	// DebounceInterval batches storage-change notifications.
	DebounceInterval time.Duration
	// MaxRetries bounds the retries of a transiently failing transaction.
	MaxRetries uint64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	d := config.DefaultSettings()
	return Config{
		Backend:            config.BackendMemory,
		SynchronizeClients: true,
		Lease:              d.Lease,
		DebounceInterval:   100 * time.Millisecond,
		MaxRetries:         10,
	}
}

// ConfigFromSettings derives a Config from loaded settings.
func ConfigFromSettings(s *config.Settings, logger *zap.Logger, m *metrics.Metrics) Config {
	cfg := DefaultConfig()
	cfg.Backend = s.Persistence.Backend
	cfg.Path = s.Persistence.Path
	cfg.SynchronizeClients = s.Persistence.SynchronizeClients
	cfg.ForceOwnership = s.Persistence.ForceOwnership
	cfg.Lease = s.Lease
	cfg.Logger = logger
	cfg.Metrics = m
	return cfg
}

type backend interface {
	begin(ctx context.Context, readOnly bool) (backendTx, error)
	schemaVersion() int
	close() error
}

type backendTx interface {
	store(name string) (Store, error)
	commit() error
	rollback() error
}

// Transaction is the handle passed to a RunTransaction callback. It and every
// Store obtained from it are invalid once the callback returns.
type Transaction struct {
	label       string
	mode        Mode
	btx         backendTx
	handles     map[string]Store
	finished    bool
	onCommitted []func()
	values      map[any]any
}

// Label returns the name the transaction was started with.
func (t *Transaction) Label() string { return t.label }

// Mode returns the transaction mode.
func (t *Transaction) Mode() Mode { return t.mode }

// Store returns the handle of the named store.
func (t *Transaction) Store(name string) Store {
	errs.Assert(!t.finished, "transaction %q used after completion", t.label)
	if s, ok := t.handles[name]; ok {
		return s
	}
	s, err := t.btx.store(name)
	if err != nil {
		errs.Fail("transaction %q: %v", t.label, err)
	}
	t.handles[name] = s
	return s
}

// AddOnCommittedListener registers fn to run after a successful commit.
func (t *Transaction) AddOnCommittedListener(fn func()) {
	t.onCommitted = append(t.onCommitted, fn)
}

// Value returns a value attached to the transaction with SetValue.
func (t *Transaction) Value(key any) any { return t.values[key] }

// SetValue attaches a value for the lifetime of the transaction.
func (t *Transaction) SetValue(key, value any) { t.values[key] = value }

// Persistence owns the backend and, for shared stores, the primary lease.
type Persistence struct {
	cfg     Config
	log     *zap.SugaredLogger
	backend backend
	lease   *lease
	watcher *Watcher

	mu       sync.Mutex
	started  bool
	closing  bool
	closed   bool
	listener func(isPrimary bool)
}

// Open creates the Persistence selected by cfg.Backend.
func Open(cfg Config) (*Persistence, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemory(cfg), nil
	case config.BackendSQLite:
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// NewMemory creates an in-memory Persistence. It is always primary.
func NewMemory(cfg Config) *Persistence {
	return newPersistence(cfg, newMemoryBackend())
}

func newPersistence(cfg Config, b backend) *Persistence {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Persistence{
		cfg:     cfg,
		log:     logging.For(cfg.Logger, logging.ComponentPersistence),
		backend: b,
	}
}

// ClientID returns the id of this client.
func (p *Persistence) ClientID() string { return p.cfg.ClientID }

// SchemaVersion returns the schema version of the open store.
func (p *Persistence) SchemaVersion() int { return p.backend.schemaVersion() }

// Start checks the engine version and, for shared stores, joins the lease
// protocol. It fails with errs.ErrExclusiveAccess when another client holds
// the store exclusively.
func (p *Persistence) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("persistence already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.RunTransaction(ctx, "check engine version", ReadWrite, checkEngineVersion); err != nil {
		return err
	}
	if p.lease != nil {
		if err := p.lease.start(ctx); err != nil {
			return err
		}
	}
	if p.watcher != nil {
		if err := p.watcher.Start(); err != nil {
			p.log.Warnw("storage change notifications unavailable", "error", err)
		}
	}
	p.log.Infow("persistence started", "client", p.cfg.ClientID, "backend", p.cfg.Backend, "schema", p.SchemaVersion())
	return nil
}

// Shutdown releases the lease, stops background work and closes the store.
func (p *Persistence) Shutdown() error {
	p.mu.Lock()
	if p.closed || p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	started := p.started
	p.mu.Unlock()

	if p.lease != nil && started {
		p.lease.shutdown()
	}
	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			p.log.Warnw("failed to stop watcher", "error", err)
		}
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.backend.close()
}

// IsPrimary reports whether this client currently holds the primary lease.
func (p *Persistence) IsPrimary() bool {
	if p.lease == nil {
		return true
	}
	return p.lease.isPrimary()
}

// SetPrimaryStateListener registers fn for lease changes and calls it with
// the current state. fn must not block.
func (p *Persistence) SetPrimaryStateListener(fn func(isPrimary bool)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
	fn(p.IsPrimary())
}

func (p *Persistence) notifyPrimary(isPrimary bool) {
	p.cfg.Metrics.SetPrimary(isPrimary)
	p.mu.Lock()
	fn := p.listener
	p.mu.Unlock()
	if fn != nil {
		fn(isPrimary)
	}
}

// SetNetworkEnabled records the network state that lease eligibility is
// based on and refreshes the lease.
func (p *Persistence) SetNetworkEnabled(ctx context.Context, enabled bool) error {
	if p.lease == nil {
		return nil
	}
	return p.lease.setNetworkEnabled(ctx, enabled)
}

// SetInForeground records whether this client is in active use. Foreground
// clients are preferred for the lease.
func (p *Persistence) SetInForeground(ctx context.Context, inForeground bool) error {
	if p.lease == nil {
		return nil
	}
	return p.lease.setInForeground(ctx, inForeground)
}

// SetActiveTargetIDs publishes the targets this client listens to.
func (p *Persistence) SetActiveTargetIDs(ids []int) {
	if p.lease != nil {
		p.lease.setActiveTargets(ids)
	}
}

// ActiveClients returns the heartbeat rows of clients that are neither
// stale nor shut down.
func (p *Persistence) ActiveClients(ctx context.Context) ([]schema.ClientMetadataRow, error) {
	if p.lease == nil {
		return []schema.ClientMetadataRow{{ClientID: p.cfg.ClientID, NetworkEnabled: true, InForeground: true}}, nil
	}
	return Run(ctx, p, "get active clients", ReadOnly, func(tx *Transaction) ([]schema.ClientMetadataRow, error) {
		return p.lease.activeClients(tx)
	})
}

// StorageChanges emits after other clients may have written to the store.
// It is nil for stores that are not shared.
func (p *Persistence) StorageChanges() <-chan struct{} {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Changes()
}

// RunTransaction runs fn in a transaction. Transient failures are retried
// with exponential backoff, each attempt in a fresh transaction, so fn must
// be safe to run more than once.
func (p *Persistence) RunTransaction(ctx context.Context, label string, mode Mode, fn func(tx *Transaction) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errs.ErrClosed
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.cfg.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := p.runOnce(ctx, label, mode, fn)
		if err == nil {
			return nil
		}
		if errs.IsTransient(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.RetryNotify(op, b, func(err error, delay time.Duration) {
		p.cfg.Metrics.IncRetries()
		p.log.Debugw("retrying transaction", "label", label, "attempt", attempt, "delay", delay, "error", err)
	})
}

func (p *Persistence) runOnce(ctx context.Context, label string, mode Mode, fn func(tx *Transaction) error) (err error) {
	btx, err := p.backend.begin(ctx, mode == ReadOnly)
	if err != nil {
		return fmt.Errorf("failed to begin transaction %q: %w", label, err)
	}
	tx := &Transaction{
		label:   label,
		mode:    mode,
		btx:     btx,
		handles: make(map[string]Store),
		values:  make(map[any]any),
	}
	committed := false
	defer func() {
		tx.finished = true
		if !committed {
			_ = btx.rollback()
		}
	}()
	defer errs.Recover(&err)

	if mode == ReadWritePrimary && p.lease != nil {
		holds, err := p.lease.verify(tx)
		if err != nil {
			return err
		}
		if !holds {
			p.log.Warnw("primary lease lost", "label", label)
			p.lease.lost()
			return fmt.Errorf("transaction %q: %w", label, errs.ErrNotPrimary)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if mode == ReadWritePrimary && p.lease != nil {
		if err := p.lease.extend(tx); err != nil {
			return err
		}
	}
	if err := btx.commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %q: %w", label, err)
	}
	committed = true
	tx.finished = true
	for _, l := range tx.onCommitted {
		l()
	}
	return nil
}

// Run is RunTransaction for callbacks that produce a value.
func Run[T any](ctx context.Context, p *Persistence, label string, mode Mode, fn func(tx *Transaction) (T, error)) (T, error) {
	var out T
	err := p.RunTransaction(ctx, label, mode, func(tx *Transaction) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// GetGlobal reads a named global. It returns nil when unset.
func GetGlobal(tx *Transaction, name string) ([]byte, error) {
	return tx.Store(schema.Globals).Get(schema.GlobalKey(name))
}

// SetGlobal writes a named global.
func SetGlobal(tx *Transaction, name string, value []byte) error {
	return tx.Store(schema.Globals).Put(schema.GlobalKey(name), value)
}

func checkEngineVersion(tx *Transaction) error {
	raw, err := GetGlobal(tx, schema.GlobalEngineVersion)
	if err != nil {
		return err
	}
	stored := string(raw)
	if raw != nil && semver.IsValid(stored) {
		if semver.Compare(semver.Major(stored), semver.Major(EngineVersion)) > 0 {
			return errs.New(errs.FailedPrecondition,
				"store was written by engine %s, which is newer than this engine (%s)", stored, EngineVersion)
		}
		if semver.Compare(stored, EngineVersion) >= 0 {
			return nil
		}
	}
	return SetGlobal(tx, schema.GlobalEngineVersion, []byte(EngineVersion))
}
