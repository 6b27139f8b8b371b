// Package client is the per-client context of docsync. A Client owns its
// persistence, local store, sync engine and event manager, and runs every
// operation on one async queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/sync"
)

// ConnectFunc builds the remote store of a client. The store runs on queue.
type ConnectFunc func(queue *async.Queue, logger *zap.Logger) sync.RemoteStore

// Config holds configuration for a Client.
type Config struct {
	Settings *config.Settings
	User     model.User
	// ClientID identifies the client among those sharing a store. A random
	// id is generated when empty.
	ClientID string
	// Connect builds the connection to the backend. A nil Connect leaves
	// the client offline for good.
	Connect ConnectFunc

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a configuration for an offline, unauthenticated
// client over the default settings.
func DefaultConfig() *Config {
	return &Config{
		Settings: config.DefaultSettings(),
		User:     model.Unauthenticated,
	}
}

// Client is one docsync client.
//
// Client is safe for concurrent use. Its methods enqueue work on the
// client's queue and wait for it.
type Client struct {
	cfg    *Config
	root   *zap.Logger
	log    *zap.SugaredLogger
	queue  *async.Queue
	p      *persistence.Persistence
	store  *local.LocalStore
	shared local.SharedClientState
	engine *sync.SyncEngine
	events *sync.EventManager

	gc       *local.LruScheduler
	backfill *local.BackfillScheduler

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        gosync.Mutex
	closed    bool
	observers map[int]func(Event)
	nextObs   int
}

// New creates and starts a client with the default configuration over
// settings.
func New(ctx context.Context, settings *config.Settings) (*Client, error) {
	cfg := DefaultConfig()
	if settings != nil {
		cfg.Settings = settings
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig creates and starts a client. The persistence is opened and
// the sync engine started before it returns.
func NewWithConfig(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultSettings()
	}
	settings := cfg.Settings

	pcfg := persistence.ConfigFromSettings(settings, cfg.Logger, cfg.Metrics)
	pcfg.ClientID = cfg.ClientID
	p, err := persistence.Open(pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start persistence: %w", err)
	}

	store := local.NewLocalStore(local.Options{
		Persistence: p,
		User:        cfg.User,
		Settings:    settings,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	if err := store.Start(ctx); err != nil {
		_ = p.Shutdown()
		return nil, err
	}

	queue := async.NewQueue()
	var shared local.SharedClientState = local.NewMemorySharedClientState()
	if settings.Persistence.Backend == config.BackendSQLite && settings.Persistence.SynchronizeClients {
		shared = local.NewPersistentSharedClientState(p, queue, cfg.User, settings.Lease.PollInterval,
			logging.For(cfg.Logger, logging.ComponentSharedState))
	}
	var remoteStore sync.RemoteStore
	if cfg.Connect != nil {
		remoteStore = cfg.Connect(queue, cfg.Logger)
	}
	engine := sync.NewSyncEngine(sync.Options{
		LocalStore:  store,
		Remote:      remoteStore,
		SharedState: shared,
		User:        cfg.User,
		Settings:    settings,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(loopCtx)
	c := &Client{
		cfg:       cfg,
		root:      cfg.Logger,
		log:       logging.For(cfg.Logger, logging.ComponentClient),
		queue:     queue,
		p:         p,
		store:     store,
		shared:    shared,
		engine:    engine,
		events:    sync.NewEventManager(engine),
		ctx:       groupCtx,
		cancel:    cancel,
		group:     group,
		observers: make(map[int]func(Event)),
	}
	c.gc = local.NewLruScheduler(queue, settings.GC, c.collectGarbage, logging.For(cfg.Logger, logging.ComponentLruGC))
	c.backfill = local.NewBackfillScheduler(queue, store.NewIndexBackfiller(), logging.For(cfg.Logger, logging.ComponentBackfiller))

	err = c.run(ctx, func(ctx context.Context) error {
		if err := shared.Start(ctx); err != nil {
			return err
		}
		return engine.Start(ctx)
	})
	if err != nil {
		_ = c.teardown()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	p.SetPrimaryStateListener(c.onPrimaryStateChange)
	c.log.Infow("client started", "client", p.ClientID(), "backend", settings.Persistence.Backend, "user", cfg.User.String())
	return c, nil
}

// onPrimaryStateChange is called by the lease. It must not block.
func (c *Client) onPrimaryStateChange(isPrimary bool) {
	c.queue.EnqueueAndForget(func() error {
		if err := c.engine.ApplyPrimaryState(c.ctx, isPrimary); err != nil {
			c.log.Warnw("failed to apply primary state", "primary", isPrimary, "error", err)
			return nil
		}
		if isPrimary {
			c.gc.Start(c.ctx)
			c.backfill.Start(c.ctx)
		} else {
			c.gc.Stop()
			c.backfill.Stop()
		}
		c.emit(Event{Type: EventPrimaryChanged, Primary: isPrimary})
		return nil
	})
}

func (c *Client) collectGarbage(ctx context.Context) (local.LruResults, error) {
	res, err := c.store.CollectGarbage(ctx)
	if err != nil {
		return res, err
	}
	if res.DidRun {
		c.emit(Event{Type: EventGarbageCollected, GC: &res})
	}
	return res, nil
}

// run executes fn on the queue and waits for it.
func (c *Client) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.verifyNotTerminated(); err != nil {
		return err
	}
	_, err := c.queue.Enqueue(func() error { return fn(ctx) }).Wait(ctx)
	return err
}

func submit[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := c.verifyNotTerminated(); err != nil {
		var zero T
		return zero, err
	}
	return async.Submit(c.queue, func() (T, error) { return fn(ctx) }).Wait(ctx)
}

func (c *Client) verifyNotTerminated() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New(errs.FailedPrecondition, "the client has already been terminated")
	}
	return nil
}

// ClientID returns the id the client is known by in the shared store.
func (c *Client) ClientID() string { return c.p.ClientID() }

// Logger returns the client's root logger, which may be nil.
func (c *Client) Logger() *zap.Logger { return c.root }

// Settings returns the settings the client was created with.
func (c *Client) Settings() *config.Settings { return c.cfg.Settings }

// Write applies mutations locally and queues them for the backend. It
// returns once the write is visible to local listeners; the future settles
// when the backend accepts or rejects the batch.
func (c *Client) Write(ctx context.Context, mutations ...model.Mutation) (*async.Future[struct{}], error) {
	if len(mutations) == 0 {
		return nil, errs.New(errs.InvalidArgument, "write needs at least one mutation")
	}
	done, err := submit(ctx, c, func(ctx context.Context) (*async.Future[struct{}], error) {
		return c.engine.Write(ctx, mutations)
	})
	if err != nil {
		return nil, err
	}
	c.group.Go(func() error {
		select {
		case <-done.Done():
		case <-c.ctx.Done():
			return nil
		}
		_, werr := done.Result()
		c.emit(Event{Type: EventWriteSettled, Keys: mutationKeys(mutations), Err: werr})
		return nil
	})
	return done, nil
}

func mutationKeys(mutations []model.Mutation) []string {
	keys := make([]string, len(mutations))
	for i, m := range mutations {
		keys[i] = m.Key.String()
	}
	return keys
}

// Listener receives the snapshots of one Listen registration. Next and
// Error run on a goroutine of the registration, never concurrently.
type Listener struct {
	Next  func(*sync.ViewSnapshot)
	Error func(error)
}

// Registration ends a listen.
type Registration struct {
	c        *Client
	listener *sync.QueryListener
	once     gosync.Once
}

// Remove stops the listen. No snapshot is delivered after Remove returns.
func (r *Registration) Remove(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.c.run(ctx, func(ctx context.Context) error {
			return r.c.events.Unlisten(ctx, r.listener)
		})
	})
	return err
}

// Listen starts listening to q. The listener's Error is called, and the
// listen ends, when the query is rejected.
func (c *Client) Listen(ctx context.Context, q query.Query, opts sync.ListenOptions, l Listener) (*Registration, error) {
	canonical := q.CanonicalID()
	observer := sync.NewAsyncObserver(
		func(snap *sync.ViewSnapshot) {
			c.emit(Event{Type: EventSnapshot, Query: canonical, Documents: snap.Docs.Len(), FromCache: snap.FromCache})
			if l.Next != nil {
				l.Next(snap)
			}
		},
		func(err error) {
			c.emit(Event{Type: EventListenError, Query: canonical, Err: err})
			if l.Error != nil {
				l.Error(err)
			}
		},
	)
	listener := sync.NewQueryListener(q, opts, observer)
	err := c.run(ctx, func(ctx context.Context) error {
		// A failed listen was already reported to the observer.
		_ = c.events.Listen(ctx, listener)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Registration{c: c, listener: listener}, nil
}

// GetDocumentFromCache returns the local view of key. A document the cache
// knows to be missing is returned as a no-document; a document the cache
// knows nothing about is an Unavailable error.
func (c *Client) GetDocumentFromCache(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := submit(ctx, c, func(ctx context.Context) (*model.MutableDocument, error) {
		return c.store.ReadDocument(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if !doc.IsValidDocument() {
		return nil, errs.New(errs.Unavailable,
			"failed to get document %s from cache; the document may exist on the server but is not cached", key)
	}
	return doc, nil
}

// GetDocumentsFromCache runs q against the local cache only.
func (c *Client) GetDocumentsFromCache(ctx context.Context, q query.Query) (*sync.ViewSnapshot, error) {
	return submit(ctx, c, func(ctx context.Context) (*sync.ViewSnapshot, error) {
		res, err := c.store.ExecuteQuery(ctx, q, true)
		if err != nil {
			return nil, err
		}
		view := sync.NewView(q, res.RemoteKeys)
		changes := view.ComputeDocChanges(res.Documents, nil)
		return view.ApplyChanges(changes, false, nil, false).Snapshot, nil
	})
}

// WaitForPendingWrites blocks until every write made so far by the current
// user is acknowledged or rejected by the backend.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done, err := submit(ctx, c, func(ctx context.Context) (*async.Future[struct{}], error) {
		return c.engine.RegisterPendingWritesCallback(ctx)
	})
	if err != nil {
		return err
	}
	_, err = done.Wait(ctx)
	return err
}

// EnableNetwork reconnects to the backend.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context) error {
		if err := c.p.SetNetworkEnabled(ctx, true); err != nil {
			return err
		}
		return c.engine.EnableNetwork(ctx)
	})
}

// DisableNetwork disconnects from the backend. Listens and writes resume on
// EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context) error {
		if err := c.p.SetNetworkEnabled(ctx, false); err != nil {
			return err
		}
		return c.engine.DisableNetwork(ctx)
	})
}

// SetInForeground records whether the client is in the foreground, which
// the lease prefers when picking a primary.
func (c *Client) SetInForeground(ctx context.Context, inForeground bool) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.p.SetInForeground(ctx, inForeground)
	})
}

// CollectGarbage runs one LRU collection now. It fails with
// errs.ErrNotPrimary on a secondary client.
func (c *Client) CollectGarbage(ctx context.Context) (local.LruResults, error) {
	return submit(ctx, c, c.collectGarbage)
}

// Backfill runs one index backfill pass and returns the number of
// documents indexed.
func (c *Client) Backfill(ctx context.Context) (int, error) {
	return submit(ctx, c, func(ctx context.Context) (int, error) {
		return c.store.NewIndexBackfiller().Backfill(ctx)
	})
}

// ConfigureFieldIndexes replaces the configured field indexes.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []*model.FieldIndex) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.store.ConfigureFieldIndexes(ctx, indexes)
	})
}

// FieldIndexes returns the configured field indexes.
func (c *Client) FieldIndexes(ctx context.Context) ([]*model.FieldIndex, error) {
	return submit(ctx, c, c.store.GetFieldIndexes)
}

// DeleteAllFieldIndexes removes every field index and its entries.
func (c *Client) DeleteAllFieldIndexes(ctx context.Context) error {
	return c.run(ctx, c.store.DeleteAllFieldIndexes)
}

// SetIndexAutoCreationEnabled toggles automatic index creation.
func (c *Client) SetIndexAutoCreationEnabled(ctx context.Context, enabled bool) error {
	return c.run(ctx, func(context.Context) error {
		c.store.SetIndexAutoCreationEnabled(enabled)
		return nil
	})
}

// LoadBundle reads a bundle from r and applies it. onProgress, which may be
// nil, is called on the client's queue and must not block.
func (c *Client) LoadBundle(ctx context.Context, r io.Reader, onProgress func(bundle.Progress)) (bundle.Progress, error) {
	reader, err := bundle.NewReader(r)
	if err != nil {
		return bundle.Progress{State: bundle.TaskError}, fmt.Errorf("failed to read bundle: %w", err)
	}
	progress, err := submit(ctx, c, func(ctx context.Context) (bundle.Progress, error) {
		return c.engine.LoadBundle(ctx, reader, onProgress)
	})
	if err == nil {
		c.emit(Event{Type: EventBundleLoaded, Bundle: reader.Metadata().ID, Documents: progress.DocumentsLoaded})
	}
	return progress, err
}

// GetNamedQuery returns the named query saved by a bundle, or nil.
func (c *Client) GetNamedQuery(ctx context.Context, name string) (*bundle.NamedQuery, error) {
	return submit(ctx, c, func(ctx context.Context) (*bundle.NamedQuery, error) {
		return c.store.GetNamedQuery(ctx, name)
	})
}

// HandleCredentialChange switches the client to user. Views are recomputed
// against the new user's pending writes.
func (c *Client) HandleCredentialChange(ctx context.Context, user model.User) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.engine.HandleCredentialChange(ctx, user)
	})
}

// PendingWrites returns the current user's unacknowledged batches.
func (c *Client) PendingWrites(ctx context.Context) ([]*model.MutationBatch, error) {
	return submit(ctx, c, c.store.GetPendingBatches)
}

// ChangesSince returns the cached documents of group read after since.
func (c *Client) ChangesSince(ctx context.Context, group string, since time.Time) (model.DocumentMap, error) {
	version := model.SnapshotVersion{Timestamp: model.TimestampFromTime(since)}
	return submit(ctx, c, func(ctx context.Context) (model.DocumentMap, error) {
		return c.store.GetDocumentChangesSince(ctx, group, version)
	})
}

// Shutdown stops the client and releases its persistence. It is safe to
// call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var result error
	_, err := c.queue.EnqueueEvenWhileRestricted(func() error {
		c.gc.Stop()
		c.backfill.Stop()
		c.shared.Shutdown()
		return c.engine.Shutdown(ctx)
	}).Wait(ctx)
	if err != nil {
		result = errors.Join(result, fmt.Errorf("failed to stop sync engine: %w", err))
	}
	result = errors.Join(result, c.teardown())
	c.log.Infow("client stopped", "client", c.p.ClientID())
	return result
}

// teardown stops the queue and the background goroutines and closes the
// persistence.
func (c *Client) teardown() error {
	c.queue.Shutdown()
	c.cancel()
	var result error
	if err := c.group.Wait(); err != nil {
		result = err
	}
	if err := c.queue.Failure(); err != nil {
		result = errors.Join(result, err)
	}
	if err := c.p.Shutdown(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to close persistence: %w", err))
	}
	return result
}

// ClearPersistence deletes the SQLite store of settings. It fails with
// errs.ErrExclusiveAccess while any client uses the store.
func ClearPersistence(ctx context.Context, settings *config.Settings) error {
	if settings.Persistence.Backend != config.BackendSQLite {
		return nil
	}
	return persistence.ClearSQLite(ctx, persistence.ConfigFromSettings(settings, nil, nil))
}
