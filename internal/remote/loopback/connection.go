package loopback

import (
	"context"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// maxPendingWrites bounds the batches sent but not yet acknowledged.
const maxPendingWrites = 10

// Connection is one client's link to a Server. Except for deliver, its
// methods must be called on the client's async queue.
type Connection struct {
	server *Server
	queue  *async.Queue
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	syncer  remote.RemoteSyncer
	batches remote.BatchSource

	targets        map[int]*local.TargetData
	gen            uint64
	networkEnabled bool
	primary        bool
	shutdown       bool
	online         remote.OnlineState

	// epoch changes with the user; acknowledgements of an earlier user's
	// batches are dropped.
	epoch         int
	lastBatchSent int
	pendingWrites []int
	writeBackoff  *backoff.ExponentialBackOff
	retry         *async.DelayedOperation
}

// Connect returns a connection whose callbacks run on queue. The network
// starts disabled; Start enables it.
func (s *Server) Connect(queue *async.Queue, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	return &Connection{
		server:        s,
		queue:         queue,
		log:           logging.For(logger, logging.ComponentRemote),
		ctx:           ctx,
		cancel:        cancel,
		targets:       make(map[int]*local.TargetData),
		primary:       true,
		online:        remote.OnlineUnknown,
		lastBatchSent: model.BatchIDUnknown,
		writeBackoff:  eb,
	}
}

// Start wires the connection to the engine and enables the network.
func (c *Connection) Start(ctx context.Context, syncer remote.RemoteSyncer, batches remote.BatchSource) error {
	c.syncer = syncer
	c.batches = batches
	return c.EnableNetwork(ctx)
}

// CanUseNetwork reports whether the connection may talk to the server.
func (c *Connection) CanUseNetwork() bool {
	return c.networkEnabled && c.primary && !c.shutdown
}

// IsOpen reports whether the connection is connected to the server.
func (c *Connection) IsOpen() bool { return c.gen != 0 }

// EnableNetwork connects to the server, re-listens to every target and
// resumes sending writes.
func (c *Connection) EnableNetwork(ctx context.Context) error {
	if c.shutdown {
		return errs.ErrClosed
	}
	c.networkEnabled = true
	return c.open(ctx)
}

// DisableNetwork disconnects and reports the client offline. Listens and
// unacknowledged writes are resent on the next EnableNetwork.
func (c *Connection) DisableNetwork(ctx context.Context) error {
	c.networkEnabled = false
	c.close()
	c.setOnlineState(remote.Offline)
	return nil
}

// ApplyPrimaryState connects only while this client holds the primary
// lease. Secondary clients read the results of the primary's listens from
// the shared store.
func (c *Connection) ApplyPrimaryState(ctx context.Context, isPrimary bool) error {
	if c.primary == isPrimary {
		return nil
	}
	c.primary = isPrimary
	if !isPrimary {
		c.close()
		c.setOnlineState(remote.OnlineUnknown)
		return nil
	}
	return c.open(ctx)
}

// HandleCredentialChange restarts the streams as the new user. Batches of
// the previous user that were sent but not acknowledged are dropped.
func (c *Connection) HandleCredentialChange(ctx context.Context, user model.User) error {
	c.log.Debugw("restarting streams for credential change", "user", user.UID)
	c.close()
	c.epoch++
	c.lastBatchSent = model.BatchIDUnknown
	c.pendingWrites = nil
	return c.open(ctx)
}

// Shutdown disconnects for good.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.shutdown = true
	c.close()
	c.cancel()
	return nil
}

func (c *Connection) open(ctx context.Context) error {
	if !c.CanUseNetwork() || c.IsOpen() {
		return nil
	}
	c.gen = c.server.connect(c)
	c.setOnlineState(remote.Online)
	for _, id := range c.sortedTargetIDs() {
		c.sendListen(c.targets[id])
	}
	return c.FillWritePipeline(ctx)
}

func (c *Connection) close() {
	if c.retry != nil {
		c.retry.Cancel()
		c.retry = nil
	}
	if !c.IsOpen() {
		return
	}
	c.server.disconnect(c)
	c.gen = 0
}

func (c *Connection) setOnlineState(state remote.OnlineState) {
	if c.online == state {
		return
	}
	c.online = state
	if c.syncer != nil {
		c.syncer.ApplyOnlineStateChange(state)
	}
}

func (c *Connection) sortedTargetIDs() []int {
	ids := make([]int, 0, len(c.targets))
	for id := range c.targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Listen starts watching td. The listen is remembered while offline and
// sent once the connection opens.
func (c *Connection) Listen(ctx context.Context, td *local.TargetData) error {
	if _, ok := c.targets[td.TargetID]; ok {
		return nil
	}
	c.targets[td.TargetID] = td
	if c.IsOpen() {
		c.sendListen(td)
	}
	return nil
}

func (c *Connection) sendListen(td *local.TargetData) {
	keys := c.syncer.GetRemoteKeysForTarget(td.TargetID)
	if err := c.server.listen(c, td, keys); err != nil {
		targetID := td.TargetID
		if errs.IsTransient(err) {
			c.log.Debugw("listen failed", "target", targetID, "error", err)
			return
		}
		delete(c.targets, targetID)
		gen := c.gen
		c.queue.EnqueueAndForget(func() error {
			if gen != c.gen {
				return nil
			}
			return c.syncer.RejectListen(c.ctx, targetID, err)
		})
	}
}

// Unlisten stops watching targetID.
func (c *Connection) Unlisten(ctx context.Context, targetID int) error {
	delete(c.targets, targetID)
	if c.IsOpen() {
		c.server.unlisten(c, targetID)
	}
	return nil
}

// deliver hands ev to the syncer on the client's queue, unless the stream
// that produced it has closed by then. It is called with the server lock
// held.
func (c *Connection) deliver(gen uint64, ev *remote.RemoteEvent) {
	c.queue.EnqueueAndForget(func() error {
		if gen != c.gen || c.syncer == nil {
			return nil
		}
		for id := range ev.TargetChanges {
			td, ok := c.targets[id]
			if !ok {
				delete(ev.TargetChanges, id)
				continue
			}
			if tc := ev.TargetChanges[id]; len(tc.ResumeToken) > 0 {
				c.targets[id] = td.WithResumeToken(tc.ResumeToken, ev.SnapshotVersion)
			}
		}
		if len(ev.TargetChanges) == 0 {
			return nil
		}
		return c.syncer.ApplyRemoteEvent(c.ctx, ev)
	})
}

// FillWritePipeline sends queued batches until the pipeline is full.
// Acknowledgements and rejections are delivered on the queue in batch
// order. The server commits synchronously, so a batch is never resent after
// a reconnect.
func (c *Connection) FillWritePipeline(ctx context.Context) error {
	for c.IsOpen() && c.retry == nil && len(c.pendingWrites) < maxPendingWrites {
		batch, err := c.batches.NextMutationBatch(ctx, c.lastBatchSent)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		if !c.write(batch) {
			return nil
		}
	}
	return nil
}

// write commits batch and reports whether the pipeline may continue.
func (c *Connection) write(batch *model.MutationBatch) bool {
	version, results, err := c.server.Commit(batch)
	if err != nil && errs.IsTransient(err) {
		delay := c.writeBackoff.NextBackOff()
		c.log.Debugw("write failed, retrying", "batch", batch.BatchID, "delay", delay, "error", err)
		c.retry = c.queue.EnqueueAfterDelay(async.TimerWriteStreamBackoff, delay, func() error {
			c.retry = nil
			return c.FillWritePipeline(c.ctx)
		})
		return false
	}
	c.writeBackoff.Reset()
	c.lastBatchSent = batch.BatchID
	c.pendingWrites = append(c.pendingWrites, batch.BatchID)
	epoch := c.epoch
	c.queue.EnqueueAndForget(func() error {
		if epoch != c.epoch {
			return nil
		}
		if len(c.pendingWrites) > 0 && c.pendingWrites[0] == batch.BatchID {
			c.pendingWrites = c.pendingWrites[1:]
		}
		if err != nil {
			return c.syncer.RejectFailedWrite(c.ctx, batch.BatchID, err)
		}
		res, rerr := model.NewMutationBatchResult(batch, version, results, resumeToken(version))
		if rerr != nil {
			return rerr
		}
		return c.syncer.ApplySuccessfulWrite(c.ctx, res)
	})
	return true
}
