package client

import (
	"context"
	"time"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// EventType names what an Event reports.
type EventType string

const (
	EventPrimaryChanged   EventType = "primary_changed"
	EventGarbageCollected EventType = "garbage_collected"
	EventSnapshot         EventType = "snapshot"
	EventListenError      EventType = "listen_error"
	EventWriteSettled     EventType = "write_settled"
	EventBundleLoaded     EventType = "bundle_loaded"
)

// Event is something that happened in a client. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType
	Time time.Time

	Primary   bool
	GC        *local.LruResults
	Query     string
	Documents int
	FromCache bool
	Keys      []string
	Bundle    string
	Err       error
}

// Observe registers fn for every later event and returns a function that
// removes it. fn runs on the goroutine that produced the event and must
// not block.
func (c *Client) Observe(fn func(Event)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Status summarizes the state of a client.
type Status struct {
	ClientID        string
	Backend         string
	Path            string
	SchemaVersion   int
	Primary         bool
	OnlineState     remote.OnlineState
	User            string
	PendingBatches  int
	CacheBytes      int64
	ActiveClients   []string
	SnapshotVersion model.SnapshotVersion
	FieldIndexes    int
}

// Status reads the client's current state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	return submit(ctx, c, func(ctx context.Context) (*Status, error) {
		st := &Status{
			ClientID:      c.p.ClientID(),
			Backend:       c.cfg.Settings.Persistence.Backend,
			Path:          c.cfg.Settings.Persistence.Path,
			SchemaVersion: c.p.SchemaVersion(),
			Primary:       c.engine.IsPrimary(),
			OnlineState:   c.engine.OnlineState(),
			User:          c.store.User().String(),
		}
		pending, err := c.store.GetPendingBatches(ctx)
		if err != nil {
			return nil, err
		}
		st.PendingBatches = len(pending)
		if st.CacheBytes, err = c.store.GetCacheSize(ctx); err != nil {
			return nil, err
		}
		if st.ActiveClients, err = c.store.GetActiveClients(ctx); err != nil {
			return nil, err
		}
		if st.SnapshotVersion, err = c.store.GetLastRemoteSnapshotVersion(ctx); err != nil {
			return nil, err
		}
		indexes, err := c.store.GetFieldIndexes(ctx)
		if err != nil {
			return nil, err
		}
		st.FieldIndexes = len(indexes)
		return st, nil
	})
}
