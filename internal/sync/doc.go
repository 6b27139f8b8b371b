// Package sync reconciles the local store with the backend and turns the
// result into query snapshots.
//
// Overview
//
// The SyncEngine owns one View per listened query. Local writes, remote
// events, acknowledgements and rejections all flow through the engine, which
// recomputes the affected views and hands the resulting snapshots to the
// EventManager. The EventManager fans each snapshot out to the query
// listeners registered for it.
//
// Architecture
//
//	client.Write / client.Listen
//	          ↓
//	     EventManager  ←── snapshots ───┐
//	          ↓                         │
//	      SyncEngine ── views, limbo ───┘
//	       ↓      ↑
//	 LocalStore  RemoteStore (Listen, Unlisten, FillWritePipeline)
//	                ↑
//	          remote events, acknowledgements
//
// Limbo resolution
//
// A document a view shows that the backend did not report for the view's
// target is "in limbo": it may have been deleted or changed remotely while
// the client was not listening. The engine listens to such documents on
// their own targets, with odd target ids, until the backend settles them.
// At most Settings.Sync.MaxConcurrentLimboResolutions of these listens are
// active; the rest wait in a FIFO queue.
//
// Multiple clients
//
// When several clients share a store, only the primary talks to the backend.
// It listens on behalf of every client's active targets and publishes batch
// and target states through the local.SharedClientState. Secondary clients
// rebuild their views from the shared cache when those notifications arrive.
//
// Concurrency
//
// Every method of SyncEngine and EventManager must be called on the client's
// async queue. Observers run on their own goroutines, never on the queue.
//
// Example:
//
//	engine := sync.NewSyncEngine(sync.Options{
//	    LocalStore: store,
//	    Remote:     sync.NewOfflineRemoteStore(),
//	    Settings:   settings,
//	})
//	events := sync.NewEventManager(engine)
//	listener := sync.NewQueryListener(q, sync.ListenOptions{}, observer)
//	err := events.Listen(ctx, listener)
package sync
