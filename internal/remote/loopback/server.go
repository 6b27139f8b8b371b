// Package loopback is an in-process backend for docsync clients.
//
// A Server holds the authoritative documents. Each client connects through
// a Connection, which implements the sync engine's remote store: it sends
// queued mutation batches to the server and delivers the server's listen
// results back as remote events on the client's async queue.
//
// Example:
//
//	srv := loopback.NewServer(loopback.Options{})
//	conn := srv.Connect(queue, logger)
//	engine := sync.NewSyncEngine(sync.Options{Remote: conn, ...})
package loopback

import (
	"fmt"
	"slices"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// Options configures a Server.
type Options struct {
	// Clock returns the commit time of the next write. Commit versions
	// are forced to increase even if the clock does not.
	Clock  func() model.Timestamp
	Logger *zap.Logger
}

// watch is one target a connection listens to, with the keys the server
// has reported as matching it.
type watch struct {
	target  *query.Target
	purpose local.Purpose
	keys    model.DocumentKeySet
}

// connState is the server's view of a connected client.
type connState struct {
	gen     uint64
	watches map[int]*watch
}

// Server is the authoritative document store shared by connections.
type Server struct {
	clock func() model.Timestamp
	log   *zap.SugaredLogger

	mu           gosync.Mutex
	docs         map[model.DocumentKey]*model.MutableDocument
	version      model.SnapshotVersion
	conns        map[*Connection]*connState
	rejectWrite  func(*model.MutationBatch) error
	rejectListen func(*query.Target) error
	commits      int
	generations  uint64
}

// NewServer returns an empty server.
func NewServer(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = model.Now
	}
	return &Server{
		clock: clock,
		log:   logging.For(opts.Logger, logging.ComponentRemote),
		docs:  make(map[model.DocumentKey]*model.MutableDocument),
		conns: make(map[*Connection]*connState),
	}
}

// SetWriteRejector installs fn, which may refuse a batch before it is
// committed. A transient error makes the client retry the batch.
func (s *Server) SetWriteRejector(fn func(*model.MutationBatch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWrite = fn
}

// SetListenRejector installs fn, which may refuse a listen.
func (s *Server) SetListenRejector(fn func(*query.Target) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectListen = fn
}

// Version returns the version of the last commit.
func (s *Server) Version() model.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Commits returns the number of batches committed.
func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Document returns a copy of the server's document at key, or nil.
func (s *Server) Document(key model.DocumentKey) *model.MutableDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[key]; ok {
		return d.Clone()
	}
	return nil
}

// Put writes documents directly, as another backend client would, and
// notifies the listeners.
func (s *Server) Put(docs map[model.DocumentKey]model.ObjectValue) model.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.nextVersionLocked()
	changed := model.NewDocumentKeySet()
	for key, data := range docs {
		doc := model.NewFoundDocument(key, version, data)
		if old, ok := s.docs[key]; ok {
			doc.SetCreateTime(old.CreateTime())
		}
		s.docs[key] = doc
		changed.Add(key)
	}
	s.broadcastLocked(version, changed)
	return version
}

// Delete removes documents directly and notifies the listeners.
func (s *Server) Delete(keys ...model.DocumentKey) model.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.nextVersionLocked()
	changed := model.NewDocumentKeySet()
	for _, key := range keys {
		delete(s.docs, key)
		changed.Add(key)
	}
	s.broadcastLocked(version, changed)
	return version
}

func (s *Server) nextVersionLocked() model.SnapshotVersion {
	now := model.SnapshotVersion{Timestamp: s.clock()}
	if !now.After(s.version) {
		now = s.version
		now.Nanos++
		if now.Nanos >= 1_000_000_000 {
			now.Seconds++
			now.Nanos = 0
		}
	}
	s.version = now
	return now
}

// Commit applies batch atomically and returns the commit version and one
// result per mutation.
func (s *Server) Commit(batch *model.MutationBatch) (model.SnapshotVersion, []model.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectWrite != nil {
		if err := s.rejectWrite(batch); err != nil {
			return model.MinVersion(), nil, err
		}
	}

	working := make(map[model.DocumentKey]*model.MutableDocument)
	lookup := func(key model.DocumentKey) *model.MutableDocument {
		if d, ok := working[key]; ok {
			return d
		}
		if d, ok := s.docs[key]; ok {
			return d.Clone()
		}
		return model.NewNoDocument(key, model.MinVersion())
	}

	version := s.nextVersionLocked()
	results := make([]model.MutationResult, len(batch.Mutations))
	for i, m := range batch.Mutations {
		doc := lookup(m.Key)
		if !m.Precondition.IsValidFor(doc) {
			return model.MinVersion(), nil, errs.New(errs.FailedPrecondition,
				"precondition failed for %s in batch %d", m.Key, batch.BatchID)
		}
		results[i] = model.MutationResult{
			Version:          version,
			TransformResults: m.CommitTransformResults(doc, version.Timestamp),
		}
		m.ApplyToRemoteDocument(doc, results[i])
		working[m.Key] = doc
	}

	changed := model.NewDocumentKeySet()
	for key, doc := range working {
		changed.Add(key)
		if !doc.IsFoundDocument() {
			delete(s.docs, key)
			continue
		}
		stored := model.NewFoundDocument(key, version, doc.Data()).SetCreateTime(doc.CreateTime())
		s.docs[key] = stored
	}
	s.commits++
	s.log.Debugw("committed batch", "batch", batch.BatchID, "version", version, "keys", len(changed))
	s.broadcastLocked(version, changed)
	return version, results, nil
}

// matchingKeysLocked evaluates target against the server's documents.
func (s *Server) matchingKeysLocked(target *query.Target) model.DocumentKeySet {
	q := target.Query()
	var docs []*model.MutableDocument
	for _, d := range s.docs {
		if q.Matches(d) {
			docs = append(docs, d)
		}
	}
	cmp := q.Comparator()
	slices.SortFunc(docs, func(a, b *model.MutableDocument) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return a.Key().Compare(b.Key())
	})
	if target.HasLimit() && len(docs) > target.Limit {
		docs = docs[:target.Limit]
	}
	keys := model.NewDocumentKeySet()
	for _, d := range docs {
		keys.Add(d.Key())
	}
	return keys
}

// diffLocked moves w to the current result of its target and records the
// change in ev. Keys in changed that remain in the result are reported as
// modified. The initial diff of a listen reports every result, since the
// client's copies may predate changes it missed while not listening.
func (s *Server) diffLocked(ev *remote.RemoteEvent, targetID int, w *watch, changed model.DocumentKeySet, initial bool) {
	version := ev.SnapshotVersion
	current := s.matchingKeysLocked(w.target)
	if initial {
		changed = current
	}
	tc := remote.NewTargetChange(resumeToken(version), true)
	for key := range current {
		switch {
		case !w.keys.Has(key):
			tc.AddedDocuments.Add(key)
		case changed.Has(key):
			tc.ModifiedDocuments.Add(key)
		}
	}
	for key := range w.keys {
		if !current.Has(key) {
			tc.RemovedDocuments.Add(key)
		}
	}
	if tc.Size() == 0 && !initial {
		return
	}
	for _, set := range []model.DocumentKeySet{tc.AddedDocuments, tc.ModifiedDocuments, tc.RemovedDocuments} {
		for key := range set {
			ev.DocumentUpdates[key] = s.remoteDocumentLocked(key, version)
		}
	}
	if w.target.IsDocumentTarget() && current.Len() == 0 {
		// A document target reports the absence of its document.
		key, err := model.NewDocumentKey(w.target.Path)
		if err == nil {
			ev.DocumentUpdates[key] = model.NewNoDocument(key, version)
		}
	}
	if w.purpose == local.PurposeLimboResolution {
		for key := range ev.DocumentUpdates {
			if w.target.IsDocumentTarget() && w.target.Path.Equal(key.Path()) {
				ev.ResolvedLimboDocuments.Add(key)
			}
		}
	}
	ev.TargetChanges[targetID] = tc
	w.keys = current
}

func (s *Server) remoteDocumentLocked(key model.DocumentKey, version model.SnapshotVersion) *model.MutableDocument {
	if d, ok := s.docs[key]; ok {
		return d.Clone()
	}
	return model.NewNoDocument(key, version)
}

// broadcastLocked sends every connection the changes of its targets.
func (s *Server) broadcastLocked(version model.SnapshotVersion, changed model.DocumentKeySet) {
	for c, st := range s.conns {
		ev := remote.NewRemoteEvent(version)
		for _, id := range sortedTargetIDs(st.watches) {
			s.diffLocked(ev, id, st.watches[id], changed, false)
		}
		if len(ev.TargetChanges) > 0 {
			c.deliver(st.gen, ev)
		}
	}
}

// connect registers c under a new stream generation.
func (s *Server) connect(c *Connection) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations++
	s.conns[c] = &connState{gen: s.generations, watches: make(map[int]*watch)}
	return s.generations
}

// disconnect drops c's watches. Events already queued for it carry an old
// generation and are discarded.
func (s *Server) disconnect(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// listen starts watching td for c. remoteKeys are the keys the client
// already holds for the target; the first event reconciles them.
func (s *Server) listen(c *Connection, td *local.TargetData, remoteKeys model.DocumentKeySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[c]
	if !ok {
		return errs.New(errs.Unavailable, "connection is not open")
	}
	if s.rejectListen != nil {
		if err := s.rejectListen(td.Target); err != nil {
			return err
		}
	}
	w := &watch{target: td.Target, purpose: td.Purpose, keys: remoteKeys.Clone()}
	st.watches[td.TargetID] = w
	version := s.version
	if version.IsMin() {
		version = s.nextVersionLocked()
	}
	ev := remote.NewRemoteEvent(version)
	s.diffLocked(ev, td.TargetID, w, model.NewDocumentKeySet(), true)
	c.deliver(st.gen, ev)
	return nil
}

func (s *Server) unlisten(c *Connection, targetID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.conns[c]; ok {
		delete(st.watches, targetID)
	}
}

func sortedTargetIDs(watches map[int]*watch) []int {
	ids := make([]int, 0, len(watches))
	for id := range watches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func resumeToken(v model.SnapshotVersion) []byte {
	return []byte(fmt.Sprintf("%d.%09d", v.Seconds, v.Nanos))
}
