package local

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/schema"
)

// ReferenceDelegate is told whenever something starts or stops referencing
// a document, so that unreferenced documents can later be collected.
type ReferenceDelegate interface {
	AddReference(tx *persistence.Transaction, targetID int, key model.DocumentKey) error
	RemoveReference(tx *persistence.Transaction, targetID int, key model.DocumentKey) error
	// RemoveTarget is called when a target is released. The target stays
	// persisted until the collector removes it.
	RemoveTarget(tx *persistence.Transaction, td *TargetData) error
	MarkPotentiallyOrphaned(tx *persistence.Transaction, key model.DocumentKey) error
	RemoveMutationReference(tx *persistence.Transaction, key model.DocumentKey) error
	UpdateLimboDocument(tx *persistence.Transaction, key model.DocumentKey) error
	// SetInMemoryPins registers references held outside persistence. Pinned
	// documents are never collected.
	SetInMemoryPins(pins *ReferenceSet)
	// CurrentSequenceNumber returns the listen sequence number of tx.
	CurrentSequenceNumber(tx *persistence.Transaction) (int64, error)
}

type sequenceNumberKey struct{}

// LruDelegate tracks, per document, the last sequence number at which it
// was referenced. The number lives in a sentinel row under target id 0.
//
// A delegate is only used from the local store's queue.
type LruDelegate struct {
	targets *TargetCache
	pins    *ReferenceSet
}

// NewLruDelegate returns a delegate wired to a fresh target cache.
func NewLruDelegate() (*LruDelegate, *TargetCache) {
	d := &LruDelegate{}
	d.targets = NewTargetCache(d)
	return d, d.targets
}

// CurrentSequenceNumber allocates the sequence number of tx on first use
// and persists it as the highest handed out, so that clients sharing the
// store never reuse a number.
func (d *LruDelegate) CurrentSequenceNumber(tx *persistence.Transaction) (int64, error) {
	if seq, ok := tx.Value(sequenceNumberKey{}).(int64); ok {
		return seq, nil
	}
	highest, err := d.targets.GetHighestSequenceNumber(tx)
	if err != nil {
		return 0, err
	}
	seq := highest + 1
	if err := d.targets.SetTargetsMetadata(tx, seq, model.MinVersion()); err != nil {
		return 0, err
	}
	tx.SetValue(sequenceNumberKey{}, seq)
	return seq, nil
}

func (d *LruDelegate) touch(tx *persistence.Transaction, key model.DocumentKey) error {
	seq, err := d.CurrentSequenceNumber(tx)
	if err != nil {
		return err
	}
	return persistence.PutRow(tx.Store(schema.TargetDocuments), schema.TargetDocumentKey(0, key),
		&schema.TargetDocumentRow{SequenceNumber: seq})
}

func (d *LruDelegate) AddReference(tx *persistence.Transaction, _ int, key model.DocumentKey) error {
	return d.touch(tx, key)
}

func (d *LruDelegate) RemoveReference(tx *persistence.Transaction, _ int, key model.DocumentKey) error {
	return d.touch(tx, key)
}

func (d *LruDelegate) MarkPotentiallyOrphaned(tx *persistence.Transaction, key model.DocumentKey) error {
	return d.touch(tx, key)
}

func (d *LruDelegate) RemoveMutationReference(tx *persistence.Transaction, key model.DocumentKey) error {
	return d.touch(tx, key)
}

func (d *LruDelegate) UpdateLimboDocument(tx *persistence.Transaction, key model.DocumentKey) error {
	return d.touch(tx, key)
}

func (d *LruDelegate) RemoveTarget(tx *persistence.Transaction, td *TargetData) error {
	seq, err := d.CurrentSequenceNumber(tx)
	if err != nil {
		return err
	}
	return d.targets.UpdateTargetData(tx, td.WithSequenceNumber(seq))
}

func (d *LruDelegate) SetInMemoryPins(pins *ReferenceSet) {
	d.pins = pins
}

func (d *LruDelegate) isPinned(key model.DocumentKey) bool {
	return d.pins != nil && d.pins.ContainsKey(key)
}

// LruResults summarizes one collection run.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// LruGarbageCollector removes the least recently used targets and the
// documents nothing references anymore once the cache outgrows its
// threshold.
type LruGarbageCollector struct {
	delegate *LruDelegate
	docs     *RemoteDocumentCache
	settings config.GCSettings
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// NewLruGarbageCollector returns a collector. m may be nil.
func NewLruGarbageCollector(delegate *LruDelegate, docs *RemoteDocumentCache, settings config.GCSettings, m *metrics.Metrics, log *zap.SugaredLogger) *LruGarbageCollector {
	return &LruGarbageCollector{delegate: delegate, docs: docs, settings: settings, metrics: m, log: log}
}

// orphan is a document referenced by no target.
type orphan struct {
	key model.DocumentKey
	seq int64
}

func (g *LruGarbageCollector) forEachOrphan(tx *persistence.Transaction, fn func(orphan) error) error {
	var sentinels []orphan
	err := persistence.IterateRows(tx.Store(schema.TargetDocuments), persistence.PrefixRange(schema.TargetDocumentPrefix(0)), false,
		func(k []byte, row *schema.TargetDocumentRow) error {
			_, key, err := schema.DecodeTargetDocumentKey(k)
			if err != nil {
				return err
			}
			sentinels = append(sentinels, orphan{key: key, seq: row.SequenceNumber})
			return nil
		})
	if err != nil {
		return err
	}
	for _, o := range sentinels {
		referenced, err := g.delegate.targets.ContainsKey(tx, o.key)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// sequenceNumbers returns the distinct sequence numbers in use by targets
// and orphaned documents. Orphans touched in one transaction share a number.
func (g *LruGarbageCollector) sequenceNumbers(tx *persistence.Transaction) (map[int64]struct{}, error) {
	seen := make(map[int64]struct{})
	err := g.delegate.targets.ForEachTarget(tx, func(td *TargetData) error {
		seen[td.SequenceNumber] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = g.forEachOrphan(tx, func(o orphan) error {
		seen[o.seq] = struct{}{}
		return nil
	})
	return seen, err
}

// SequenceNumberCount returns the number of distinct sequence numbers in
// use.
func (g *LruGarbageCollector) SequenceNumberCount(tx *persistence.Transaction) (int, error) {
	seen, err := g.sequenceNumbers(tx)
	return len(seen), err
}

// seqHeap is a max-heap keeping the n smallest sequence numbers seen.
type seqHeap []int64

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *seqHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

func (h *seqHeap) add(seq int64, n int) {
	switch {
	case h.Len() < n:
		heap.Push(h, seq)
	case seq < (*h)[0]:
		(*h)[0] = seq
		heap.Fix(h, 0)
	}
}

// NthSequenceNumber returns the nth smallest distinct sequence number in
// use, or -1 when n is zero.
func (g *LruGarbageCollector) NthSequenceNumber(tx *persistence.Transaction, n int) (int64, error) {
	if n == 0 {
		return -1, nil
	}
	seen, err := g.sequenceNumbers(tx)
	if err != nil {
		return 0, err
	}
	h := &seqHeap{}
	for seq := range seen {
		h.add(seq, n)
	}
	if h.Len() == 0 {
		return -1, nil
	}
	return (*h)[0], nil
}

func (g *LruGarbageCollector) mutationsContainKey(tx *persistence.Transaction, key model.DocumentKey) (bool, error) {
	var uids []string
	err := persistence.IterateRows(tx.Store(schema.MutationQueues), persistence.Everything(), false, func(_ []byte, row *schema.MutationQueueRow) error {
		uids = append(uids, row.UserID)
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, uid := range uids {
		n, err := tx.Store(schema.DocumentMutations).Count(persistence.PrefixRange(schema.DocumentMutationPrefix(uid, key)))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RemoveOrphanedDocuments deletes the unpinned documents referenced by
// neither a target nor a pending mutation whose last use is at or before
// upperBound.
func (g *LruGarbageCollector) RemoveOrphanedDocuments(tx *persistence.Transaction, upperBound int64) (int, error) {
	var doomed []model.DocumentKey
	err := g.forEachOrphan(tx, func(o orphan) error {
		if o.seq > upperBound || g.delegate.isPinned(o.key) {
			return nil
		}
		mutated, err := g.mutationsContainKey(tx, o.key)
		if err != nil || mutated {
			return err
		}
		doomed = append(doomed, o.key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	buf := g.docs.NewChangeBuffer()
	for _, key := range doomed {
		buf.RemoveEntry(key, model.MinVersion())
		if err := tx.Store(schema.TargetDocuments).Delete(schema.TargetDocumentKey(0, key)); err != nil {
			return 0, err
		}
	}
	return len(doomed), buf.Apply(tx)
}

// Collect runs one collection pass unless collection is disabled or the
// cache is below its threshold. Targets in activeTargetIDs are kept.
func (g *LruGarbageCollector) Collect(tx *persistence.Transaction, activeTargetIDs map[int]bool) (LruResults, error) {
	if g.settings.CacheSizeBytes == config.GCDisabled {
		g.log.Debug("garbage collection skipped; disabled")
		return LruResults{}, nil
	}
	size, err := g.docs.GetSize(tx)
	if err != nil {
		return LruResults{}, err
	}
	if size < g.settings.CacheSizeBytes {
		g.log.Debugw("garbage collection skipped; cache below threshold", "size", size, "threshold", g.settings.CacheSizeBytes)
		return LruResults{}, nil
	}

	total, err := g.SequenceNumberCount(tx)
	if err != nil {
		return LruResults{}, err
	}
	toCollect := total * g.settings.Percentile / 100
	if g.settings.MaxSequenceNumbers > 0 && toCollect > g.settings.MaxSequenceNumbers {
		g.log.Debugw("capping sequence numbers to collect", "wanted", toCollect, "max", g.settings.MaxSequenceNumbers)
		toCollect = g.settings.MaxSequenceNumbers
	}
	upper, err := g.NthSequenceNumber(tx, toCollect)
	if err != nil {
		return LruResults{}, err
	}
	targets, err := g.delegate.targets.RemoveTargets(tx, upper, activeTargetIDs)
	if err != nil {
		return LruResults{}, err
	}
	docs, err := g.RemoveOrphanedDocuments(tx, upper)
	if err != nil {
		return LruResults{}, err
	}
	res := LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: toCollect,
		TargetsRemoved:           targets,
		DocumentsRemoved:         docs,
	}
	g.log.Infow("garbage collection finished",
		"size", size, "sequence_numbers", toCollect, "upper_bound", upper,
		"targets_removed", targets, "documents_removed", docs)
	if g.metrics != nil {
		g.metrics.ObserveGC(targets, docs)
	}
	return res, nil
}

// LruScheduler runs collections on the async queue, first after the
// initial delay and then at every interval, while the client is primary.
type LruScheduler struct {
	queue    *async.Queue
	settings config.GCSettings
	collect  func(ctx context.Context) (LruResults, error)
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending *async.DelayedOperation
}

// NewLruScheduler returns a stopped scheduler calling collect.
func NewLruScheduler(queue *async.Queue, settings config.GCSettings, collect func(ctx context.Context) (LruResults, error), log *zap.SugaredLogger) *LruScheduler {
	return &LruScheduler{queue: queue, settings: settings, collect: collect, log: log}
}

// Start schedules the first collection.
func (s *LruScheduler) Start(ctx context.Context) {
	if s.settings.CacheSizeBytes == config.GCDisabled {
		return
	}
	s.schedule(ctx, async.TimerLruGCInitial, s.settings.InitialDelay)
}

// Started reports whether a collection is scheduled.
func (s *LruScheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Stop cancels the scheduled collection.
func (s *LruScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
}

func (s *LruScheduler) schedule(ctx context.Context, id async.TimerID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return
	}
	s.log.Debugw("scheduling garbage collection", "delay", delay)
	s.pending = s.queue.EnqueueAfterDelay(id, delay, func() error {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		if _, err := s.collect(ctx); err != nil {
			if errs.IsTransient(err) || errs.CodeOf(err) == errs.FailedPrecondition {
				s.log.Debugw("ignoring failed garbage collection", "error", err)
			} else {
				s.log.Warnw("garbage collection failed", "error", err)
			}
		}
		s.schedule(ctx, async.TimerLruGC, s.settings.Interval)
		return nil
	})
}
