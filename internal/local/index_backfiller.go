package local

import (
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
)

// IndexBackfiller writes index entries for documents that changed since
// each index was last brought up to date. Every run processes a bounded
// number of documents, visiting collection groups least recently
// backfilled first.
type IndexBackfiller struct {
	store    *LocalStore
	settings config.BackfillSettings
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// NewIndexBackfiller returns a backfiller for store's current user.
func NewIndexBackfiller(store *LocalStore, settings config.BackfillSettings, m *metrics.Metrics, log *zap.SugaredLogger) *IndexBackfiller {
	return &IndexBackfiller{store: store, settings: settings, metrics: m, log: log}
}

// Backfill runs one pass and returns the number of documents processed.
func (b *IndexBackfiller) Backfill(ctx context.Context) (int, error) {
	n, err := persistence.Run(ctx, b.store.persistence, "backfill indexes", persistence.ReadWritePrimary, func(tx *persistence.Transaction) (int, error) {
		return b.writeIndexEntries(tx, b.settings.MaxDocuments)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.log.Debugw("backfilled index entries", "documents", n)
		if b.metrics != nil {
			b.metrics.AddBackfilled(n)
		}
	}
	return n, nil
}

func (b *IndexBackfiller) writeIndexEntries(tx *persistence.Transaction, maxDocuments int) (int, error) {
	indexes := b.store.indexManager()
	processed := make(map[string]bool)
	remaining := maxDocuments
	for remaining > 0 {
		group, err := indexes.GetNextCollectionGroupToUpdate(tx)
		if err != nil {
			return 0, err
		}
		if group == "" || processed[group] {
			break
		}
		b.log.Debugw("processing collection group", "group", group)
		n, err := b.writeEntriesForCollectionGroup(tx, group, remaining)
		if err != nil {
			return 0, err
		}
		remaining -= n
		processed[group] = true
	}
	return maxDocuments - remaining, nil
}

func (b *IndexBackfiller) writeEntriesForCollectionGroup(tx *persistence.Transaction, group string, remaining int) (int, error) {
	indexes := b.store.indexManager()
	existing, err := indexes.GetMinOffsetForCollectionGroup(tx, group)
	if err != nil {
		return 0, err
	}
	page, err := b.store.documentsView().GetNextDocuments(tx, group, existing, remaining)
	if err != nil {
		return 0, err
	}
	if err := indexes.UpdateIndexEntries(tx, page.Changes); err != nil {
		return 0, err
	}
	if err := indexes.UpdateCollectionGroup(tx, group, newOffset(existing, page)); err != nil {
		return 0, err
	}
	return len(page.Changes), nil
}

// newOffset advances existing past every document of page.
func newOffset(existing model.IndexOffset, page LocalViewChanges) model.IndexOffset {
	latest := existing
	for _, doc := range page.Changes {
		if o := model.OffsetFromDocument(doc); o.Compare(latest) > 0 {
			latest = o
		}
	}
	return model.IndexOffset{
		ReadTime:       latest.ReadTime,
		DocumentKey:    latest.DocumentKey,
		LargestBatchID: max(page.BatchID, existing.LargestBatchID),
	}
}

// BackfillScheduler runs the backfiller on the async queue while the
// client is primary.
type BackfillScheduler struct {
	queue      *async.Queue
	backfiller *IndexBackfiller
	settings   config.BackfillSettings
	log        *zap.SugaredLogger

	mu      sync.Mutex
	pending *async.DelayedOperation
}

// NewBackfillScheduler returns a stopped scheduler.
func NewBackfillScheduler(queue *async.Queue, backfiller *IndexBackfiller, log *zap.SugaredLogger) *BackfillScheduler {
	return &BackfillScheduler{queue: queue, backfiller: backfiller, settings: backfiller.settings, log: log}
}

// Start schedules the first run.
func (s *BackfillScheduler) Start(ctx context.Context) {
	s.schedule(ctx, s.settings.InitialDelay)
}

// Stop cancels the scheduled run.
func (s *BackfillScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
}

// Started reports whether a run is scheduled.
func (s *BackfillScheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *BackfillScheduler) schedule(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return
	}
	s.pending = s.queue.EnqueueAfterDelay(async.TimerIndexBackfill, delay, func() error {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		if _, err := s.backfiller.Backfill(ctx); err != nil {
			if errs.IsTransient(err) || errs.CodeOf(err) == errs.FailedPrecondition {
				s.log.Debugw("ignoring failed index backfill", "error", err)
			} else {
				s.log.Warnw("index backfill failed", "error", err)
			}
		}
		s.schedule(ctx, s.settings.Interval)
		return nil
	})
}
