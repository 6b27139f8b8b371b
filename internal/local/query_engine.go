package local

import (
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/index"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// Query strategies, reported to metrics and logs.
const (
	StrategyIndex      = "index"
	StrategyRemoteKeys = "remote_keys"
	StrategyFullScan   = "full_scan"
)

// QueryEngine picks the cheapest way to run a query against the local
// caches: an index scan, the target's previous results plus everything
// that changed since, or a scan of the whole collection.
type QueryEngine struct {
	view     *LocalDocumentsView
	indexes  *IndexManager
	settings config.QueryEngineSettings
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// NewQueryEngine returns an engine over view and indexes. m may be nil.
func NewQueryEngine(view *LocalDocumentsView, indexes *IndexManager, settings config.QueryEngineSettings, m *metrics.Metrics, log *zap.SugaredLogger) *QueryEngine {
	return &QueryEngine{view: view, indexes: indexes, settings: settings, metrics: m, log: log}
}

// SetIndexAutoCreationEnabled toggles building indexes for queries that
// read many more documents than they returned.
func (e *QueryEngine) SetIndexAutoCreationEnabled(enabled bool) {
	e.settings.IndexAutoCreation = enabled
}

// GetDocumentsMatchingQuery returns the local view of the documents that
// match q. remoteKeys are the keys the server last reported for q's
// target, consistent as of lastLimboFreeSnapshotVersion.
func (e *QueryEngine) GetDocumentsMatchingQuery(tx *persistence.Transaction, q query.Query, lastLimboFreeSnapshotVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := e.performQueryUsingIndex(tx, q)
	if err != nil || docs != nil {
		return docs, err
	}
	docs, err = e.performQueryUsingRemoteKeys(tx, q, remoteKeys, lastLimboFreeSnapshotVersion)
	if err != nil || docs != nil {
		return docs, err
	}

	qctx := &QueryContext{}
	docs, err = e.view.GetDocumentsMatchingQuery(tx, q, model.MinOffset(), qctx)
	if err != nil {
		return nil, err
	}
	e.observe(StrategyFullScan, q, qctx.DocumentReadCount)
	if e.settings.IndexAutoCreation {
		if err := e.createCacheIndexes(tx, q, qctx, len(docs)); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (e *QueryEngine) observe(strategy string, q query.Query, scanned int) {
	e.log.Debugw("executed query", "strategy", strategy, "query", q.CanonicalID(), "scanned", scanned)
	if e.metrics != nil {
		e.metrics.ObserveQuery(strategy, scanned)
	}
}

func (e *QueryEngine) createCacheIndexes(tx *persistence.Transaction, q query.Query, qctx *QueryContext, resultSize int) error {
	if qctx.DocumentReadCount < e.settings.MinCollectionSize {
		return nil
	}
	if float64(qctx.DocumentReadCount) <= e.settings.RelativeIndexReadCost*float64(resultSize) {
		return nil
	}
	t := q.ToTarget()
	typ, err := e.indexes.GetIndexType(tx, t)
	if err != nil || typ == index.Full {
		return err
	}
	e.log.Debugw("creating index for query", "query", q.CanonicalID(),
		"read", qctx.DocumentReadCount, "results", resultSize)
	return e.indexes.CreateTargetIndexes(tx, t)
}

func (e *QueryEngine) performQueryUsingIndex(tx *persistence.Transaction, q query.Query) (model.DocumentMap, error) {
	if q.MatchesAllDocuments() {
		return nil, nil
	}
	t := q.ToTarget()
	typ, err := e.indexes.GetIndexType(tx, t)
	if err != nil || typ == index.None {
		return nil, err
	}
	if q.HasLimit() && typ == index.Partial {
		// A partial index cannot order the results, so the limit can only
		// be applied after fetching every match.
		return e.performQueryUsingIndex(tx, q.WithLimit(0))
	}

	keys, err := e.indexes.GetDocumentsMatchingTarget(tx, t)
	if err != nil || keys == nil {
		return nil, err
	}
	keySet := model.NewDocumentKeySet(keys...)
	indexed, err := e.view.GetDocuments(tx, keySet)
	if err != nil {
		return nil, err
	}
	offset, err := e.indexes.GetMinOffset(tx, t)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(q, indexed)
	if needsRefill(q, previous, keySet, offset.ReadTime) {
		return e.performQueryUsingIndex(tx, q.WithLimit(0))
	}
	e.observe(StrategyIndex, q, len(keys))
	return e.appendRemainingResults(tx, previous, q, offset)
}

func (e *QueryEngine) performQueryUsingRemoteKeys(tx *persistence.Transaction, q query.Query, remoteKeys model.DocumentKeySet, lastLimboFree model.SnapshotVersion) (model.DocumentMap, error) {
	if q.MatchesAllDocuments() || lastLimboFree.IsMin() {
		return nil, nil
	}
	docs, err := e.view.GetDocuments(tx, remoteKeys)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(q, docs)
	if q.HasLimit() && needsRefill(q, previous, remoteKeys, lastLimboFree) {
		return nil, nil
	}
	e.observe(StrategyRemoteKeys, q, remoteKeys.Len())
	return e.appendRemainingResults(tx, previous, q, model.OffsetFromReadTime(lastLimboFree, model.BatchIDUnknown))
}

// applyQuery filters docs by q and sorts them by q's comparator.
func applyQuery(q query.Query, docs model.DocumentMap) *model.DocumentSet {
	out := model.NewDocumentSet(q.Comparator())
	for _, doc := range docs {
		if doc.IsFoundDocument() && q.Matches(doc) {
			out.Add(doc)
		}
	}
	return out
}

// needsRefill reports whether a limit query's previous results may be
// missing documents: a result left the window, or the document at the
// window edge changed since the results were consistent.
func needsRefill(q query.Query, previous *model.DocumentSet, remoteKeys model.DocumentKeySet, limboFree model.SnapshotVersion) bool {
	if !q.HasLimit() {
		return false
	}
	if remoteKeys.Len() != previous.Len() {
		return true
	}
	edge := previous.Last()
	if q.LimitType == query.LimitLast {
		edge = previous.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version().After(limboFree)
}

func (e *QueryEngine) appendRemainingResults(tx *persistence.Transaction, indexed *model.DocumentSet, q query.Query, offset model.IndexOffset) (model.DocumentMap, error) {
	remaining, err := e.view.GetDocumentsMatchingQuery(tx, q, offset, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range indexed.Docs() {
		remaining[doc.Key()] = doc
	}
	return remaining, nil
}
