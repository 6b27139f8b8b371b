// Package metrics holds the Prometheus collectors of one docsync client.
//
// Each client registers its collectors on its own registry so that several
// clients in one process do not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Query execution strategies.
const (
	StrategyIndex     = "index"
	StrategyLimboFree = "limbo_free"
	StrategyFullScan  = "full_scan"
)

// Metrics is the set of collectors updated by the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GCRuns              prometheus.Counter
	GCTargetsRemoved    prometheus.Counter
	GCDocumentsRemoved  prometheus.Counter
	QueriesExecuted     *prometheus.CounterVec
	DocumentsScanned    *prometheus.CounterVec
	PendingBatches      prometheus.Gauge
	CacheBytes          prometheus.Gauge
	Primary             prometheus.Gauge
	BackfillDocuments   prometheus.Counter
	TransactionRetries  prometheus.Counter
	ActiveTargets       prometheus.Gauge
	LimboResolutions    prometheus.Gauge
	SnapshotsDispatched prometheus.Counter
}

// New creates and registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "runs_total",
			Help: "Garbage collection passes that ran.",
		}),
		GCTargetsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "targets_removed_total",
			Help: "Inactive targets removed by garbage collection.",
		}),
		GCDocumentsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "documents_removed_total",
			Help: "Orphaned documents removed by garbage collection.",
		}),
		QueriesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "executed_total",
			Help: "Local query executions by strategy.",
		}, []string{"strategy"}),
		DocumentsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "documents_scanned_total",
			Help: "Documents read while executing local queries, by strategy.",
		}, []string{"strategy"}),
		PendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mutations", Name: "pending_batches",
			Help: "Mutation batches not yet acknowledged.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes",
			Help: "Estimated size of the remote document cache.",
		}),
		Primary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lease", Name: "primary",
			Help: "1 while this client holds the primary lease.",
		}),
		BackfillDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "backfilled_documents_total",
			Help: "Documents written into field indexes by the backfiller.",
		}),
		TransactionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "transaction_retries_total",
			Help: "Transactions retried after a transient failure.",
		}),
		ActiveTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "active_targets",
			Help: "Targets currently listened to.",
		}),
		LimboResolutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "limbo_resolutions",
			Help: "Active limbo resolution targets.",
		}),
		SnapshotsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "snapshots_total",
			Help: "View snapshots delivered to listeners.",
		}),
	}
	m.registry.MustRegister(
		m.GCRuns, m.GCTargetsRemoved, m.GCDocumentsRemoved,
		m.QueriesExecuted, m.DocumentsScanned,
		m.PendingBatches, m.CacheBytes, m.Primary,
		m.BackfillDocuments, m.TransactionRetries,
		m.ActiveTargets, m.LimboResolutions, m.SnapshotsDispatched,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding m's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves m's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one query execution.
func (m *Metrics) ObserveQuery(strategy string, scanned int) {
	if m == nil {
		return
	}
	m.QueriesExecuted.WithLabelValues(strategy).Inc()
	m.DocumentsScanned.WithLabelValues(strategy).Add(float64(scanned))
}

// ObserveGC records the outcome of one collection pass.
func (m *Metrics) ObserveGC(targetsRemoved, documentsRemoved int) {
	if m == nil {
		return
	}
	m.GCRuns.Inc()
	m.GCTargetsRemoved.Add(float64(targetsRemoved))
	m.GCDocumentsRemoved.Add(float64(documentsRemoved))
}

// SetPrimary records the lease state.
func (m *Metrics) SetPrimary(primary bool) {
	if m == nil {
		return
	}
	if primary {
		m.Primary.Set(1)
	} else {
		m.Primary.Set(0)
	}
}

// SetPendingBatches records the mutation queue depth.
func (m *Metrics) SetPendingBatches(n int) {
	if m == nil {
		return
	}
	m.PendingBatches.Set(float64(n))
}

// SetCacheBytes records the remote document cache size.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

// AddBackfilled records documents processed by the backfiller.
func (m *Metrics) AddBackfilled(n int) {
	if m == nil {
		return
	}
	m.BackfillDocuments.Add(float64(n))
}

// IncRetries records a retried transaction.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.TransactionRetries.Inc()
}

// SetSyncState records listen and limbo counts.
func (m *Metrics) SetSyncState(activeTargets, limbo int) {
	if m == nil {
		return
	}
	m.ActiveTargets.Set(float64(activeTargets))
	m.LimboResolutions.Set(float64(limbo))
}

// IncSnapshots records a delivered snapshot.
func (m *Metrics) IncSnapshots() {
	if m == nil {
		return
	}
	m.SnapshotsDispatched.Inc()
}
