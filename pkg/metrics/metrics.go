// Package metrics exposes the engine's prometheus/client_golang
// collectors: WAL append/fsync counters, lock wait duration, deadlocks
// detected, checkpoint duration, TTL sweeps, and GC bytes freed, using
// the standard promauto/client_golang registration pattern common
// across the retrieval pack's service-shaped repos.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the engine reports. Construct one per
// Engine instance; pass a dedicated *prometheus.Registry in tests to
// avoid the default registry's global collision across test binaries.
type Registry struct {
	WALAppends   prometheus.Counter
	WALFsyncs    prometheus.Counter
	WALBytes     prometheus.Counter
	LockWaitTime prometheus.Histogram
	Deadlocks    prometheus.Counter
	Checkpoints  prometheus.Counter
	CheckpointDuration prometheus.Histogram
	TTLSweeps    prometheus.Counter
	TTLExpired   prometheus.Counter
	GCReclaimed  prometheus.Counter
	GCBytesFreed prometheus.Counter
	GCFailed     prometheus.Counter
	TxnCommits   prometheus.Counter
	TxnRollbacks prometheus.Counter
	TxnAborts    prometheus.Counter
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests; pass the default registry (or a wrapped one) in production.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		WALAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_wal_appends_total",
			Help: "Total WAL entries appended.",
		}),
		WALFsyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_wal_fsyncs_total",
			Help: "Total WAL fsync calls.",
		}),
		WALBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_wal_bytes_total",
			Help: "Total bytes appended to the WAL.",
		}),
		LockWaitTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docengine_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a lock.",
			Buckets: prometheus.DefBuckets,
		}),
		Deadlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_deadlocks_detected_total",
			Help: "Total deadlocks detected by the lock manager.",
		}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_checkpoints_total",
			Help: "Total checkpoints created.",
		}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docengine_checkpoint_duration_seconds",
			Help:    "Time spent creating a checkpoint.",
			Buckets: prometheus.DefBuckets,
		}),
		TTLSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_ttl_sweeps_total",
			Help: "Total TTL cleanup sweeps run.",
		}),
		TTLExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_ttl_expired_documents_total",
			Help: "Total documents expired by the TTL service.",
		}),
		GCReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_gc_tombstones_reclaimed_total",
			Help: "Total tombstones reclaimed by the garbage collector.",
		}),
		GCBytesFreed: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_gc_bytes_freed_total",
			Help: "Total bytes freed by the garbage collector.",
		}),
		GCFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_gc_reclaim_failures_total",
			Help: "Total tombstone reclaim attempts that failed.",
		}),
		TxnCommits: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_transactions_committed_total",
			Help: "Total transactions committed.",
		}),
		TxnRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_transactions_rolled_back_total",
			Help: "Total transactions rolled back.",
		}),
		TxnAborts: f.NewCounter(prometheus.CounterOpts{
			Name: "docengine_transactions_aborted_total",
			Help: "Total transactions aborted.",
		}),
	}
}
