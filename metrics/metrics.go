// Package metrics holds the prometheus collectors of the master. They are
// registered with the default registry and exposed by the debug server on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tierfs"

var (
	JournalAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_appends_total",
		Help:      "Journal appends by entry type and result.",
	}, []string{"entry_type", "result"})

	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_total",
		Help:      "Checkpoint attempts by result.",
	}, []string{"result"})

	CheckpointDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "checkpoint_duration_seconds",
		Help:      "Time taken to capture and write a checkpoint.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	CheckpointSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoint_size_bytes",
		Help:      "Compressed size of the newest checkpoint.",
	})

	LineageSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lineage_submissions_total",
		Help:      "Lineage submissions by result.",
	}, []string{"result"})

	LineageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lineage_transitions_total",
		Help:      "Journaled lineage state transitions by target state.",
	}, []string{"state"})

	LiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_live_workers",
		Help:      "Workers currently considered alive.",
	})

	BlocksLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cluster_blocks_lost_total",
		Help:      "Blocks detected as lost from all workers.",
	})

	RecoveryJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_jobs_total",
		Help:      "Recovery job outcomes: persisted, failed, attached.",
	}, []string{"result"})

	RecoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_attempts_total",
		Help:      "Recovery dispatch attempts by result.",
	}, []string{"result"})

	RecoveryJobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recovery_job_duration_seconds",
		Help:      "Time from dispatch to confirmed durability of a recovered job.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	UnrecoverableFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_unrecoverable_files_total",
		Help:      "Lost files that no lineage can rebuild.",
	})

	AsyncCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "async_completions_total",
		Help:      "Asynchronous file completions by result.",
	}, []string{"result"})

	PendingCompletions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "async_completions_pending",
		Help:      "Files waiting for all blocks to be persisted.",
	})

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_cpu_percent",
		Help:      "Host CPU utilisation sampled by the self monitor.",
	})

	ProcessMemoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_memory_used_percent",
		Help:      "Host memory utilisation sampled by the self monitor.",
	})

	DataDiskUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "data_disk_used_percent",
		Help:      "Utilisation of the disk holding the master directory.",
	})
)

// Result label values shared by the counters above.
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultRejected   = "rejected"
	ResultPersisted  = "persisted"
	ResultFailed     = "failed"
	ResultAttached   = "attached"
	ResultRetried    = "retried"
	ResultWorkerLost = "worker_lost"
)
