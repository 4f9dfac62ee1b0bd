package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalayer_operations_total",
			Help: "Total number of per-key operations by type and result",
		},
		[]string{"op", "result"},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datalayer_operation_latency_seconds",
			Help:    "Per-key operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Directory metrics
	RegionsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datalayer_regions",
			Help: "Number of regions currently registered in the directory",
		},
	)

	RegionLifecycle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalayer_region_lifecycle_total",
			Help: "Region create and drop events, including no-ops",
		},
		[]string{"event"},
	)

	// Flusher metrics
	FlushIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalayer_flush_iterations_total",
			Help: "Flusher loop iterations, split by whether any region had work",
		},
		[]string{"state"},
	)

	FlushedOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "datalayer_flushed_operations_total",
			Help: "Operations persisted by region flushes",
		},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datalayer_flush_iteration_seconds",
			Help:    "Time spent flushing every region in one iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalayer_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)

	// Raft metrics
	RaftCommandsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalayer_raft_commands_applied_total",
			Help: "Region assignment commands applied by the raft FSM",
		},
		[]string{"type"},
	)

	ClusterPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datalayer_cluster_peers",
			Help: "Number of peers known through gossip",
		},
	)
)
