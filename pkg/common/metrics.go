package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_rows_claimed_total",
		Help: "Total number of work rows claimed",
	}, []string{"tenant", "table"})

	RowsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_rows_released_total",
		Help: "Total number of work rows released",
	}, []string{"tenant", "table"})

	ClaimDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_processor_claim_duration_seconds",
		Help:    "Time taken to claim a batch of work rows",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"tenant", "table"})

	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_transactions_processed_total",
		Help: "Total number of tenant transactions processed",
	}, []string{"tenant", "operation", "status"})

	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_processor_transaction_duration_seconds",
		Help:    "Time taken to execute a tenant transaction",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tenant", "operation"})

	StrategyCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_strategy_cache_hits_total",
		Help: "Total strategy cache hits",
	}, []string{"tier"})

	StrategyCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_strategy_cache_misses_total",
		Help: "Total strategy cache misses",
	}, []string{"tier"})

	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_processor_resolve_duration_seconds",
		Help:    "Time taken to resolve a tenant configuration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"tenant"})

	AssociationChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_association_changes_total",
		Help: "Total worker association changes",
	}, []string{"tenant", "change"})

	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_commands_processed_total",
		Help: "Total control commands processed",
	}, []string{"kind", "disposition"})

	WorkerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "token_processor_worker_state",
		Help: "Current worker loop state (0=running 1=held 2=draining 3=idle)",
	}, []string{"tenant", "process"})

	LocksReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_locks_reaped_total",
		Help: "Total stale lock tokens cleared by the reaper",
	}, []string{"table"})

	ArchiveRowsFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_archive_rows_flushed_total",
		Help: "Total history rows flushed to the archive",
	}, []string{"table", "status"})

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "token_processor_leader_election_status",
		Help: "Leader election status (1=leader 0=follower)",
	}, []string{"node_id"})

	LeaderElectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_leader_election_transitions_total",
		Help: "Total leadership transitions",
	}, []string{"node_id", "transition"})

	LeaderElectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_leader_election_errors_total",
		Help: "Total leader election errors",
	}, []string{"node_id", "operation"})

	MemoryUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "token_processor_memory_bytes",
		Help: "Process memory usage by class",
	}, []string{"class"})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "token_processor_goroutines",
		Help: "Current goroutine count",
	})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_rpc_calls_total",
		Help: "Total blockchain RPC calls",
	}, []string{"node", "method", "status"})

	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_processor_rpc_call_duration_seconds",
		Help:    "Blockchain RPC call latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"node", "method", "status"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_processor_store_errors_total",
		Help: "Total data store transport failures",
	}, []string{"component", "operation"})
)
