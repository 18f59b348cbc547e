package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DarkLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreFacts          *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Computations ---
	ComputationsQueued   *prometheus.CounterVec
	ComputationsTerminal *prometheus.CounterVec
	ComputationsPending  prometheus.Gauge
	ClusterRequestDur    *prometheus.HistogramVec
	ClusterErrors        *prometheus.CounterVec
	CallbacksRejected    *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsCompleted prometheus.Counter
	LiquidationSeized     prometheus.Counter
	HealthChecksFlagged   prometheus.Counter
	KeeperSweeps          prometheus.Counter
	KeeperSubmissions     *prometheus.CounterVec

	// --- Bridge ---
	BridgeMints       prometheus.Counter
	BridgeMinted      prometheus.Counter
	BridgeWithdrawals prometheus.Counter
	BridgeRejections  *prometheus.CounterVec
	TradesSettled     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistFactsWritten    prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_core_events_rejected_total",
			Help: "Events rejected (duplicate or ledger error code)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreFacts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_core_facts_emitted_total",
			Help: "Facts emitted by core",
		}, []string{"fact_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dark_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_ingest_to_apply_seconds",
			Help:    "Inbound receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_nats_pull_latency_seconds",
			Help:    "NATS fetch latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dark_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dark_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dark_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dark_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_publish_drops_total",
			Help: "Facts dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dark_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		// Computations
		ComputationsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_computations_queued_total",
			Help: "Computations forwarded to the cluster",
		}, []string{"kind"}),

		ComputationsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_computations_terminal_total",
			Help: "Computations finalized by callback",
		}, []string{"kind", "status"}),

		ComputationsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_computations_pending",
			Help: "Computations awaiting a callback",
		}),

		ClusterRequestDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_cluster_request_duration_seconds",
			Help:    "Time to hand a request to the cluster",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),

		ClusterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_cluster_errors_total",
			Help: "Cluster transport failures",
		}, []string{"op"}),

		CallbacksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_callbacks_rejected_total",
			Help: "Callbacks refused by the lifecycle manager",
		}, []string{"reason"}),

		// Liquidation
		LiquidationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_liquidations_total",
			Help: "Accounts liquidated",
		}),

		LiquidationSeized: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_liquidation_seized_total",
			Help: "Collateral seized by liquidators (base units)",
		}),

		HealthChecksFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_health_checks_flagged_total",
			Help: "Health checks that flagged an account liquidatable",
		}),

		KeeperSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_keeper_sweeps_total",
			Help: "Keeper health-check sweeps",
		}),

		KeeperSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_keeper_submissions_total",
			Help: "Events submitted by the keeper",
		}, []string{"event_type", "result"}),

		// Bridge
		BridgeMints: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_bridge_mints_total",
			Help: "Bridge deposits minted",
		}),

		BridgeMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_bridge_minted_amount_total",
			Help: "Wrapped amount minted (base units)",
		}),

		BridgeWithdrawals: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_bridge_withdrawals_total",
			Help: "Bridge withdrawals requested",
		}),

		BridgeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_bridge_rejections_total",
			Help: "Refused bridge operations",
		}, []string{"reason"}),

		TradesSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_trades_settled_total",
			Help: "Trades queued for settlement",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistFactsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_persist_facts_written_total",
			Help: "Facts written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dark_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dark_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dark_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dark_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dark_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dark_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
