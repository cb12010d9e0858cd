package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync node
type Metrics struct {
	// Operation pipeline metrics
	OperationsTotal     prometheus.CounterVec
	OperationsDuration  prometheus.HistogramVec
	OperationsInFlight  prometheus.Gauge
	OperationsShed      prometheus.Counter
	OperationsTimedOut  prometheus.Counter

	// Engine metrics
	EngineEntriesTotal prometheus.GaugeVec
	EngineCostBytes    prometheus.GaugeVec
	EvictionsTotal     prometheus.Counter
	ExpirationsTotal   prometheus.Counter

	// Persistence metrics
	StoreLoadsTotal       prometheus.Counter
	StoreWritesTotal      prometheus.Counter
	StoreWriteDuration    prometheus.Histogram
	WriteBehindQueueDepth prometheus.Gauge
	WriteBehindRetries    prometheus.Counter
	WriteBehindFlushes    prometheus.Counter

	// Replication and anti-entropy metrics
	ReplicationsSentTotal     prometheus.Counter
	ReplicationsAppliedTotal  prometheus.Counter
	AntiEntropySessionsTotal  prometheus.CounterVec
	AntiEntropyKeysMerged     prometheus.Counter
	AntiEntropyLeavesDiverged prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive   prometheus.Gauge
	EventsDeliveredTotal  prometheus.Counter
	EventsDroppedTotal    prometheus.Counter

	// Cluster metrics
	ClusterMembersTotal  prometheus.Gauge
	PartitionsOwned      prometheus.Gauge
	ClockSkewRejections  prometheus.Counter

	// Garbage collection metrics
	GcRunsTotal        prometheus.Counter
	GcKeysRemoved      prometheus.Counter
	GcTombstonesPruned prometheus.Counter
	GcRunDuration      prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		// Operation pipeline metrics
		OperationsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "pipeline",
			Name:        "operations_total",
			Help:        "Total number of operations by service and outcome",
			ConstLabels: labels,
		}, []string{"service", "outcome"}),
		OperationsDuration: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "topgun",
			Subsystem:   "pipeline",
			Name:        "operations_duration_seconds",
			Help:        "Histogram of operation durations by service",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service"}),
		OperationsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "pipeline",
			Name:        "operations_in_flight",
			Help:        "Number of operations currently executing",
			ConstLabels: labels,
		}),
		OperationsShed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "pipeline",
			Name:        "operations_shed_total",
			Help:        "Total number of operations rejected by load shedding",
			ConstLabels: labels,
		}),
		OperationsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "pipeline",
			Name:        "operations_timed_out_total",
			Help:        "Total number of operations that exceeded their timeout",
			ConstLabels: labels,
		}),

		// Engine metrics
		EngineEntriesTotal: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "engine",
			Name:        "entries_total",
			Help:        "Current number of in-memory records by map",
			ConstLabels: labels,
		}, []string{"map"}),
		EngineCostBytes: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "engine",
			Name:        "cost_bytes",
			Help:        "Current in-memory record cost by map",
			ConstLabels: labels,
		}, []string{"map"}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "engine",
			Name:        "evictions_total",
			Help:        "Total number of records evicted to the data store",
			ConstLabels: labels,
		}),
		ExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "engine",
			Name:        "expirations_total",
			Help:        "Total number of records removed after TTL expiry",
			ConstLabels: labels,
		}),

		// Persistence metrics
		StoreLoadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "loads_total",
			Help:        "Total number of record loads from the data store",
			ConstLabels: labels,
		}),
		StoreWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "writes_total",
			Help:        "Total number of record writes to the data store",
			ConstLabels: labels,
		}),
		StoreWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "write_duration_seconds",
			Help:        "Histogram of data store write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WriteBehindQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "write_behind_queue_depth",
			Help:        "Current number of keys queued for write-behind persistence",
			ConstLabels: labels,
		}),
		WriteBehindRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "write_behind_retries_total",
			Help:        "Total number of write-behind persistence retries",
			ConstLabels: labels,
		}),
		WriteBehindFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "datastore",
			Name:        "write_behind_flushes_total",
			Help:        "Total number of write-behind flush passes",
			ConstLabels: labels,
		}),

		// Replication and anti-entropy metrics
		ReplicationsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "replication",
			Name:        "sent_total",
			Help:        "Total number of writes replicated to backup owners",
			ConstLabels: labels,
		}),
		ReplicationsAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "replication",
			Name:        "applied_total",
			Help:        "Total number of replicated writes applied from peers",
			ConstLabels: labels,
		}),
		AntiEntropySessionsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "antientropy",
			Name:        "sessions_total",
			Help:        "Total number of anti-entropy sessions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		AntiEntropyKeysMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "antientropy",
			Name:        "keys_merged_total",
			Help:        "Total number of keys merged during anti-entropy",
			ConstLabels: labels,
		}),
		AntiEntropyLeavesDiverged: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "topgun",
			Subsystem:   "antientropy",
			Name:        "leaves_diverged",
			Help:        "Histogram of diverged Merkle leaves per session",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 9),
		}),

		// Subscription metrics
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "subscription",
			Name:        "active",
			Help:        "Current number of active subscriptions",
			ConstLabels: labels,
		}),
		EventsDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "subscription",
			Name:        "events_delivered_total",
			Help:        "Total number of change events delivered to subscribers",
			ConstLabels: labels,
		}),
		EventsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "subscription",
			Name:        "events_dropped_total",
			Help:        "Total number of change events dropped on slow connections",
			ConstLabels: labels,
		}),

		// Cluster metrics
		ClusterMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "cluster",
			Name:        "members_total",
			Help:        "Current number of cluster members",
			ConstLabels: labels,
		}),
		PartitionsOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "topgun",
			Subsystem:   "cluster",
			Name:        "partitions_owned",
			Help:        "Number of partitions this node owns",
			ConstLabels: labels,
		}),
		ClockSkewRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "cluster",
			Name:        "clock_skew_rejections_total",
			Help:        "Total number of remote timestamps rejected for excessive skew",
			ConstLabels: labels,
		}),

		// Garbage collection metrics
		GcRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "gc",
			Name:        "runs_total",
			Help:        "Total number of garbage collection passes",
			ConstLabels: labels,
		}),
		GcKeysRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "gc",
			Name:        "keys_removed_total",
			Help:        "Total number of expired keys removed by garbage collection",
			ConstLabels: labels,
		}),
		GcTombstonesPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "topgun",
			Subsystem:   "gc",
			Name:        "tombstones_pruned_total",
			Help:        "Total number of observed-remove tombstones pruned",
			ConstLabels: labels,
		}),
		GcRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "topgun",
			Subsystem:   "gc",
			Name:        "run_duration_seconds",
			Help:        "Histogram of garbage collection pass durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// RecordOperation records one completed pipeline operation
func (m *Metrics) RecordOperation(service, outcome string, duration float64) {
	m.OperationsTotal.WithLabelValues(service, outcome).Inc()
	m.OperationsDuration.WithLabelValues(service).Observe(duration)
}

// RecordAntiEntropySession records one finished anti-entropy session
func (m *Metrics) RecordAntiEntropySession(outcome string, keysMerged, leavesDiverged int) {
	m.AntiEntropySessionsTotal.WithLabelValues(outcome).Inc()
	m.AntiEntropyKeysMerged.Add(float64(keysMerged))
	m.AntiEntropyLeavesDiverged.Observe(float64(leavesDiverged))
}

// RecordGcRun records one garbage collection pass
func (m *Metrics) RecordGcRun(duration float64, keysRemoved, tombstonesPruned int) {
	m.GcRunsTotal.Inc()
	m.GcRunDuration.Observe(duration)
	m.GcKeysRemoved.Add(float64(keysRemoved))
	m.GcTombstonesPruned.Add(float64(tombstonesPruned))
}

// UpdateEngineStats updates in-memory engine gauges for one map
func (m *Metrics) UpdateEngineStats(mapName string, entries, costBytes int64) {
	m.EngineEntriesTotal.WithLabelValues(mapName).Set(float64(entries))
	m.EngineCostBytes.WithLabelValues(mapName).Set(float64(costBytes))
}

// UpdateClusterStats updates membership and ownership gauges
func (m *Metrics) UpdateClusterStats(members, partitionsOwned int) {
	m.ClusterMembersTotal.Set(float64(members))
	m.PartitionsOwned.Set(float64(partitionsOwned))
}
