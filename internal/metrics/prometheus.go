package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a Map-API peer
type Metrics struct {
	// Transport metrics
	RequestsSentTotal     *prometheus.CounterVec
	RequestsReceivedTotal *prometheus.CounterVec
	RequestDuration       prometheus.Histogram
	RequestFailuresTotal  *prometheus.CounterVec

	// Chord metrics
	ChordLookupsTotal   prometheus.Counter
	ChordLookupHops     prometheus.Histogram
	ChordRingSize       prometheus.Gauge

	// Chunk metrics
	ChunksHeld             prometheus.Gauge
	ChunkPeersTotal        prometheus.Gauge
	LockAcquisitionsTotal  prometheus.Counter
	LockConflictsTotal     prometheus.Counter
	LockTimeoutsTotal      prometheus.Counter
	LockAcquireDuration    prometheus.Histogram
	ReplicatedWritesTotal  prometheus.Counter
	StateTransfersTotal    prometheus.Counter

	// Transaction metrics
	TransactionCommitsTotal prometheus.Counter
	TransactionAbortsTotal  *prometheus.CounterVec
	TransactionMergesTotal  prometheus.Counter

	// Raft metrics
	RaftTerm        prometheus.Gauge
	RaftElections   prometheus.Counter
	RaftLeaderState prometheus.Gauge
}

// New creates and registers all metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapapi_requests_sent_total",
			Help: "Outbound RPCs by message type",
		}, []string{"type"}),
		RequestsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapapi_requests_received_total",
			Help: "Inbound RPCs by message type",
		}, []string{"type"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapapi_request_duration_seconds",
			Help:    "Outbound RPC round-trip duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		RequestFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapapi_request_failures_total",
			Help: "Failed outbound RPCs by message type",
		}, []string{"type"}),

		ChordLookupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_chord_lookups_total",
			Help: "find_successor evaluations on this peer, local and remote-served",
		}),
		ChordLookupHops: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapapi_chord_lookup_hops",
			Help:    "Ring hops taken from this peer per find_successor evaluation (0 or 1)",
			Buckets: prometheus.LinearBuckets(0, 1, 16),
		}),
		ChordRingSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapapi_chord_known_peers",
			Help: "Peers currently referenced by the chord index",
		}),

		ChunksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapapi_chunks_held",
			Help: "Chunks replicated by this peer",
		}),
		ChunkPeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapapi_chunk_peers_total",
			Help: "Sum of peer set sizes over held chunks",
		}),
		LockAcquisitionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_lock_acquisitions_total",
			Help: "Successful distributed write lock acquisitions",
		}),
		LockConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_lock_conflicts_total",
			Help: "Write lock attempts lost to a competing candidate",
		}),
		LockTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_lock_timeouts_total",
			Help: "Write lock attempts that timed out",
		}),
		LockAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapapi_lock_acquire_duration_seconds",
			Help:    "Distributed write lock acquisition latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ReplicatedWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_replicated_writes_total",
			Help: "Insert/update revisions propagated to chunk peers",
		}),
		StateTransfersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_state_transfers_total",
			Help: "Full chunk state transfers served to joining peers",
		}),

		TransactionCommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_transaction_commits_total",
			Help: "Committed transactions",
		}),
		TransactionAbortsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapapi_transaction_aborts_total",
			Help: "Aborted transactions by reason",
		}, []string{"reason"}),
		TransactionMergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_transaction_merges_total",
			Help: "Merge operations on failed transactions",
		}),

		RaftTerm: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapapi_raft_term",
			Help: "Current raft term",
		}),
		RaftElections: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapapi_raft_elections_total",
			Help: "Elections started by this peer",
		}),
		RaftLeaderState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapapi_raft_is_leader",
			Help: "1 while this peer is the raft leader",
		}),
	}
}

// NewNop returns metrics registered with a throwaway registry. Tests use
// it where metric values are irrelevant.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
