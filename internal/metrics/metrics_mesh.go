package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Reconciler & Peer Metrics
// =============================================================================

var (
	// ReconcileCyclesTotal counts completed reconciliation cycles
	ReconcileCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdns_mirror_reconcile_cycles_total",
			Help: "Total number of completed reconciliation cycles",
		},
	)

	// ReconcileDurationSeconds measures a full fetch-diff-apply pass
	ReconcileDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdns_mirror_reconcile_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// ReconcileSkippedTotal counts peers whose snapshot digest was unchanged
	ReconcileSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdns_mirror_reconcile_skipped_total",
			Help: "Total number of peer diffs skipped because the snapshot digest matched",
		},
	)

	// PeerFetchTotal counts snapshot fetches by outcome
	PeerFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_peer_fetch_total",
			Help: "Total number of peer snapshot fetches",
		},
		[]string{"result"}, // "success", "error", "breaker_open"
	)

	// PeerFetchRetriesTotal counts retried fetch attempts
	PeerFetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdns_mirror_peer_fetch_retries_total",
			Help: "Total number of retried peer fetch attempts",
		},
	)

	// PeerFetchDurationSeconds measures a fetch including retries
	PeerFetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdns_mirror_peer_fetch_duration_seconds",
			Help:    "Duration of peer snapshot fetches including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PeerServices tracks mirrored services per peer
	PeerServices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_peer_services",
			Help: "Current number of services mirrored from each peer",
		},
		[]string{"peer"},
	)

	// PeerReachable tracks peer reachability (0=unreachable, 1=reachable)
	PeerReachable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_peer_reachable",
			Help: "Peer reachability in the last cycle (0=unreachable, 1=reachable)",
		},
		[]string{"peer"},
	)

	// PeersPurgedTotal counts peers dropped from the peer snapshot store
	PeersPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_peers_purged_total",
			Help: "Total number of peers purged from the peer snapshot store",
		},
		[]string{"reason"}, // "unreachable", "removed"
	)

	// BreakerState tracks per-peer circuit breaker state (0=closed, 1=open, 2=half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_breaker_state",
			Help: "Per-peer circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"peer"},
	)
)
