package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Local Observation Metrics
// =============================================================================

var (
	// LocalServices tracks the number of services observed on the local segment
	LocalServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_local_services",
			Help: "Current number of services in the local observation store",
		},
	)

	// EventsTotal counts mDNS events delivered to the event consumer
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_events_total",
			Help: "Total number of mDNS add/update/remove events by outcome",
		},
		[]string{"kind", "result"}, // kind: add|update|remove, result: applied|peer_owned|missing_info|absent
	)

	// WatchedServiceTypes tracks the number of service types with an active browser
	WatchedServiceTypes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_watched_service_types",
			Help: "Current number of service types being browsed",
		},
	)

	// BrowseSweepsTotal counts completed browse sweeps per service type
	BrowseSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_browse_sweeps_total",
			Help: "Total number of mDNS browse sweeps",
		},
		[]string{"status"}, // "success", "error"
	)
)

// =============================================================================
// mDNS Engine Metrics
// =============================================================================

var (
	// EngineOperationsTotal counts register/update/unregister calls on the engine
	EngineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_engine_operations_total",
			Help: "Total number of mDNS engine operations issued by the reconciler",
		},
		[]string{"op", "result"}, // op: register|update|unregister, result: ok|conflict|invalid|error
	)

	// EngineRegistrations tracks the number of records this node announces on behalf of peers
	EngineRegistrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdns_mirror_engine_registrations",
			Help: "Current number of mirrored records registered with the mDNS engine",
		},
	)
)

// =============================================================================
// Exposition Metrics
// =============================================================================

var (
	// ExpositionRequestsTotal counts snapshot requests served to peers
	ExpositionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_exposition_requests_total",
			Help: "Total number of snapshot requests served",
		},
		[]string{"code"},
	)

	// ExpositionBytesTotal counts encoded snapshot bytes served
	ExpositionBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdns_mirror_exposition_bytes_total",
			Help: "Total bytes of encoded snapshots served",
		},
	)

	// RateLimitRequestsTotal counts requests by rate limiter decision
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_mirror_rate_limit_requests_total",
			Help: "Total number of exposition requests by rate limit decision",
		},
		[]string{"status"}, // "allowed", "throttled"
	)
)
