package health

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// gauge maps a status onto the value exported for it.
func (s HealthStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

func worse(a, b HealthStatus) HealthStatus {
	if b.gauge() < a.gauge() {
		return b
	}
	return a
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth is the body served on /healthz.
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	Mirror     *MirrorSummary              `json:"mirror"`
	Goroutines int                         `json:"goroutines"`
	CheckCount int64                       `json:"check_count"`
}

// MirrorSummary is a point-in-time view of what this node mirrors.
type MirrorSummary struct {
	Mirrored         int       `json:"mirrored"`
	Observed         int       `json:"observed"`
	WatchedTypes     int       `json:"watched_types"`
	Peers            int       `json:"peers"`
	UnreachablePeers int       `json:"unreachable_peers"`
	Cycles           uint64    `json:"cycles"`
	LastCycle        time.Time `json:"last_cycle"`
	CycleAgeMs       int64     `json:"cycle_age_ms"`
}

// LocalView counts the services observed natively on this segment.
type LocalView interface {
	Len() int
}

// TypeView counts the service types being browsed.
type TypeView interface {
	Watched() int
}

// Sources feed the mirror summary. Nil sources are left out of it.
type Sources struct {
	Cycles CycleSource
	Engine EngineState
	Peers  PeerView
	Local  LocalView
	Types  TypeView
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

type healthMetrics struct {
	checkDuration   *prometheus.HistogramVec
	componentStatus *prometheus.GaugeVec
	overallStatus   prometheus.Gauge
}

// HealthManager aggregates the component checks behind /healthz.
type HealthManager struct {
	startTime time.Time
	version   string
	sources   Sources
	logger    zerolog.Logger
	tracer    trace.Tracer
	registry  *prometheus.Registry
	metrics   healthMetrics

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	count    atomic.Int64
}

// NewHealthManager creates a health manager with its own metrics registry.
func NewHealthManager(version string, sources Sources, logger *zerolog.Logger, tracer trace.Tracer) *HealthManager {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &HealthManager{
		startTime: time.Now(),
		version:   version,
		sources:   sources,
		logger:    logger.With().Str("component", "health").Logger(),
		tracer:    tracer,
		registry:  registry,
		metrics: healthMetrics{
			checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mdns_mirror_health_check_duration_seconds",
				Help:    "Duration of health checks",
				Buckets: prometheus.DefBuckets,
			}, []string{"component"}),
			componentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "mdns_mirror_component_health_status",
				Help: "Component health (1=healthy, 0.5=degraded, 0=unhealthy)",
			}, []string{"component"}),
			overallStatus: factory.NewGauge(prometheus.GaugeOpts{
				Name: "mdns_mirror_health_status",
				Help: "Overall node health (1=healthy, 0.5=degraded, 0=unhealthy)",
			}),
		},
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds checker, replacing any checker of the same name.
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers[checker.Name()] = checker
	hm.mu.Unlock()
	hm.logger.Debug().Str("checker", checker.Name()).Msg("Registered health checker")
}

// GetRegistry returns the prometheus registry
func (hm *HealthManager) GetRegistry() *prometheus.Registry {
	return hm.registry
}

// CheckHealth runs every checker in name order. The overall status is the
// worst component status.
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := hm.tracer.Start(ctx, "HealthManager.CheckHealth")
	defer span.End()

	count := hm.count.Add(1)
	now := time.Now()

	hm.mu.RLock()
	checkers := make([]HealthChecker, 0, len(hm.checkers))
	for _, c := range hm.checkers {
		checkers = append(checkers, c)
	}
	hm.mu.RUnlock()
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  now,
		Uptime:     now.Sub(hm.startTime),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth, len(checkers)),
		Mirror:     hm.summary(now),
		Goroutines: runtime.NumGoroutine(),
		CheckCount: count,
	}

	for _, checker := range checkers {
		name := checker.Name()
		start := time.Now()
		ch := checker.Check(ctx)
		hm.metrics.checkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		hm.metrics.componentStatus.WithLabelValues(name).Set(ch.Status.gauge())

		health.Components[name] = ch
		health.Status = worse(health.Status, ch.Status)
		span.SetAttributes(attribute.String("mirror.health."+name, string(ch.Status)))
	}
	hm.metrics.overallStatus.Set(health.Status.gauge())

	span.SetAttributes(
		attribute.String("mirror.health.status", string(health.Status)),
		attribute.Int("mirror.health.mirrored", health.Mirror.Mirrored),
		attribute.Int("mirror.health.peers", health.Mirror.Peers),
	)

	hm.logger.Debug().
		Str("status", string(health.Status)).
		Int("components", len(checkers)).
		Int("mirrored", health.Mirror.Mirrored).
		Int("unreachable_peers", health.Mirror.UnreachablePeers).
		Dur("duration", time.Since(now)).
		Msg("Health check completed")

	return health
}

func (hm *HealthManager) summary(now time.Time) *MirrorSummary {
	s := &MirrorSummary{}
	src := hm.sources
	if src.Engine != nil {
		s.Mirrored = len(src.Engine.Registered())
	}
	if src.Local != nil {
		s.Observed = src.Local.Len()
	}
	if src.Types != nil {
		s.WatchedTypes = src.Types.Watched()
	}
	if src.Peers != nil {
		peers := src.Peers.Peers()
		s.Peers = len(peers)
		for _, p := range peers {
			if src.Peers.Misses(p) > 0 {
				s.UnreachablePeers++
			}
		}
	}
	if src.Cycles != nil {
		s.LastCycle, s.Cycles = src.Cycles.LastCycle()
		if !s.LastCycle.IsZero() {
			s.CycleAgeMs = now.Sub(s.LastCycle).Milliseconds()
		}
	}
	return s
}

// HTTPHandler serves the aggregated health as JSON, with 503 when unhealthy.
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}
