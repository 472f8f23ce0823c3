package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CycleSource reports when the reconciler last completed a cycle.
type CycleSource interface {
	LastCycle() (time.Time, uint64)
}

// ReconcilerChecker flags a reconciliation loop that has stopped making
// progress. It is degraded after three missed intervals and unhealthy
// after five.
type ReconcilerChecker struct {
	name     string
	source   CycleSource
	interval time.Duration
	started  time.Time
	now      func() time.Time
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewReconcilerChecker(source CycleSource, interval time.Duration, logger *zerolog.Logger, tracer trace.Tracer) *ReconcilerChecker {
	return &ReconcilerChecker{
		name:     "reconciler",
		source:   source,
		interval: interval,
		started:  time.Now(),
		now:      time.Now,
		logger:   *logger,
		tracer:   tracer,
	}
}

func (rc *ReconcilerChecker) Name() string {
	return rc.name
}

func (rc *ReconcilerChecker) Check(ctx context.Context) *ComponentHealth {
	_, span := rc.tracer.Start(ctx, "ReconcilerChecker.Check")
	defer span.End()

	now := rc.now()
	last, cycles := rc.source.LastCycle()

	// Before the first cycle completes, age is measured from startup.
	ref := last
	if ref.IsZero() {
		ref = rc.started
	}
	age := now.Sub(ref)

	status := StatusHealthy
	message := "Reconciling on schedule"
	switch {
	case age > 5*rc.interval:
		status = StatusUnhealthy
		message = fmt.Sprintf("No reconcile cycle for %s", age.Round(time.Second))
	case age > 3*rc.interval:
		status = StatusDegraded
		message = fmt.Sprintf("Reconcile cycle overdue by %s", (age - rc.interval).Round(time.Second))
	case last.IsZero():
		message = "Waiting for first reconcile cycle"
	}
	if status != StatusHealthy {
		rc.logger.Warn().Dur("age", age).Uint64("cycles", cycles).Msg(message)
	}

	span.SetAttributes(
		attribute.Int64("mirror.health.reconcile_age_ms", age.Milliseconds()),
		attribute.Int64("mirror.health.reconcile_cycles", int64(cycles)),
	)

	return &ComponentHealth{
		Name:        rc.name,
		Status:      status,
		Message:     message,
		LastChecked: now,
		Metadata: map[string]interface{}{
			"last_cycle": last,
			"cycles":     cycles,
			"age_ms":     age.Milliseconds(),
		},
	}
}

// EngineState is the view of the mDNS engine needed for health.
type EngineState interface {
	Closed() bool
	Registered() []string
}

// EngineChecker reports the mDNS engine unhealthy once it has been closed.
type EngineChecker struct {
	name   string
	engine EngineState
	tracer trace.Tracer
}

func NewEngineChecker(engine EngineState, tracer trace.Tracer) *EngineChecker {
	return &EngineChecker{name: "mdns", engine: engine, tracer: tracer}
}

func (ec *EngineChecker) Name() string {
	return ec.name
}

func (ec *EngineChecker) Check(ctx context.Context) *ComponentHealth {
	_, span := ec.tracer.Start(ctx, "EngineChecker.Check")
	defer span.End()

	h := &ComponentHealth{
		Name:        ec.name,
		Status:      StatusHealthy,
		Message:     "mDNS engine running",
		LastChecked: time.Now(),
	}
	if ec.engine.Closed() {
		h.Status = StatusUnhealthy
		h.Message = "mDNS engine closed"
		return h
	}
	h.Metadata = map[string]interface{}{
		"registrations": len(ec.engine.Registered()),
	}
	return h
}

// PeerView lists peers and how many consecutive fetches each has missed.
type PeerView interface {
	Peers() []string
	Misses(peer string) int
}

// PeersChecker is degraded while any known peer is unreachable.
type PeersChecker struct {
	name   string
	peers  PeerView
	tracer trace.Tracer
}

func NewPeersChecker(peers PeerView, tracer trace.Tracer) *PeersChecker {
	return &PeersChecker{name: "peers", peers: peers, tracer: tracer}
}

func (pc *PeersChecker) Name() string {
	return pc.name
}

func (pc *PeersChecker) Check(ctx context.Context) *ComponentHealth {
	_, span := pc.tracer.Start(ctx, "PeersChecker.Check")
	defer span.End()

	peers := pc.peers.Peers()
	var unreachable []string
	for _, p := range peers {
		if pc.peers.Misses(p) > 0 {
			unreachable = append(unreachable, p)
		}
	}

	h := &ComponentHealth{
		Name:        pc.name,
		Status:      StatusHealthy,
		Message:     fmt.Sprintf("%d peers reachable", len(peers)-len(unreachable)),
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"peers":       len(peers),
			"unreachable": unreachable,
		},
	}
	if len(unreachable) > 0 {
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("%d of %d peers unreachable", len(unreachable), len(peers))
	}
	return h
}
