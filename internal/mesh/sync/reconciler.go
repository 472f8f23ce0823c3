// Package sync runs the periodic reconciliation that mirrors peer snapshots
// into local mDNS registrations.
package sync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/mdns"
	"github.com/cuza/mDNS-Mirror/internal/mesh"
	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
	"github.com/cuza/mDNS-Mirror/internal/store"
	"github.com/cuza/mDNS-Mirror/internal/tracing"
)

// Engine is the part of the mDNS engine the reconciler drives.
type Engine interface {
	Register(rec record.Record) error
	Update(rec record.Record) error
	Unregister(rec record.Record) error
}

// Fetcher retrieves one peer's snapshot within its own retry budget.
type Fetcher interface {
	Fetch(ctx context.Context, peer string) (record.Snapshot, error)
}

// forgetter is implemented by fetchers that keep per-peer state.
type forgetter interface {
	Forget(peer string)
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval time.Duration
	// PurgeAfter is the number of consecutive failed fetches after which a
	// still-configured peer's records are withdrawn.
	PurgeAfter int
	// FetchConcurrency bounds parallel peer fetches within a cycle.
	FetchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Interval:         20 * time.Second,
		PurgeAfter:       2,
		FetchConcurrency: 4,
	}
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	Peers        int
	Fetched      int
	Registered   int
	Updated      int
	Unregistered int
	// Conflicts counts records skipped because the name is already taken.
	Conflicts int
	// Invalid counts records the engine refused as malformed.
	Invalid int
	// Failed counts engine calls that failed for any other reason.
	Failed      int
	Skipped     int
	Unreachable []string
	Purged      []string
	Duration    time.Duration
}

// Reconciler brings the registrations made on behalf of peers in line with
// the peers' latest snapshots.
type Reconciler struct {
	engine    Engine
	fetcher   Fetcher
	discovery mesh.DiscoveryProvider
	peers     *store.PeerStore
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	// cycleMu keeps at most one cycle in flight.
	cycleMu   sync.Mutex
	lastPeers []string

	statusMu  sync.RWMutex
	lastCycle time.Time
	cycles    uint64
}

func NewReconciler(engine Engine, fetcher Fetcher, discovery mesh.DiscoveryProvider, peers *store.PeerStore, cfg Config, logger *zerolog.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = def.PurgeAfter
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	return &Reconciler{
		engine:    engine,
		fetcher:   fetcher,
		discovery: discovery,
		peers:     peers,
		cfg:       cfg,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

// Run reconciles immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// LastCycle returns when the last cycle completed and how many have run.
func (r *Reconciler) LastCycle() (time.Time, uint64) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastCycle, r.cycles
}

// Reconcile runs one fetch, apply and removal pass. Failures are logged and
// counted in the report; none of them abort the cycle.
func (r *Reconciler) Reconcile(ctx context.Context) CycleReport {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	ctx, span := tracing.CreateSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	start := r.now()
	var rep CycleReport

	peers := r.currentPeers(ctx)
	rep.Peers = len(peers)

	fetched, unreachable := r.fetchAll(ctx, peers)
	rep.Fetched = len(fetched)
	rep.Unreachable = unreachable
	if err := ctx.Err(); err != nil {
		// Shutting down: fetch failures say nothing about the peers.
		span.SetError(err)
		return rep
	}

	// Apply pass, one peer at a time in address order.
	for _, peer := range peers {
		if snap, ok := fetched[peer]; ok {
			r.applyPeer(peer, snap, &rep)
		}
	}

	// Removal pass, judged by presence in this cycle's fetch results.
	configured := make(map[string]bool, len(peers))
	for _, p := range peers {
		configured[p] = true
	}
	for _, peer := range r.peers.Peers() {
		if _, ok := fetched[peer]; ok {
			continue
		}
		if !configured[peer] {
			r.purge(peer, "removed", &rep)
			continue
		}
		misses := r.peers.MarkUnreachable(peer)
		if misses < r.cfg.PurgeAfter {
			r.logger.Warn().
				Str("peer", peer).
				Int("misses", misses).
				Int("purge_after", r.cfg.PurgeAfter).
				Msg("Peer unreachable, keeping its services")
			continue
		}
		r.purge(peer, "unreachable", &rep)
	}

	rep.Duration = r.now().Sub(start)
	metrics.ReconcileCyclesTotal.Inc()
	metrics.ReconcileDurationSeconds.Observe(rep.Duration.Seconds())
	span.SetAttributes(
		tracing.RegisteredKey.Int(rep.Registered),
		tracing.UnreachableKey.Int(len(rep.Unreachable)),
	)

	r.statusMu.Lock()
	r.lastCycle = r.now()
	r.cycles++
	r.statusMu.Unlock()

	ev := r.logger.Debug()
	if id := span.GetTraceID(); id != "" {
		ev = ev.Str("trace_id", id)
	}
	ev.Int("peers", rep.Peers).
		Int("fetched", rep.Fetched).
		Int("registered", rep.Registered).
		Int("updated", rep.Updated).
		Int("unregistered", rep.Unregistered).
		Int("conflicts", rep.Conflicts).
		Int("skipped", rep.Skipped).
		Strs("unreachable", rep.Unreachable).
		Strs("purged", rep.Purged).
		Dur("duration", rep.Duration).
		Msg("Reconcile cycle complete")
	return rep
}

// currentPeers asks the discovery provider for the peer list. When
// discovery fails the previous list is merged in so that a lookup error
// never looks like peers leaving.
func (r *Reconciler) currentPeers(ctx context.Context) []string {
	if r.discovery == nil {
		return nil
	}
	found, err := r.discovery.FindPeers(ctx)
	peers := make([]string, 0, len(found)+len(r.lastPeers))
	seen := make(map[string]bool)
	add := func(list []string) {
		for _, p := range list {
			if p != "" && !seen[p] {
				seen[p] = true
				peers = append(peers, p)
			}
		}
	}
	add(found)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Peer discovery failed, keeping previous peers")
		add(r.lastPeers)
	}
	sort.Strings(peers)
	r.lastPeers = peers
	return peers
}

func (r *Reconciler) fetchAll(ctx context.Context, peers []string) (map[string]record.Snapshot, []string) {
	var (
		g           errgroup.Group
		mu          sync.Mutex
		fetched     = make(map[string]record.Snapshot, len(peers))
		unreachable []string
	)
	g.SetLimit(r.cfg.FetchConcurrency)

	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			snap, err := r.fetcher.Fetch(ctx, peer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unreachable = append(unreachable, peer)
				r.logger.Warn().
					Err(err).
					Str("peer", peer).
					Str("error_type", string(mirrorerrors.TypeOf(err))).
					Bool("known", r.peers.Has(peer)).
					Msg("Failed to fetch peer snapshot")
				return nil
			}
			if snap == nil {
				snap = record.Snapshot{}
			}
			fetched[peer] = snap
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(unreachable)
	return fetched, unreachable
}

// applyPeer diffs snap against what was applied for peer last time and
// issues the minimal register, update and unregister calls.
func (r *Reconciler) applyPeer(peer string, snap record.Snapshot, rep *CycleReport) {
	now := r.now()
	prev, known := r.peers.Get(peer)
	digest := snap.Digest()

	if known && prev.DigestValid && prev.Digest == digest {
		r.peers.MarkReachable(peer, now)
		rep.Skipped++
		metrics.ReconcileSkippedTotal.Inc()
		return
	}
	if !known {
		r.logger.Info().Str("peer", peer).Int("services", len(snap)).Msg("New peer")
	}

	applied := make(record.Snapshot, len(snap))
	clean := true

	for _, name := range snap.Names() {
		rec := snap[name]
		old, had := prev.Services[name]

		switch {
		case had && old.Equal(rec):
			applied[name] = old

		case had:
			err := r.engine.Update(rec)
			switch {
			case err == nil:
				applied[name] = rec
				rep.Updated++
				r.logger.Info().Str("peer", peer).Str("name", name).Msg("Updated mirrored service")
			case errors.Is(err, mdns.ErrNotRegistered):
				// Lost by the engine; registered afresh next cycle.
				clean = false
				rep.Failed++
				r.logger.Warn().Err(err).Str("peer", peer).Str("name", name).Msg("Mirrored service vanished from engine")
			default:
				applied[name] = old
				clean = false
				r.countFailure(rep, err)
				r.logger.Warn().Err(err).Str("peer", peer).Str("name", name).Msg("Failed to update mirrored service")
			}

		default:
			if owner, ok := r.peers.Owner(name); ok && owner != peer {
				clean = false
				rep.Conflicts++
				r.logger.Warn().
					Str("peer", peer).
					Str("name", name).
					Str("owner", owner).
					Msg("Service already mirrored for another peer, skipping")
				continue
			}
			// Claim first so the engine's own echo is classified as peer-owned.
			r.peers.Claim(peer, rec)
			if err := r.engine.Register(rec); err != nil {
				r.peers.Release(peer, name)
				clean = false
				r.countFailure(rep, err)
				r.logger.Warn().Err(err).Str("peer", peer).Str("name", name).Msg("Failed to register mirrored service")
				continue
			}
			applied[name] = rec
			rep.Registered++
			r.logger.Info().
				Str("peer", peer).
				Str("name", name).
				Str("host", rec.Host).
				Int("port", rec.Port).
				Msg("Registered mirrored service")
		}
	}

	// Stale records of a reachable peer.
	for _, name := range prev.Services.Names() {
		if _, ok := snap[name]; ok {
			continue
		}
		old := prev.Services[name]
		if err := r.engine.Unregister(old); err != nil {
			applied[name] = old
			clean = false
			rep.Failed++
			r.logger.Warn().Err(err).Str("peer", peer).Str("name", name).Msg("Failed to unregister mirrored service")
			continue
		}
		rep.Unregistered++
		r.logger.Info().Str("peer", peer).Str("name", name).Msg("Unregistered mirrored service")
	}

	r.peers.Replace(peer, applied, digest, clean, now)
}

// purge withdraws everything registered for peer and forgets it. Names the
// engine failed to withdraw stay mapped to peer so the next cycle retries
// them.
func (r *Reconciler) purge(peer, reason string, rep *CycleReport) {
	st, ok := r.peers.Get(peer)
	if !ok {
		return
	}
	retained := make(record.Snapshot)
	for _, name := range st.Services.Names() {
		if err := r.engine.Unregister(st.Services[name]); err != nil {
			retained[name] = st.Services[name]
			rep.Failed++
			r.logger.Warn().Err(err).Str("peer", peer).Str("name", name).Msg("Failed to unregister mirrored service")
			continue
		}
		rep.Unregistered++
	}
	if f, ok := r.fetcher.(forgetter); ok {
		f.Forget(peer)
	}
	if len(retained) > 0 {
		r.peers.Retain(peer, retained)
		r.logger.Warn().
			Str("peer", peer).
			Str("reason", reason).
			Int("retained", len(retained)).
			Msg("Peer purge incomplete, retrying next cycle")
		return
	}
	r.peers.Drop(peer)

	rep.Purged = append(rep.Purged, peer)
	metrics.PeersPurgedTotal.WithLabelValues(reason).Inc()
	r.logger.Info().
		Str("peer", peer).
		Str("reason", reason).
		Int("services", len(st.Services)).
		Msg("Purged peer")
}

func (r *Reconciler) countFailure(rep *CycleReport, err error) {
	switch {
	case mdns.IsConflict(err):
		rep.Conflicts++
	case mdns.IsInvalid(err):
		rep.Invalid++
	default:
		rep.Failed++
	}
}
