package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/cuza/mDNS-Mirror/internal/health"
	"github.com/cuza/mDNS-Mirror/internal/limiter"
	"github.com/cuza/mDNS-Mirror/internal/logging"
	"github.com/cuza/mDNS-Mirror/internal/mdns"
	"github.com/cuza/mDNS-Mirror/internal/mesh"
	meshsync "github.com/cuza/mDNS-Mirror/internal/mesh/sync"
	"github.com/cuza/mDNS-Mirror/internal/store"
	"github.com/cuza/mDNS-Mirror/internal/tracing"
	"github.com/cuza/mDNS-Mirror/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, warnings, err := LoadConfig(args, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdns-mirror: %v\n", err)
		return 1
	}
	if err := ValidateConfig(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mdns-mirror: invalid configuration: %v\n", err)
		return 1
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdns-mirror: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TraceEnabled {
		shutdown, err := tracing.InitTracer(ctx, tracing.SpanConfig{
			ServiceName:    "mdns-mirror",
			ServiceVersion: version,
			SampleRate:     cfg.TraceSampleRate,
			Endpoint:       cfg.TraceEndpoint,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialise tracing")
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if err := serve(ctx, cfg, &logger); err != nil {
		logger.Error().Err(err).Msg("mdns-mirror stopped with error")
		return 1
	}
	logger.Info().Msg("mdns-mirror stopped")
	return 0
}

func serve(ctx context.Context, cfg Config, logger *zerolog.Logger) error {
	logger.Info().
		Str("version", version).
		Str("node", cfg.NodeID).
		Strs("nodes", cfg.Nodes).
		Str("peer_dns", cfg.PeerDNS).
		Dur("interval", cfg.SyncInterval).
		Msg("Starting mdns-mirror")

	local := store.NewLocalStore()
	peers := store.NewPeerStore()

	opts := mdns.DefaultOptions()
	opts.Domain = cfg.Domain
	opts.BrowseWindow = cfg.BrowseWindow
	opts.BrowseInterval = cfg.BrowseInterval
	opts.MissedSweeps = cfg.MissedSweeps
	engine := mdns.NewEngine(opts, logger)
	defer func() { _ = engine.Close() }()

	observer := mesh.NewObserver(engine, mesh.NewClassifier(peers), local, logger)
	types := mesh.NewTypeDiscovery(engine, observer, cfg.TypeRefreshInterval, logger)

	discovery := peerDiscovery(cfg, logger)
	client := transport.NewClient(transport.ClientConfig{
		Timeout:         cfg.FetchTimeout,
		Retries:         cfg.FetchRetries,
		Backoff:         cfg.FetchBackoff,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, nil, logger)
	reconciler := meshsync.NewReconciler(engine, client, discovery, peers, meshsync.Config{
		Interval:         cfg.SyncInterval,
		PurgeAfter:       cfg.PurgeAfter,
		FetchConcurrency: cfg.FetchConcurrency,
	}, logger)

	exposition := transport.NewServer(transport.ServerConfig{
		Addr:    cfg.ListenAddr,
		Node:    cfg.NodeID,
		Limiter: limiter.NewRateLimiter(limiter.Config{RPS: cfg.ExposeRPS, Burst: cfg.ExposeBurst}),
	}, local, logger)
	if err := exposition.Listen(); err != nil {
		return err
	}

	tracer := otel.Tracer("mdns-mirror/health")
	hm := health.NewHealthManager(version, health.Sources{
		Cycles: reconciler,
		Engine: engine,
		Peers:  peers,
		Local:  local,
		Types:  types,
	}, logger, tracer)
	hm.RegisterChecker(health.NewReconcilerChecker(reconciler, cfg.SyncInterval, logger, tracer))
	hm.RegisterChecker(health.NewEngineChecker(engine, tracer))
	hm.RegisterChecker(health.NewPeersChecker(peers, tracer))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, hm.GetRegistry()},
		promhttp.HandlerOpts{},
	))
	mux.Handle("/healthz", hm.HTTPHandler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return exposition.Serve(gctx)
	})
	g.Go(func() error {
		types.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Starting metrics server")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// peerDiscovery combines the configured node list with the optional DNS
// name and hides this node's own exposition address.
func peerDiscovery(cfg Config, logger *zerolog.Logger) mesh.DiscoveryProvider {
	providers := []mesh.DiscoveryProvider{mesh.NewStaticProvider(cfg.Nodes, cfg.PeerPort)}
	if cfg.PeerDNS != "" {
		providers = append(providers, mesh.NewDNSProvider(cfg.PeerDNS, cfg.PeerPort))
	}

	port := cfg.PeerPort
	if _, p, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return mesh.NewSelfFilter(mesh.NewMultiProvider(logger, providers...), mesh.LocalAddrs(port), cfg.PeerPort)
}
