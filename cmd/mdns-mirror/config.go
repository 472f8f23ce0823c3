package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/transport"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "MIRROR"

// Config holds every tunable of a mirror node.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	NodeID      string `envconfig:"NODE_ID"`
	ConfigFile  string `envconfig:"CONFIG"`

	Nodes    []string `envconfig:"NODES"`
	PeerPort int      `envconfig:"PEER_PORT"`
	PeerDNS  string   `envconfig:"PEER_DNS"`

	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL"`
	TypeRefreshInterval time.Duration `envconfig:"TYPE_REFRESH_INTERVAL"`
	PurgeAfter          int           `envconfig:"PURGE_AFTER"`

	Domain         string        `envconfig:"DOMAIN"`
	BrowseWindow   time.Duration `envconfig:"BROWSE_WINDOW"`
	BrowseInterval time.Duration `envconfig:"BROWSE_INTERVAL"`
	MissedSweeps   int           `envconfig:"MISSED_SWEEPS"`

	FetchTimeout     time.Duration `envconfig:"FETCH_TIMEOUT"`
	FetchRetries     int           `envconfig:"FETCH_RETRIES"`
	FetchBackoff     time.Duration `envconfig:"FETCH_BACKOFF"`
	FetchConcurrency int           `envconfig:"FETCH_CONCURRENCY"`
	BreakerFailures  uint32        `envconfig:"BREAKER_FAILURES"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN"`

	ExposeRPS   int `envconfig:"EXPOSE_RPS"`
	ExposeBurst int `envconfig:"EXPOSE_BURST"`

	LogFormat       string  `envconfig:"LOG_FORMAT"`
	LogLevel        string  `envconfig:"LOG_LEVEL"`
	TraceEnabled    bool    `envconfig:"TRACE_ENABLED"`
	TraceSampleRate float64 `envconfig:"TRACE_SAMPLE_RATE"`
	// TraceEndpoint is an OTLP/gRPC collector; empty exports to stdout.
	TraceEndpoint string `envconfig:"TRACE_ENDPOINT"`
}

// Config validation errors
var (
	ErrInvalidListenAddr          = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr         = errors.New("metrics_addr cannot be empty")
	ErrInvalidPeerPort            = errors.New("peer_port must be between 1 and 65535")
	ErrInvalidSyncInterval        = errors.New("sync_interval must be positive")
	ErrInvalidTypeRefreshInterval = errors.New("type_refresh_interval must be positive")
	ErrInvalidPurgeAfter          = errors.New("purge_after must be at least 1")
	ErrInvalidDomain              = errors.New("domain cannot be empty")
	ErrInvalidBrowseWindow        = errors.New("browse_window must be positive")
	ErrInvalidBrowseInterval      = errors.New("browse_interval must be positive")
	ErrInvalidMissedSweeps        = errors.New("missed_sweeps must be at least 1")
	ErrInvalidFetchTimeout        = errors.New("fetch_timeout must be positive")
	ErrInvalidFetchRetries        = errors.New("fetch_retries cannot be negative")
	ErrInvalidFetchConcurrency    = errors.New("fetch_concurrency must be at least 1")
	ErrInvalidBreakerFailures     = errors.New("breaker_failures must be at least 1")
	ErrInvalidExposeRate          = errors.New("expose_rps and expose_burst cannot be negative")
	ErrInvalidLogFormat           = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel            = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidTraceSampleRate     = errors.New("trace_sample_rate must be within [0, 1]")
)

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	fetch := transport.DefaultClientConfig()
	return Config{
		ListenAddr:          "0.0.0.0:5121",
		MetricsAddr:         "0.0.0.0:9121",
		ConfigFile:          "config.json",
		PeerPort:            5121,
		SyncInterval:        20 * time.Second,
		TypeRefreshInterval: 5 * time.Second,
		PurgeAfter:          2,
		Domain:              "local.",
		BrowseWindow:        3 * time.Second,
		BrowseInterval:      5 * time.Second,
		MissedSweeps:        2,
		FetchTimeout:        fetch.Timeout,
		FetchRetries:        fetch.Retries,
		FetchBackoff:        fetch.Backoff,
		FetchConcurrency:    4,
		BreakerFailures:     fetch.BreakerFailures,
		BreakerCooldown:     fetch.BreakerCooldown,
		LogFormat:           "console",
		LogLevel:            "info",
		TraceSampleRate:     1.0,
	}
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	switch {
	case cfg.ListenAddr == "":
		return ErrInvalidListenAddr
	case cfg.MetricsAddr == "":
		return ErrInvalidMetricsAddr
	case cfg.PeerPort < 1 || cfg.PeerPort > 65535:
		return ErrInvalidPeerPort
	case cfg.SyncInterval <= 0:
		return ErrInvalidSyncInterval
	case cfg.TypeRefreshInterval <= 0:
		return ErrInvalidTypeRefreshInterval
	case cfg.PurgeAfter < 1:
		return ErrInvalidPurgeAfter
	case cfg.Domain == "":
		return ErrInvalidDomain
	case cfg.BrowseWindow <= 0:
		return ErrInvalidBrowseWindow
	case cfg.BrowseInterval <= 0:
		return ErrInvalidBrowseInterval
	case cfg.MissedSweeps < 1:
		return ErrInvalidMissedSweeps
	case cfg.FetchTimeout <= 0:
		return ErrInvalidFetchTimeout
	case cfg.FetchRetries < 0:
		return ErrInvalidFetchRetries
	case cfg.FetchConcurrency < 1:
		return ErrInvalidFetchConcurrency
	case cfg.BreakerFailures < 1:
		return ErrInvalidBreakerFailures
	case cfg.ExposeRPS < 0 || cfg.ExposeBurst < 0:
		return ErrInvalidExposeRate
	case cfg.LogFormat != "json" && cfg.LogFormat != "console":
		return ErrInvalidLogFormat
	case cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error":
		return ErrInvalidLogLevel
	case cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1:
		return ErrInvalidTraceSampleRate
	}
	return nil
}

// fileConfig is the JSON config file layout.
type fileConfig struct {
	Nodes []string `json:"nodes"`
}

// LoadConfig builds the configuration from, in increasing precedence,
// defaults, the .env file, MIRROR_* environment variables, the JSON config
// file and finally command-line flags and positional node arguments.
//
// A missing or unparseable config file is not an error; it is reported in
// the returned warnings and contributes no nodes.
func LoadConfig(args []string, stderr io.Writer) (Config, []string, error) {
	cfg := DefaultConfig()
	var warnings []string

	fset := flag.NewFlagSet("mdns-mirror", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), "Usage: mdns-mirror [flags] [node ...]\n\n")
		fset.PrintDefaults()
	}

	envFile := fset.String("env", ".env", "dotenv file to load before reading the environment")
	configFile := fset.String("config", cfg.ConfigFile, "JSON config file with a \"nodes\" list")
	listen := fset.String("listen", cfg.ListenAddr, "address serving the local snapshot to peers")
	metricsAddr := fset.String("metrics", cfg.MetricsAddr, "address serving /metrics and /healthz")
	nodeID := fset.String("node-id", "", "node name reported in exposed snapshots (default hostname)")
	peerPort := fset.Int("peer-port", cfg.PeerPort, "port appended to peer addresses that carry none")
	peerDNS := fset.String("peer-dns", "", "DNS name whose A/AAAA records list additional peers")
	interval := fset.Duration("interval", cfg.SyncInterval, "reconciliation interval")
	purgeAfter := fset.Int("purge-after", cfg.PurgeAfter, "consecutive failed fetches before a peer's services are withdrawn")
	domain := fset.String("domain", cfg.Domain, "mDNS domain")
	logFormat := fset.String("log-format", cfg.LogFormat, "log format: json or console")
	logLevel := fset.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	trace := fset.Bool("trace", false, "export OpenTelemetry spans")
	traceEndpoint := fset.String("trace-endpoint", "", "OTLP/gRPC collector address (default stdout)")

	if err := fset.Parse(args); err != nil {
		return cfg, nil, err
	}
	set := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if err := godotenv.Load(*envFile); err != nil {
		if set["env"] || !errors.Is(err, fs.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("could not load env file %s: %v", *envFile, err))
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, warnings, mirrorerrors.WrapConfigurationError(err, "load config", "environment")
	}
	envNodes := cfg.Nodes

	if set["config"] {
		cfg.ConfigFile = *configFile
	}
	fileNodes, err := readNodesFile(cfg.ConfigFile)
	missingDefault := errors.Is(err, fs.ErrNotExist) && cfg.ConfigFile == DefaultConfig().ConfigFile
	if err != nil && !missingDefault {
		warnings = append(warnings, fmt.Sprintf("ignoring config file %s: %v", cfg.ConfigFile, err))
	}

	switch {
	case fset.NArg() > 0:
		cfg.Nodes = fset.Args()
	case len(fileNodes) > 0:
		cfg.Nodes = fileNodes
	default:
		cfg.Nodes = envNodes
	}

	if set["listen"] {
		cfg.ListenAddr = *listen
	}
	if set["metrics"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if set["node-id"] {
		cfg.NodeID = *nodeID
	}
	if set["peer-port"] {
		cfg.PeerPort = *peerPort
	}
	if set["peer-dns"] {
		cfg.PeerDNS = *peerDNS
	}
	if set["interval"] {
		cfg.SyncInterval = *interval
	}
	if set["purge-after"] {
		cfg.PurgeAfter = *purgeAfter
	}
	if set["domain"] {
		cfg.Domain = *domain
	}
	if set["log-format"] {
		cfg.LogFormat = *logFormat
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["trace"] {
		cfg.TraceEnabled = *trace
	}
	if set["trace-endpoint"] {
		cfg.TraceEndpoint = *traceEndpoint
	}

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		}
	}
	return cfg, warnings, nil
}

func readNodesFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return fc.Nodes, nil
}
