package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
)

func TestValidateConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := ValidateConfig(&cfg); err != nil {
		t.Errorf("ValidateConfig() error = %v, want nil", err)
	}
}

func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidListenAddr},
		{"empty metrics addr", func(c *Config) { c.MetricsAddr = "" }, ErrInvalidMetricsAddr},
		{"peer port zero", func(c *Config) { c.PeerPort = 0 }, ErrInvalidPeerPort},
		{"peer port too large", func(c *Config) { c.PeerPort = 70000 }, ErrInvalidPeerPort},
		{"zero sync interval", func(c *Config) { c.SyncInterval = 0 }, ErrInvalidSyncInterval},
		{"zero type refresh", func(c *Config) { c.TypeRefreshInterval = 0 }, ErrInvalidTypeRefreshInterval},
		{"purge after zero", func(c *Config) { c.PurgeAfter = 0 }, ErrInvalidPurgeAfter},
		{"empty domain", func(c *Config) { c.Domain = "" }, ErrInvalidDomain},
		{"zero browse window", func(c *Config) { c.BrowseWindow = 0 }, ErrInvalidBrowseWindow},
		{"zero browse interval", func(c *Config) { c.BrowseInterval = 0 }, ErrInvalidBrowseInterval},
		{"missed sweeps zero", func(c *Config) { c.MissedSweeps = 0 }, ErrInvalidMissedSweeps},
		{"zero fetch timeout", func(c *Config) { c.FetchTimeout = 0 }, ErrInvalidFetchTimeout},
		{"negative retries", func(c *Config) { c.FetchRetries = -1 }, ErrInvalidFetchRetries},
		{"zero concurrency", func(c *Config) { c.FetchConcurrency = 0 }, ErrInvalidFetchConcurrency},
		{"zero breaker failures", func(c *Config) { c.BreakerFailures = 0 }, ErrInvalidBreakerFailures},
		{"negative rps", func(c *Config) { c.ExposeRPS = -1 }, ErrInvalidExposeRate},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
		{"sample rate above one", func(c *Config) { c.TraceSampleRate = 1.5 }, ErrInvalidTraceSampleRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := ValidateConfig(&cfg); err != tt.want {
				t.Errorf("ValidateConfig() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateConfig_ZeroRetriesAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FetchRetries = 0
	if err := ValidateConfig(&cfg); err != nil {
		t.Errorf("ValidateConfig() error = %v, want nil", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, warnings, err := LoadConfig([]string{
		"-env", filepath.Join(dir, "none.env"),
		"-config", filepath.Join(dir, "missing.json"),
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5121", cfg.ListenAddr)
	assert.Equal(t, 20*time.Second, cfg.SyncInterval)
	assert.Empty(t, cfg.Nodes, "no nodes anywhere means exposition-only")
	assert.Len(t, warnings, 2, "explicitly named files that are missing are reported")
}

func TestLoadConfig_NodesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"nodes": ["10.0.0.5", "10.0.0.6:6000"]}`)

	cfg, warnings, err := LoadConfig([]string{"-config", path}, io.Discard)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6:6000"}, cfg.Nodes)
}

func TestLoadConfig_PositionalNodesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"nodes": ["10.0.0.5"]}`)
	t.Setenv("MIRROR_NODES", "10.0.0.8")

	cfg, _, err := LoadConfig([]string{"-config", path, "10.0.0.7", "10.0.0.9"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.7", "10.0.0.9"}, cfg.Nodes)
}

func TestLoadConfig_UnparseableFileFallsBackToEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"nodes": [`)
	t.Setenv("MIRROR_NODES", "10.0.0.8,10.0.0.9")

	cfg, warnings, err := LoadConfig([]string{"-config", path}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.8", "10.0.0.9"}, cfg.Nodes)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "ignoring config file")
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "test.env", "MIRROR_SYNC_INTERVAL=30s\nMIRROR_LOG_LEVEL=debug\nMIRROR_PURGE_AFTER=4\n")
	// godotenv sets process variables; register them for cleanup first.
	for _, key := range []string{"MIRROR_SYNC_INTERVAL", "MIRROR_PURGE_AFTER"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("MIRROR_LOG_LEVEL", "warn")
	t.Setenv("MIRROR_CONFIG", filepath.Join(dir, "absent.json"))

	cfg, _, err := LoadConfig([]string{"-env", envFile, "-purge-after", "3", "-listen", ":7000"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SyncInterval, "dotenv fills unset variables")
	assert.Equal(t, "warn", cfg.LogLevel, "real environment beats dotenv")
	assert.Equal(t, 3, cfg.PurgeAfter, "flags beat the environment")
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestLoadConfig_BadFlag(t *testing.T) {
	_, _, err := LoadConfig([]string{"-no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestLoadConfig_BadEnvironment(t *testing.T) {
	t.Setenv("MIRROR_SYNC_INTERVAL", "soon")
	_, _, err := LoadConfig([]string{"-env", filepath.Join(t.TempDir(), "none.env")}, io.Discard)
	require.Error(t, err)
	assert.Equal(t, mirrorerrors.ErrorTypeConfiguration, mirrorerrors.TypeOf(err))
}
