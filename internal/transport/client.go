// Package transport moves snapshots between nodes: a client that fetches a
// peer's snapshot and the server that exposes this node's own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuza/mDNS-Mirror/internal/breaker"
	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
	"github.com/cuza/mDNS-Mirror/internal/resilience"
	"github.com/cuza/mDNS-Mirror/internal/tracing"
)

// maxSnapshotBytes is the default cap on a peer response body.
const maxSnapshotBytes = 16 << 20

// StatusError is a non-200 answer from a peer.
type StatusError struct {
	Peer string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer %s answered %d %s", e.Peer, e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}

// ClientConfig configures snapshot fetching.
type ClientConfig struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries int
	// Backoff is the delay before the first retry; it doubles after each.
	Backoff time.Duration
	// BreakerFailures consecutive failed fetches open a peer's breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// MaxBodyBytes caps a snapshot body; zero means 16 MiB.
	MaxBodyBytes int64
}

// DefaultClientConfig mirrors a 5s timeout with three retries at 1s, 2s, 4s.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         5 * time.Second,
		Retries:         3,
		Backoff:         time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}
}

// Client fetches peer snapshots over HTTP.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	breakers *breaker.Registry
	logger   zerolog.Logger
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxSnapshotBytes
	}
	l := logger.With().Str("component", "fetch").Logger()
	return &Client{
		cfg:  cfg,
		http: httpClient,
		breakers: breaker.NewRegistry(breaker.Settings{
			Failures: cfg.BreakerFailures,
			Cooldown: cfg.BreakerCooldown,
		}, &l),
		logger: l,
	}
}

// Fetch returns peer's current snapshot. Transport errors and 5xx answers
// are retried within the configured budget; anything else fails at once.
func (c *Client) Fetch(ctx context.Context, peer string) (record.Snapshot, error) {
	ctx, span := tracing.CreateSpan(ctx, "Fetcher.Fetch", tracing.PeerKey.String(peer))
	defer span.End()

	start := time.Now()
	attempts := 0
	policy := &resilience.RetryPolicy{
		MaxAttempts:   c.cfg.Retries + 1,
		InitialDelay:  c.cfg.Backoff,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		RetryableFunc: isRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.PeerFetchRetriesTotal.Inc()
			c.logger.Debug().
				Err(err).
				Str("peer", peer).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying peer fetch")
		},
	}

	var snap record.Snapshot
	err := c.breakers.Get(peer).Do(func() error {
		var err error
		snap, err = resilience.Retry(ctx, policy, func(ctx context.Context) (record.Snapshot, error) {
			attempts++
			return c.fetchOnce(ctx, peer)
		})
		return err
	})
	metrics.PeerFetchDurationSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(tracing.AttemptsKey.Int(attempts))

	if errors.Is(err, breaker.ErrOpenState) {
		metrics.PeerFetchTotal.WithLabelValues("breaker_open").Inc()
		err = mirrorerrors.WrapNetworkError(err, "fetch_snapshot", peer)
		span.SetError(err)
		return nil, err
	}
	if err != nil {
		metrics.PeerFetchTotal.WithLabelValues("error").Inc()
		span.SetError(err)
		return nil, err
	}

	metrics.PeerFetchTotal.WithLabelValues("success").Inc()
	span.SetAttributes(tracing.ServicesKey.Int(len(snap)))
	return snap, nil
}

// Forget drops per-peer state for a peer that left the configuration.
func (c *Client) Forget(peer string) {
	c.breakers.Remove(peer)
}

func (c *Client) fetchOnce(ctx context.Context, peer string) (record.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+peer+"/", nil)
	if err != nil {
		return nil, resilience.Permanent(mirrorerrors.WrapValidationError(err, "fetch_snapshot", peer))
	}
	req.Header.Set("Accept", record.ContentType)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, mirrorerrors.WrapTimeoutError(err, "fetch_snapshot", peer)
		}
		return nil, mirrorerrors.WrapNetworkError(err, "fetch_snapshot", peer)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Peer: peer, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, mirrorerrors.WrapNetworkError(err, "fetch_snapshot", "read body from "+peer)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, resilience.Permanent(mirrorerrors.NewCodecError("fetch_snapshot", "snapshot too large").
			WithContext("peer", peer).
			WithContext("limit_bytes", c.cfg.MaxBodyBytes))
	}
	env, err := record.DecodeSnapshot(body)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return env.Services, nil
}

func isRetryable(err error) bool {
	if !resilience.DefaultRetryableFunc(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
