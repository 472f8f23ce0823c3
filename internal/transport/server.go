package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/limiter"
	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
	"github.com/cuza/mDNS-Mirror/internal/tracing"
)

const shutdownGrace = 3 * time.Second

// SnapshotSource produces the snapshot served to peers.
type SnapshotSource interface {
	Snapshot() record.Snapshot
}

// ServerConfig configures the exposition server.
type ServerConfig struct {
	Addr string
	// Node is reported in the snapshot envelope.
	Node    string
	Limiter *limiter.RateLimiter
}

// Server answers GET / with the encoded local observation store.
type Server struct {
	cfg    ServerConfig
	source SnapshotSource
	logger zerolog.Logger

	srv *http.Server
	ln  net.Listener
}

func NewServer(cfg ServerConfig, source SnapshotSource, logger *zerolog.Logger) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = limiter.NewRateLimiter(limiter.Config{})
	}
	s := &Server{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "exposition").Logger(),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the exposition handler with rate limiting and request
// logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSnapshot)
	return s.logRequests(s.cfg.Limiter.Middleware(mux))
}

// Listen binds the configured address. Serve must follow.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return mirrorerrors.WrapNetworkError(err, "listen", s.cfg.Addr)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve handles requests until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("rate_limited", s.cfg.Limiter.Enabled()).
		Msg("Exposition server listening")
	err := s.srv.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return mirrorerrors.WrapNetworkError(err, "serve", s.Addr())
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, span := tracing.CreateSpan(tracing.ExtractHTTP(r.Context(), r.Header), "Exposition.Snapshot")
	defer span.End()

	snap := s.source.Snapshot()
	span.SetAttributes(tracing.ServicesKey.Int(len(snap)))
	body, err := record.EncodeSnapshot(s.cfg.Node, snap)
	if err != nil {
		span.SetError(err)
		s.logger.Error().Err(err).Msg("Failed to encode snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", record.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(body)
	metrics.ExpositionBytesTotal.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.ExpositionRequestsTotal.WithLabelValues(strconv.Itoa(rec.code)).Inc()
		ev := s.logger.Debug()
		if id := tracing.GetContextTraceID(tracing.ExtractHTTP(r.Context(), r.Header)); id != "" {
			ev = ev.Str("trace_id", id)
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.code).
			Dur("duration", time.Since(start)).
			Msg("Served request")
	})
}
