// Package tracing wraps the OpenTelemetry SDK. Spans are no-ops until
// InitTracer is called.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "mdns-mirror"

type TraceSpan struct {
	span oteltrace.Span
}

type SpanConfig struct {
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
	// Endpoint is an OTLP/gRPC collector address. When empty, spans are
	// written to Output instead.
	Endpoint string
	// Output receives exported spans; nil means stdout.
	Output io.Writer
}

var (
	mu           sync.RWMutex
	globalTracer oteltrace.Tracer
)

// InitTracer installs a tracer provider and the W3C trace-context
// propagator and returns a shutdown function, which flushes pending spans.
func InitTracer(ctx context.Context, config SpanConfig) (func(context.Context) error, error) {
	if config.SampleRate < 0 || config.SampleRate > 1 {
		return nil, fmt.Errorf("sample rate must be between 0 and 1")
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		)),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	mu.Lock()
	globalTracer = tp.Tracer(tracerName)
	mu.Unlock()

	return func(ctx context.Context) error {
		mu.Lock()
		globalTracer = nil
		mu.Unlock()
		return tp.Shutdown(ctx)
	}, nil
}

func newExporter(ctx context.Context, config SpanConfig) (trace.SpanExporter, error) {
	if config.Endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.Endpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exporter, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if config.Output != nil {
		opts = append(opts, stdouttrace.WithWriter(config.Output))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exporter, nil
}

// InjectHTTP writes the trace context of ctx into h so the peer can
// continue the trace.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP returns ctx carrying the remote trace context found in h.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// CreateSpan starts a span named name. It returns a nil span, which is safe
// to use, when tracing is not initialised.
func CreateSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *TraceSpan) {
	mu.RLock()
	tracer := globalTracer
	mu.RUnlock()
	if tracer == nil {
		return ctx, nil
	}

	newCtx, span := tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return newCtx, &TraceSpan{span: span}
}

func (s *TraceSpan) End() {
	if s != nil && s.span != nil {
		s.span.End()
	}
}

func (s *TraceSpan) SetAttributes(attrs ...attribute.KeyValue) {
	if s != nil && s.span != nil {
		s.span.SetAttributes(attrs...)
	}
}

func (s *TraceSpan) SetError(err error) {
	if s != nil && s.span != nil && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

// GetTraceID returns the span's trace ID, or "" when the span is not
// sampled into a valid trace.
func (s *TraceSpan) GetTraceID() string {
	if s == nil || s.span == nil || !s.span.SpanContext().IsValid() {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

// GetContextTraceID returns the trace ID carried by ctx, or "".
func GetContextTraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys shared by mirror spans.
const (
	PeerKey        = attribute.Key("mirror.peer")
	ServicesKey    = attribute.Key("mirror.services")
	AttemptsKey    = attribute.Key("mirror.attempts")
	RegisteredKey  = attribute.Key("mirror.registered")
	UnreachableKey = attribute.Key("mirror.unreachable")
)
