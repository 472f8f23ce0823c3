package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

var tracer = noop.NewTracerProvider().Tracer("test")

type fakeCycles struct {
	last   time.Time
	cycles uint64
}

func (f fakeCycles) LastCycle() (time.Time, uint64) { return f.last, f.cycles }

type fakeEngine struct {
	closed bool
	names  []string
}

func (f fakeEngine) Closed() bool         { return f.closed }
func (f fakeEngine) Registered() []string { return f.names }

type fakePeers map[string]int

func (f fakePeers) Peers() []string {
	out := make([]string, 0, len(f))
	for p := range f {
		out = append(out, p)
	}
	return out
}

func (f fakePeers) Misses(peer string) int { return f[peer] }

func TestReconcilerChecker(t *testing.T) {
	logger := zerolog.Nop()
	now := time.Unix(1700000000, 0)
	interval := 20 * time.Second

	tests := []struct {
		name string
		last time.Time
		want HealthStatus
	}{
		{"fresh", now.Add(-interval), StatusHealthy},
		{"three intervals late", now.Add(-3*interval - time.Second), StatusDegraded},
		{"five intervals late", now.Add(-5*interval - time.Second), StatusUnhealthy},
		{"first cycle pending", time.Time{}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewReconcilerChecker(fakeCycles{last: tt.last, cycles: 3}, interval, &logger, tracer)
			c.started = now.Add(-time.Second)
			c.now = func() time.Time { return now }

			h := c.Check(context.Background())
			assert.Equal(t, tt.want, h.Status, h.Message)
			assert.Equal(t, "reconciler", h.Name)
		})
	}
}

func TestReconcilerCheckerNeverCycled(t *testing.T) {
	logger := zerolog.Nop()
	now := time.Unix(1700000000, 0)
	c := NewReconcilerChecker(fakeCycles{}, time.Second, &logger, tracer)
	c.started = now.Add(-time.Minute)
	c.now = func() time.Time { return now }

	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestEngineChecker(t *testing.T) {
	h := NewEngineChecker(fakeEngine{names: []string{"a", "b"}}, tracer).Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 2, h.Metadata["registrations"])

	h = NewEngineChecker(fakeEngine{closed: true}, tracer).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
}

func TestPeersChecker(t *testing.T) {
	h := NewPeersChecker(fakePeers{"10.0.0.5:5121": 0}, tracer).Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)

	h = NewPeersChecker(fakePeers{"10.0.0.5:5121": 0, "10.0.0.6:5121": 1}, tracer).Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, []string{"10.0.0.6:5121"}, h.Metadata["unreachable"])
}

type fakeLocal int

func (f fakeLocal) Len() int { return int(f) }

type fakeTypes int

func (f fakeTypes) Watched() int { return int(f) }

func TestHealthManagerAggregates(t *testing.T) {
	logger := zerolog.Nop()
	hm := NewHealthManager("test", Sources{}, &logger, tracer)
	hm.RegisterChecker(NewEngineChecker(fakeEngine{}, tracer))
	hm.RegisterChecker(NewPeersChecker(fakePeers{"10.0.0.6:5121": 2}, tracer))

	h := hm.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Len(t, h.Components, 2)
	assert.EqualValues(t, 1, h.CheckCount)

	hm.RegisterChecker(NewEngineChecker(fakeEngine{closed: true}, tracer))
	assert.Equal(t, StatusUnhealthy, hm.CheckHealth(context.Background()).Status)
}

func TestHealthManagerMirrorSummary(t *testing.T) {
	logger := zerolog.Nop()
	last := time.Now().Add(-5 * time.Second)
	hm := NewHealthManager("test", Sources{
		Cycles: fakeCycles{last: last, cycles: 7},
		Engine: fakeEngine{names: []string{"a", "b", "c"}},
		Peers:  fakePeers{"10.0.0.5:5121": 0, "10.0.0.6:5121": 3},
		Local:  fakeLocal(2),
		Types:  fakeTypes(4),
	}, &logger, tracer)

	m := hm.CheckHealth(context.Background()).Mirror
	require.NotNil(t, m)
	assert.Equal(t, 3, m.Mirrored)
	assert.Equal(t, 2, m.Observed)
	assert.Equal(t, 4, m.WatchedTypes)
	assert.Equal(t, 2, m.Peers)
	assert.Equal(t, 1, m.UnreachablePeers)
	assert.EqualValues(t, 7, m.Cycles)
	assert.GreaterOrEqual(t, m.CycleAgeMs, int64(5000))

	empty := NewHealthManager("test", Sources{}, &logger, tracer).CheckHealth(context.Background()).Mirror
	assert.Equal(t, &MirrorSummary{}, empty)
}

func TestHealthManagerHTTPHandler(t *testing.T) {
	logger := zerolog.Nop()
	hm := NewHealthManager("test", Sources{Engine: fakeEngine{names: []string{"a"}}}, &logger, tracer)
	hm.RegisterChecker(NewEngineChecker(fakeEngine{}, tracer))

	rr := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Equal(t, "test", body.Version)
	require.NotNil(t, body.Mirror)
	assert.Equal(t, 1, body.Mirror.Mirrored)

	hm.RegisterChecker(NewEngineChecker(fakeEngine{closed: true}, tracer))
	rr = httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
