package mdns

import (
	"context"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, seg *fakeSegment) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	e := NewEngine(Options{
		BrowseWindow:   20 * time.Millisecond,
		BrowseInterval: 10 * time.Millisecond,
		MissedSweeps:   2,
		NewResolver:    seg.resolvers(),
		Announce:       seg.announcer(),
	}, &logger)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineRegisterAndInfo(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	rec := mirrored("svc1", 80)
	require.NoError(t, e.Register(rec))

	got, ok := e.Info("_http._tcp", rec.Name)
	require.True(t, ok)
	assert.True(t, rec.Equal(got))
	assert.Equal(t, []string{rec.Name}, e.Registered())
	require.Len(t, seg.announcements(), 1)

	_, ok = e.Info("_ipp._tcp", rec.Name)
	assert.False(t, ok, "type must match")
}

func TestEngineRegisterDuplicateIsConflict(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	rec := mirrored("svc1", 80)
	require.NoError(t, e.Register(rec))

	err := e.Register(rec)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, mirrorerrors.ErrorTypeRegistration, mirrorerrors.TypeOf(err))
	assert.Len(t, seg.announcements(), 1)
}

func TestEngineRegisterInvalid(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	rec := mirrored("svc1", 0)
	err := e.Register(rec)
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.Empty(t, seg.announcements())
}

func TestEngineUpdate(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	rec := mirrored("svc1", 80)
	require.NoError(t, e.Register(rec))
	first := seg.announcements()[0]

	// TXT-only change goes to the running responder.
	txt := rec.Clone()
	txt.Text = []string{"path=/v2"}
	require.NoError(t, e.Update(txt))
	assert.Equal(t, []string{"path=/v2"}, first.lastText())
	assert.False(t, first.isShutdown())
	assert.Len(t, seg.announcements(), 1)

	// A port change restarts it.
	moved := txt.Clone()
	moved.Port = 8080
	require.NoError(t, e.Update(moved))
	assert.True(t, first.isShutdown())
	require.Len(t, seg.announcements(), 2)
	assert.Equal(t, 8080, seg.announcements()[1].rec.Port)

	got, ok := e.Info("_http._tcp", rec.Name)
	require.True(t, ok)
	assert.Equal(t, 8080, got.Port)
}

func TestEngineUpdateUnknown(t *testing.T) {
	e := newTestEngine(t, newFakeSegment())
	err := e.Update(mirrored("ghost", 80))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestEngineUnregister(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	rec := mirrored("svc1", 80)
	require.NoError(t, e.Register(rec))
	require.NoError(t, e.Unregister(rec))
	assert.True(t, seg.announcements()[0].isShutdown())
	assert.Empty(t, e.Registered())

	_, ok := e.Info("_http._tcp", rec.Name)
	assert.False(t, ok)

	assert.NoError(t, e.Unregister(rec), "unknown names are ignored")
	assert.NoError(t, e.Register(rec), "name is free again")
}

func TestEngineClose(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	require.NoError(t, e.Register(mirrored("a", 80)))
	require.NoError(t, e.Register(mirrored("b", 81)))
	require.NoError(t, e.Subscribe("_http._tcp", &recordingListener{}))

	require.NoError(t, e.Close())
	assert.True(t, e.Closed())
	for _, a := range seg.announcements() {
		assert.True(t, a.isShutdown())
	}
	assert.ErrorIs(t, e.Register(mirrored("c", 82)), ErrClosed)
	assert.NoError(t, e.Close(), "close is idempotent")
}

func TestEngineBrowseEvents(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)
	l := &recordingListener{}

	seg.set("_http._tcp", entry("svc1", "_http._tcp", 80, "path=/"))
	require.NoError(t, e.Subscribe("_http._tcp", l))
	require.NoError(t, e.Subscribe("_http._tcp", l), "subscribe is idempotent")

	require.Eventually(t, func() bool { return l.count("add") == 1 }, time.Second, 5*time.Millisecond)
	got, ok := e.Info("_http._tcp", "svc1._http._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, 80, got.Port)
	assert.Equal(t, []string{"192.168.1.10"}, got.IPv4)
	assert.Equal(t, "local.", got.Domain)

	seg.set("_http._tcp", entry("svc1", "_http._tcp", 8080, "path=/"))
	require.Eventually(t, func() bool { return l.count("update") == 1 }, time.Second, 5*time.Millisecond)
	got, _ = e.Info("_http._tcp", "svc1._http._tcp.local.")
	assert.Equal(t, 8080, got.Port)

	seg.set("_http._tcp")
	require.Eventually(t, func() bool { return l.count("remove") == 1 }, time.Second, 5*time.Millisecond)
	_, ok = e.Info("_http._tcp", "svc1._http._tcp.local.")
	assert.False(t, ok)
	assert.Equal(t, 1, l.count("add"), "each event is delivered once")
}

func TestEngineFailedSweepKeepsCache(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)
	l := &recordingListener{}

	seg.set("_http._tcp", entry("svc1", "_http._tcp", 80))
	require.NoError(t, e.Subscribe("_http._tcp", l))
	require.Eventually(t, func() bool { return l.count("add") == 1 }, time.Second, 5*time.Millisecond)

	seg.setFailing(true)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, l.count("remove"), "failed sweeps are not absences")
	_, ok := e.Info("_http._tcp", "svc1._http._tcp.local.")
	assert.True(t, ok)
}

func TestEngineRegisterConflictsWithObserved(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)
	l := &recordingListener{}

	seg.set("_http._tcp", entry("svc1", "_http._tcp", 80))
	require.NoError(t, e.Subscribe("_http._tcp", l))
	require.Eventually(t, func() bool { return l.count("add") == 1 }, time.Second, 5*time.Millisecond)

	err := e.Register(mirrored("svc1", 80))
	assert.True(t, IsConflict(err))
}

func TestEngineIgnoresWithdrawnNameFromSweepInFlight(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)
	reached, release := seg.holdSweeps()
	t.Cleanup(release)
	l := &recordingListener{}

	rec := mirrored("svc1", 80)
	require.NoError(t, e.Register(rec))
	// The segment echoes this engine's own responder.
	seg.set("_http._tcp", entry("svc1", "_http._tcp", 80))
	require.NoError(t, e.Subscribe("_http._tcp", l))

	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("sweep never heard the announcement")
	}
	require.NoError(t, e.Unregister(rec))
	seg.set("_http._tcp")
	release()

	// Two more browses finishing means the held sweep and a fresh one were
	// both folded in.
	require.Eventually(t, func() bool { return seg.completedBrowses() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, l.count("add"), "a withdrawn name must not surface as observed")
	_, ok := e.Info("_http._tcp", rec.Name)
	assert.False(t, ok)

	// A native responder answering in a later sweep is observed again.
	seg.set("_http._tcp", entry("svc1", "_http._tcp", 80))
	require.Eventually(t, func() bool { return l.count("add") == 1 }, time.Second, 5*time.Millisecond)
	_, ok = e.Info("_http._tcp", rec.Name)
	assert.True(t, ok)
}

func TestEngineSubscribeRejectsBadType(t *testing.T) {
	e := newTestEngine(t, newFakeSegment())
	assert.Error(t, e.Subscribe("http", &recordingListener{}))
}

func TestEngineServiceTypes(t *testing.T) {
	seg := newFakeSegment()
	e := newTestEngine(t, seg)

	seg.set(typeEnumeration,
		zeroconf.NewServiceEntry("_http._tcp.local", typeEnumeration, "local."),
		zeroconf.NewServiceEntry("_ipp._tcp.local", typeEnumeration, "local."),
		zeroconf.NewServiceEntry("_http._tcp.local", typeEnumeration, "local."),
		zeroconf.NewServiceEntry("garbage", typeEnumeration, "local."),
	)

	types, err := e.ServiceTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"_http._tcp", "_ipp._tcp"}, types)

	seg.setFailing(true)
	_, err = e.ServiceTypes(context.Background())
	assert.Equal(t, mirrorerrors.ErrorTypeNetwork, mirrorerrors.TypeOf(err))
}
