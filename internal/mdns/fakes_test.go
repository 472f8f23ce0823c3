package mdns

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/cuza/mDNS-Mirror/internal/record"
)

// fakeSegment stands in for the multicast network: browse answers are read
// from it and announcements are recorded on it.
type fakeSegment struct {
	mu      sync.Mutex
	entries map[string][]*zeroconf.ServiceEntry
	failing bool
	// hold, when set, parks every browse after its answers are sent until
	// it is closed. reached is signalled each time a browse parks.
	hold    chan struct{}
	reached chan struct{}
	browses int

	announced []*fakeAnnouncement
}

func newFakeSegment() *fakeSegment {
	return &fakeSegment{entries: make(map[string][]*zeroconf.ServiceEntry)}
}

func (s *fakeSegment) set(service string, entries ...*zeroconf.ServiceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[service] = entries
}

func (s *fakeSegment) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

// holdSweeps makes browses stall mid-sweep. The returned release is safe to
// call more than once.
func (s *fakeSegment) holdSweeps() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	s.reached = make(chan struct{}, 1)
	var once sync.Once
	hold := s.hold
	return s.reached, func() { once.Do(func() { close(hold) }) }
}

func (s *fakeSegment) completedBrowses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browses
}

func (s *fakeSegment) resolvers() ResolverFactory {
	return func() (Resolver, error) { return &fakeResolver{segment: s}, nil }
}

func (s *fakeSegment) announcer() Announcer {
	return func(rec record.Record) (Announcement, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		a := &fakeAnnouncement{rec: rec}
		s.announced = append(s.announced, a)
		return a, nil
	}
}

func (s *fakeSegment) announcements() []*fakeAnnouncement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeAnnouncement(nil), s.announced...)
}

type fakeResolver struct {
	segment *fakeSegment
}

func (r *fakeResolver) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	r.segment.mu.Lock()
	failing := r.segment.failing
	answers := append([]*zeroconf.ServiceEntry(nil), r.segment.entries[service]...)
	hold, reached := r.segment.hold, r.segment.reached
	r.segment.mu.Unlock()

	if failing {
		close(entries)
		return net.ErrClosed
	}

	go func() {
		defer func() {
			r.segment.mu.Lock()
			r.segment.browses++
			r.segment.mu.Unlock()
			close(entries)
		}()
		for _, e := range answers {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case reached <- struct{}{}:
			default:
			}
			<-hold
		}
		<-ctx.Done()
	}()
	return nil
}

type fakeAnnouncement struct {
	mu       sync.Mutex
	rec      record.Record
	text     []string
	shutdown bool
}

func (a *fakeAnnouncement) SetText(text []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = text
}

func (a *fakeAnnouncement) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
}

func (a *fakeAnnouncement) isShutdown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

func (a *fakeAnnouncement) lastText() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text
}

type recordedEvent struct {
	kind string
	typ  string
	name string
}

type recordingListener struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *recordingListener) record(kind, typ, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{kind: kind, typ: typ, name: name})
}

func (l *recordingListener) OnAdd(t, n string)    { l.record("add", t, n) }
func (l *recordingListener) OnUpdate(t, n string) { l.record("update", t, n) }
func (l *recordingListener) OnRemove(t, n string) { l.record("remove", t, n) }

func (l *recordingListener) count(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func entry(instance, service string, port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, service, "local.")
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = text
	e.TTL = 120
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.10")}
	return e
}

func mirrored(instance string, port int) record.Record {
	return record.Record{
		Type:     "_http._tcp",
		Name:     instance + "._http._tcp.local.",
		Instance: instance,
		Domain:   "local.",
		Host:     instance + ".local.",
		Port:     port,
		IPv4:     []string{"10.0.0.20"},
		Text:     []string{"path=/"},
		TTL:      120,
	}
}
