// Package mdns wraps a zeroconf responder and resolver behind the small
// engine surface the mirror needs: announce on behalf of a peer, browse a
// service type, and enumerate service types on the segment.
package mdns

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

// Listener receives browse events. Only the type and name are delivered;
// details are read back with Engine.Info.
type Listener interface {
	OnAdd(serviceType, name string)
	OnUpdate(serviceType, name string)
	OnRemove(serviceType, name string)
}

// Options configures an Engine.
type Options struct {
	Domain string
	// BrowseWindow is how long a single sweep listens for answers.
	BrowseWindow time.Duration
	// BrowseInterval is the pause between sweeps of one service type.
	BrowseInterval time.Duration
	// MissedSweeps is the number of consecutive sweeps a name may be absent
	// from before it is reported removed.
	MissedSweeps int

	NewResolver ResolverFactory
	Announce    Announcer
}

// DefaultOptions returns options backed by zeroconf on every multicast
// interface.
func DefaultOptions() Options {
	return Options{
		Domain:         DefaultDomain,
		BrowseWindow:   3 * time.Second,
		BrowseInterval: 5 * time.Second,
		MissedSweeps:   2,
		NewResolver:    ZeroconfResolvers(nil),
		Announce:       ZeroconfAnnouncer(nil),
	}
}

type registration struct {
	rec record.Record
	ann Announcement
}

// Engine announces mirrored records and browses the local segment.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	mu            sync.RWMutex
	registrations map[string]*registration
	watchers      map[string]*watcher
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Zero-valued options fall back to
// DefaultOptions.
func NewEngine(opts Options, logger *zerolog.Logger) *Engine {
	def := DefaultOptions()
	if opts.Domain == "" {
		opts.Domain = def.Domain
	}
	if opts.BrowseWindow <= 0 {
		opts.BrowseWindow = def.BrowseWindow
	}
	if opts.BrowseInterval <= 0 {
		opts.BrowseInterval = def.BrowseInterval
	}
	if opts.MissedSweeps <= 0 {
		opts.MissedSweeps = def.MissedSweeps
	}
	if opts.NewResolver == nil {
		opts.NewResolver = def.NewResolver
	}
	if opts.Announce == nil {
		opts.Announce = def.Announce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:          opts,
		logger:        logger.With().Str("component", "mdns").Logger(),
		registrations: make(map[string]*registration),
		watchers:      make(map[string]*watcher),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register announces rec. It fails with ErrAlreadyExists when the name is
// already announced by this engine or currently answered on the segment,
// and with ErrInvalidName when rec cannot be announced.
func (e *Engine) Register(rec record.Record) error {
	if err := ValidateRecord(rec); err != nil {
		metrics.EngineOperationsTotal.WithLabelValues("register", "invalid").Inc()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.registrations[rec.Name]; ok || e.observedLocked(rec) {
		metrics.EngineOperationsTotal.WithLabelValues("register", "conflict").Inc()
		return mirrorerrors.WrapRegistrationError(ErrAlreadyExists, "register", rec.Name)
	}

	ann, err := e.opts.Announce(rec)
	if err != nil {
		metrics.EngineOperationsTotal.WithLabelValues("register", "error").Inc()
		return mirrorerrors.WrapRegistrationError(err, "register", rec.Name)
	}
	e.registrations[rec.Name] = &registration{rec: rec.Clone(), ann: ann}
	metrics.EngineOperationsTotal.WithLabelValues("register", "ok").Inc()
	metrics.EngineRegistrations.Set(float64(len(e.registrations)))

	e.logger.Debug().
		Str("name", rec.Name).
		Str("host", rec.Host).
		Int("port", rec.Port).
		Msg("Announced service")
	return nil
}

// Update replaces the announced content of a previously registered name.
// A TXT-only change is pushed to the running responder; anything else
// restarts it.
func (e *Engine) Update(rec record.Record) error {
	if err := ValidateRecord(rec); err != nil {
		metrics.EngineOperationsTotal.WithLabelValues("update", "invalid").Inc()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	reg, ok := e.registrations[rec.Name]
	if !ok {
		metrics.EngineOperationsTotal.WithLabelValues("update", "error").Inc()
		return mirrorerrors.WrapRegistrationError(ErrNotRegistered, "update", rec.Name)
	}

	switch {
	case reg.rec.Equal(rec):
	case reg.rec.TextOnlyChange(rec):
		reg.ann.SetText(append([]string(nil), rec.Text...))
	default:
		ann, err := e.opts.Announce(rec)
		if err != nil {
			metrics.EngineOperationsTotal.WithLabelValues("update", "error").Inc()
			return mirrorerrors.WrapRegistrationError(err, "update", rec.Name)
		}
		reg.ann.Shutdown()
		reg.ann = ann
	}
	reg.rec = rec.Clone()
	metrics.EngineOperationsTotal.WithLabelValues("update", "ok").Inc()
	return nil
}

// Unregister stops announcing rec's name and forgets any cached browse
// result for it. Unknown names are ignored.
func (e *Engine) Unregister(rec record.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if w, ok := e.watchers[rec.Type]; ok {
		w.evict(rec.Name)
	}
	reg, ok := e.registrations[rec.Name]
	if !ok {
		return nil
	}
	reg.ann.Shutdown()
	delete(e.registrations, rec.Name)
	metrics.EngineOperationsTotal.WithLabelValues("unregister", "ok").Inc()
	metrics.EngineRegistrations.Set(float64(len(e.registrations)))
	return nil
}

// Info returns the resolved details for name, preferring this engine's own
// announcements over browse results.
func (e *Engine) Info(serviceType, name string) (record.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if reg, ok := e.registrations[name]; ok && reg.rec.Type == serviceType {
		return reg.rec.Clone(), true
	}
	if w, ok := e.watchers[serviceType]; ok {
		return w.lookup(name)
	}
	return record.Record{}, false
}

// Registered returns the names this engine is announcing, sorted.
func (e *Engine) Registered() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.registrations))
	for name := range e.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe starts browsing serviceType and delivers its events to l.
// Subscribing the same listener to the same type twice is a no-op.
func (e *Engine) Subscribe(serviceType string, l Listener) error {
	if !ValidServiceType(serviceType) {
		return mirrorerrors.WrapValidationError(ErrInvalidName, "subscribe", serviceType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if w, ok := e.watchers[serviceType]; ok {
		w.addListener(l)
		return nil
	}

	w := newWatcher(e, serviceType, l)
	e.watchers[serviceType] = w
	metrics.WatchedServiceTypes.Set(float64(len(e.watchers)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(e.ctx)
	}()

	e.logger.Info().Str("type", serviceType).Msg("Browsing service type")
	return nil
}

// ServiceTypes runs one DNS-SD type enumeration sweep and returns the
// service types answered on the segment, sorted and without duplicates.
func (e *Engine) ServiceTypes(ctx context.Context) ([]string, error) {
	if e.Closed() {
		return nil, ErrClosed
	}

	seen := make(map[string]struct{})
	err := e.sweep(ctx, typeEnumeration, func(entry *zeroconf.ServiceEntry) {
		// Enumeration answers carry the type as the instance, e.g. "_http._tcp.local".
		t := NormalizeType(entry.Instance, e.opts.Domain)
		if ValidServiceType(t) {
			seen[t] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops every browser and withdraws every announcement.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, reg := range e.registrations {
		reg.ann.Shutdown()
		delete(e.registrations, name)
	}
	metrics.EngineRegistrations.Set(0)
	metrics.WatchedServiceTypes.Set(0)
	e.logger.Info().Msg("mDNS engine closed")
	return nil
}

// observedLocked reports whether rec's name is currently answered on the
// segment by some other responder. e.mu must be held.
func (e *Engine) observedLocked(rec record.Record) bool {
	w, ok := e.watchers[rec.Type]
	if !ok {
		return false
	}
	_, found := w.lookup(rec.Name)
	return found
}

// IsConflict reports whether err is a name conflict from Register.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalid reports whether err rejects a record as unannounceable.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidName)
}
