package mdns

import (
	"context"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

type eventKind int

const (
	eventAdd eventKind = iota
	eventUpdate
	eventRemove
)

type event struct {
	kind eventKind
	name string
}

// watcher browses one service type in repeated sweeps and turns the
// difference between sweeps into add, update and remove events.
type watcher struct {
	engine      *Engine
	serviceType string

	mu        sync.Mutex
	cache     record.Snapshot
	misses    map[string]int
	listeners []Listener

	// gen counts withdrawals. withdrawn maps a name this engine stopped
	// announcing to the gen of its withdrawal; answers for it are ignored
	// until a sweep that started afterwards has completed.
	gen       uint64
	withdrawn map[string]uint64
}

func newWatcher(e *Engine, serviceType string, l Listener) *watcher {
	return &watcher{
		engine:      e,
		serviceType: serviceType,
		cache:       make(record.Snapshot),
		misses:      make(map[string]int),
		withdrawn:   make(map[string]uint64),
		listeners:   []Listener{l},
	}
}

func (w *watcher) addListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.listeners {
		if existing == l {
			return
		}
	}
	w.listeners = append(w.listeners, l)
}

func (w *watcher) lookup(name string) (record.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.cache[name]
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// evict forgets name and discards it from any sweep already in flight.
func (w *watcher) evict(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cache, name)
	delete(w.misses, name)
	w.gen++
	w.withdrawn[name] = w.gen
}

func (w *watcher) generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *watcher) run(ctx context.Context) {
	e := w.engine
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := w.generation()
		seen := make(record.Snapshot)
		err := e.sweep(ctx, w.serviceType, func(entry *zeroconf.ServiceEntry) {
			rec := recordFromEntry(w.serviceType, e.opts.Domain, entry)
			seen[rec.Name] = rec
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("type", w.serviceType).Msg("Browse sweep failed")
		} else {
			w.dispatch(w.apply(seen, started))
		}
		timer.Reset(e.opts.BrowseInterval)
	}
}

// apply folds one sweep that began at generation started into the cache and
// returns the resulting events.
func (w *watcher) apply(seen record.Snapshot, started uint64) []event {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name, at := range w.withdrawn {
		if at > started {
			// The sweep may have heard this engine's own responder.
			delete(seen, name)
			continue
		}
		delete(w.withdrawn, name)
	}

	var events []event
	for _, name := range seen.Names() {
		rec := seen[name]
		prev, ok := w.cache[name]
		w.cache[name] = rec
		delete(w.misses, name)
		switch {
		case !ok:
			events = append(events, event{kind: eventAdd, name: name})
		case !prev.Equal(rec):
			events = append(events, event{kind: eventUpdate, name: name})
		}
	}
	for _, name := range w.cache.Names() {
		if _, ok := seen[name]; ok {
			continue
		}
		w.misses[name]++
		if w.misses[name] >= w.engine.opts.MissedSweeps {
			delete(w.cache, name)
			delete(w.misses, name)
			events = append(events, event{kind: eventRemove, name: name})
		}
	}
	return events
}

func (w *watcher) dispatch(events []event) {
	if len(events) == 0 {
		return
	}
	w.mu.Lock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			switch ev.kind {
			case eventAdd:
				l.OnAdd(w.serviceType, ev.name)
			case eventUpdate:
				l.OnUpdate(w.serviceType, ev.name)
			case eventRemove:
				l.OnRemove(w.serviceType, ev.name)
			}
		}
	}
}

// sweep browses service for one BrowseWindow on a fresh resolver and hands
// every answer to fn. It returns once the resolver has closed its channel.
func (e *Engine) sweep(ctx context.Context, service string, fn func(*zeroconf.ServiceEntry)) error {
	resolver, err := e.opts.NewResolver()
	if err != nil {
		metrics.BrowseSweepsTotal.WithLabelValues("error").Inc()
		return mirrorerrors.WrapNetworkError(err, "browse", "open resolver")
	}

	sweepCtx, cancel := context.WithTimeout(ctx, e.opts.BrowseWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(sweepCtx, service, e.opts.Domain, entries); err != nil {
		metrics.BrowseSweepsTotal.WithLabelValues("error").Inc()
		return mirrorerrors.WrapNetworkError(err, "browse", service)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				metrics.BrowseSweepsTotal.WithLabelValues("success").Inc()
				return nil
			}
			if entry != nil {
				fn(entry)
			}
		case <-sweepCtx.Done():
			// The resolver closes entries shortly after the window ends;
			// drain what is left so its sender never blocks.
			for entry := range entries {
				if entry != nil {
					fn(entry)
				}
			}
			metrics.BrowseSweepsTotal.WithLabelValues("success").Inc()
			return nil
		}
	}
}
