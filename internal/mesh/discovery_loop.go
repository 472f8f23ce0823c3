package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuza/mDNS-Mirror/internal/mdns"
)

// TypeSource enumerates service types and subscribes listeners to them.
type TypeSource interface {
	ServiceTypes(ctx context.Context) ([]string, error)
	Subscribe(serviceType string, l mdns.Listener) error
}

// TypeDiscovery periodically re-enumerates the service types on the local
// segment and subscribes the observer to each new one. Subscriptions are
// never withdrawn.
type TypeDiscovery struct {
	source   TypeSource
	listener mdns.Listener
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watched map[string]bool
}

func NewTypeDiscovery(source TypeSource, listener mdns.Listener, interval time.Duration, logger *zerolog.Logger) *TypeDiscovery {
	return &TypeDiscovery{
		source:   source,
		listener: listener,
		interval: interval,
		logger:   logger.With().Str("component", "type_discovery").Logger(),
		watched:  make(map[string]bool),
	}
}

// Refresh runs one enumeration and returns the types subscribed by it.
func (d *TypeDiscovery) Refresh(ctx context.Context) []string {
	types, err := d.source.ServiceTypes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("Service type enumeration failed")
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var added []string
	for _, t := range types {
		if d.watched[t] {
			continue
		}
		if err := d.source.Subscribe(t, d.listener); err != nil {
			d.logger.Warn().Err(err).Str("type", t).Msg("Failed to subscribe to service type")
			continue
		}
		d.watched[t] = true
		added = append(added, t)
		d.logger.Info().Str("type", t).Msg("Watching new service type")
	}
	return added
}

// Watched returns the number of subscribed types.
func (d *TypeDiscovery) Watched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watched)
}

// Run refreshes immediately and then every interval until ctx is done.
func (d *TypeDiscovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Run immediately first
	d.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Refresh(ctx)
		}
	}
}
