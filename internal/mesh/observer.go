package mesh

import (
	"github.com/rs/zerolog"

	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

// InfoSource resolves the details of an observed service.
type InfoSource interface {
	Info(serviceType, name string) (record.Record, bool)
}

// LocalRecorder is the mutable side of the local observation store.
type LocalRecorder interface {
	Put(rec record.Record) bool
	Remove(name string) bool
}

// Observer consumes browse events and keeps the local observation store in
// step with what natively lives on this segment. Events for names owned by a
// peer are echoes of this node's own announcements and are dropped.
type Observer struct {
	info       InfoSource
	classifier *Classifier
	local      LocalRecorder
	logger     zerolog.Logger
}

func NewObserver(info InfoSource, classifier *Classifier, local LocalRecorder, logger *zerolog.Logger) *Observer {
	return &Observer{
		info:       info,
		classifier: classifier,
		local:      local,
		logger:     logger.With().Str("component", "observer").Logger(),
	}
}

// OnAdd records a newly seen local service.
func (o *Observer) OnAdd(serviceType, name string) {
	o.upsert("add", serviceType, name)
}

// OnUpdate refreshes a local service whose details changed.
func (o *Observer) OnUpdate(serviceType, name string) {
	o.upsert("update", serviceType, name)
}

// OnRemove forgets a local service that left the segment.
func (o *Observer) OnRemove(serviceType, name string) {
	if o.dropPeerOwned("remove", serviceType, name) {
		return
	}
	if !o.local.Remove(name) {
		metrics.EventsTotal.WithLabelValues("remove", "absent").Inc()
		return
	}
	metrics.EventsTotal.WithLabelValues("remove", "applied").Inc()
	o.logger.Info().Str("type", serviceType).Str("name", name).Msg("Local service removed")
}

func (o *Observer) upsert(kind, serviceType, name string) {
	if o.dropPeerOwned(kind, serviceType, name) {
		return
	}
	rec, ok := o.info.Info(serviceType, name)
	if !ok {
		// Gone again before it could be resolved; the next sweep will tell.
		metrics.EventsTotal.WithLabelValues(kind, "missing_info").Inc()
		o.logger.Debug().Str("type", serviceType).Str("name", name).Msg("No details for service, skipping")
		return
	}
	if o.local.Put(rec) {
		o.logger.Info().
			Str("event", kind).
			Str("type", serviceType).
			Str("name", name).
			Str("host", rec.Host).
			Int("port", rec.Port).
			Msg("Local service recorded")
	}
	metrics.EventsTotal.WithLabelValues(kind, "applied").Inc()
}

func (o *Observer) dropPeerOwned(kind, serviceType, name string) bool {
	if !o.classifier.IsPeerOwned(name) {
		return false
	}
	metrics.EventsTotal.WithLabelValues(kind, "peer_owned").Inc()
	o.logger.Debug().
		Str("event", kind).
		Str("type", serviceType).
		Str("name", name).
		Msg("Ignoring event for peer-owned service")
	return true
}
