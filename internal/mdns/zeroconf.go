package mdns

import (
	"context"
	"net"
	"slices"

	"github.com/grandcat/zeroconf"

	"github.com/cuza/mDNS-Mirror/internal/record"
)

// Resolver is the browsing half of a zeroconf client. A resolver is used
// for a single Browse call; its sockets close when the browse context ends.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ResolverFactory opens a fresh resolver.
type ResolverFactory func() (Resolver, error)

// Announcement is a running responder for one service instance.
type Announcement interface {
	SetText(text []string)
	Shutdown()
}

// Announcer starts a responder for rec.
type Announcer func(rec record.Record) (Announcement, error)

// ZeroconfResolvers returns a factory backed by zeroconf.NewResolver bound to
// ifaces, or to every multicast interface when ifaces is empty.
func ZeroconfResolvers(ifaces []net.Interface) ResolverFactory {
	return func() (Resolver, error) {
		var opts []zeroconf.ClientOption
		if len(ifaces) > 0 {
			opts = append(opts, zeroconf.SelectIfaces(ifaces))
		}
		r, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ZeroconfAnnouncer returns an Announcer that proxies rec with
// zeroconf.RegisterProxy, answering for rec.Host with rec's addresses.
func ZeroconfAnnouncer(ifaces []net.Interface) Announcer {
	return func(rec record.Record) (Announcement, error) {
		srv, err := zeroconf.RegisterProxy(
			rec.Instance,
			rec.Type,
			rec.Domain,
			rec.Port,
			rec.Host,
			rec.Addresses(),
			slices.Clone(rec.Text),
			ifaces,
		)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
}

// recordFromEntry converts a browse result for serviceType into a record.
func recordFromEntry(serviceType, domain string, e *zeroconf.ServiceEntry) record.Record {
	rec := record.Record{
		Type:     serviceType,
		Name:     InstanceName(e.Instance, serviceType, domain),
		Instance: e.Instance,
		Domain:   fqdn(domain),
		Host:     e.HostName,
		Port:     e.Port,
		Text:     slices.Clone(e.Text),
		TTL:      e.TTL,
	}
	for _, ip := range e.AddrIPv4 {
		rec.IPv4 = append(rec.IPv4, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		rec.IPv6 = append(rec.IPv6, ip.String())
	}
	return rec
}
