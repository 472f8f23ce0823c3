package mesh

import (
	"context"
	"net"
	"sort"
	"strconv"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
)

// IPResolver is the subset of net.Resolver used by DNSProvider.
type IPResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// DNSProvider performs peer discovery using DNS A/AAAA records.
// It is useful when the set of mirror nodes is published under one name.
type DNSProvider struct {
	Record   string
	Port     int
	Resolver IPResolver
}

// NewDNSProvider creates a new DNS discovery provider.
func NewDNSProvider(record string, port int) *DNSProvider {
	return &DNSProvider{
		Record:   record,
		Port:     port,
		Resolver: net.DefaultResolver,
	}
}

// FindPeers resolves the configured DNS record and returns sorted peer
// addresses.
func (d *DNSProvider) FindPeers(ctx context.Context) ([]string, error) {
	ips, err := d.Resolver.LookupIP(ctx, "ip", d.Record)
	if err != nil {
		return nil, mirrorerrors.WrapNetworkError(err, "discover_peers", d.Record)
	}

	port := strconv.Itoa(d.Port)
	peers := make([]string, 0, len(ips))
	for _, ip := range ips {
		// JoinHostPort brackets IPv6 literals.
		peers = append(peers, net.JoinHostPort(ip.String(), port))
	}
	sort.Strings(peers)
	return peers, nil
}
