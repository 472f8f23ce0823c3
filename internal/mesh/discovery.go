package mesh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DiscoveryProvider finds the peers whose snapshots are mirrored.
type DiscoveryProvider interface {
	// FindPeers returns peer addresses as host:port.
	FindPeers(ctx context.Context) ([]string, error)
}

// NormalizePeer returns addr as host:port, appending defaultPort when addr
// carries no port. Bare IPv6 addresses are bracketed.
func NormalizePeer(addr string, defaultPort int) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return ""
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(defaultPort))
}

// StaticProvider returns a fixed list of peers.
type StaticProvider struct {
	Peers []string
}

// NewStaticProvider normalizes peers and drops blanks and duplicates.
func NewStaticProvider(peers []string, defaultPort int) *StaticProvider {
	seen := make(map[string]bool)
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		p = NormalizePeer(p, defaultPort)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return &StaticProvider{Peers: out}
}

func (s *StaticProvider) FindPeers(ctx context.Context) ([]string, error) {
	return append([]string(nil), s.Peers...), nil
}

// MultiProvider chains multiple providers (e.g., Static + DNS).
type MultiProvider struct {
	Providers []DiscoveryProvider
	logger    zerolog.Logger
}

func NewMultiProvider(logger *zerolog.Logger, providers ...DiscoveryProvider) *MultiProvider {
	return &MultiProvider{
		Providers: providers,
		logger:    logger.With().Str("component", "discovery").Logger(),
	}
}

// FindPeers returns the de-duplicated union of every provider's peers. A
// failing provider does not hide the others; its error is returned alongside
// the partial list.
func (m *MultiProvider) FindPeers(ctx context.Context) ([]string, error) {
	var allPeers []string
	var errs []error
	seen := make(map[string]bool)

	for _, p := range m.Providers {
		peers, err := p.FindPeers(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Peer discovery provider failed")
			errs = append(errs, err)
			continue
		}
		for _, peer := range peers {
			if !seen[peer] {
				allPeers = append(allPeers, peer)
				seen[peer] = true
			}
		}
	}
	return allPeers, errors.Join(errs...)
}

// SelfFilter drops this node's own exposition addresses from another
// provider's answer.
type SelfFilter struct {
	Provider DiscoveryProvider
	self     map[string]bool
}

// NewSelfFilter wraps p, removing any of self (normalized with defaultPort).
func NewSelfFilter(p DiscoveryProvider, self []string, defaultPort int) *SelfFilter {
	f := &SelfFilter{Provider: p, self: make(map[string]bool)}
	for _, s := range self {
		if s = NormalizePeer(s, defaultPort); s != "" {
			f.self[s] = true
		}
	}
	return f
}

func (f *SelfFilter) FindPeers(ctx context.Context) ([]string, error) {
	peers, err := f.Provider.FindPeers(ctx)
	out := peers[:0:0]
	for _, p := range peers {
		if !f.self[p] {
			out = append(out, p)
		}
	}
	return out, err
}

// LocalAddrs lists this host's interface addresses joined with port, for use
// with NewSelfFilter.
func LocalAddrs(port int) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, net.JoinHostPort(ipnet.IP.String(), strconv.Itoa(port)))
	}
	return out
}
