package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

// PeerState is the last applied view of one peer.
type PeerState struct {
	Services record.Snapshot
	// Digest is the digest of the last fetched snapshot. It is only valid
	// when DigestValid is set, which happens when every record of that
	// snapshot was applied without conflict.
	Digest      uint64
	DigestValid bool
	// Misses counts consecutive failed fetches.
	Misses   int
	LastSeen time.Time
}

type peerEntry struct {
	services    record.Snapshot
	digest      uint64
	digestValid bool
	misses      int
	lastSeen    time.Time
}

// PeerStore maps peer address to the records this node announces on that
// peer's behalf. A name present in any peer's mapping is peer-owned.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// NewPeerStore returns an empty store.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*peerEntry)}
}

// Owns reports whether any peer's mapping contains name.
func (s *PeerStore) Owns(name string) bool {
	_, ok := s.Owner(name)
	return ok
}

// Owner returns the first peer, in address order, whose mapping contains name.
func (s *PeerStore) Owner(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner := ""
	for peer, e := range s.peers {
		if _, ok := e.services[name]; ok && (owner == "" || peer < owner) {
			owner = peer
		}
	}
	return owner, owner != ""
}

// Has reports whether peer has an entry.
func (s *PeerStore) Has(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[peer]
	return ok
}

// Peers returns the known peer addresses in sorted order.
func (s *PeerStore) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.peers))
	for peer := range s.peers {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// Get returns a deep copy of peer's state.
func (s *PeerStore) Get(peer string) (PeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	return PeerState{
		Services:    e.services.Clone(),
		Digest:      e.digest,
		DigestValid: e.digestValid,
		Misses:      e.misses,
		LastSeen:    e.lastSeen,
	}, true
}

// Claim records rec under peer, creating the peer entry if needed. It is
// called before the engine announces rec so that the echoed add event is
// already classified as peer-owned.
func (s *PeerStore) Claim(peer string, rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(peer)
	e.services[rec.Name] = rec.Clone()
	metrics.PeerServices.WithLabelValues(peer).Set(float64(len(e.services)))
}

// Release removes name from peer's mapping. Other peers are not affected.
func (s *PeerStore) Release(peer, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.peers[peer]
	if !ok {
		return
	}
	delete(e.services, name)
	metrics.PeerServices.WithLabelValues(peer).Set(float64(len(e.services)))
}

// Replace installs services as peer's complete mapping and marks the peer
// reachable at now.
func (s *PeerStore) Replace(peer string, services record.Snapshot, digest uint64, digestValid bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(peer)
	e.services = services.Clone()
	e.digest = digest
	e.digestValid = digestValid
	e.misses = 0
	e.lastSeen = now
	metrics.PeerServices.WithLabelValues(peer).Set(float64(len(e.services)))
	metrics.PeerReachable.WithLabelValues(peer).Set(1)
}

// MarkReachable resets peer's miss counter without touching its mapping.
func (s *PeerStore) MarkReachable(peer string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(peer)
	e.misses = 0
	e.lastSeen = now
	metrics.PeerReachable.WithLabelValues(peer).Set(1)
}

// MarkUnreachable increments peer's miss counter and returns it. Unknown
// peers are left alone and report zero.
func (s *PeerStore) MarkUnreachable(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.peers[peer]
	if !ok {
		return 0
	}
	e.misses++
	metrics.PeerReachable.WithLabelValues(peer).Set(0)
	return e.misses
}

// Misses returns peer's consecutive failed fetches, zero if unknown.
func (s *PeerStore) Misses(peer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.peers[peer]; ok {
		return e.misses
	}
	return 0
}

// Retain narrows peer's mapping to services and invalidates its digest so
// the next fetch is diffed in full. The miss counter is kept.
func (s *PeerStore) Retain(peer string, services record.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.peers[peer]
	if !ok {
		return
	}
	e.services = services.Clone()
	e.digestValid = false
	metrics.PeerServices.WithLabelValues(peer).Set(float64(len(e.services)))
}

// Drop deletes peer's entry and returns what it held.
func (s *PeerStore) Drop(peer string) record.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.peers[peer]
	if !ok {
		return nil
	}
	delete(s.peers, peer)
	metrics.PeerServices.DeleteLabelValues(peer)
	metrics.PeerReachable.DeleteLabelValues(peer)
	return e.services
}

// Len returns the number of peers.
func (s *PeerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// entry must be called with mu held.
func (s *PeerStore) entry(peer string) *peerEntry {
	e, ok := s.peers[peer]
	if !ok {
		e = &peerEntry{services: make(record.Snapshot)}
		s.peers[peer] = e
	}
	return e
}
