// Package store holds the two in-memory maps the mirror works from: services
// observed natively on the local segment, and services mirrored from peers.
package store

import (
	"sync"

	"github.com/cuza/mDNS-Mirror/internal/metrics"
	"github.com/cuza/mDNS-Mirror/internal/record"
)

// LocalStore is the set of services observed natively on this node's
// segment, keyed by full instance name. It never contains a record that a
// peer asked this node to announce.
type LocalStore struct {
	mu       sync.RWMutex
	services record.Snapshot
}

// NewLocalStore returns an empty store.
func NewLocalStore() *LocalStore {
	return &LocalStore{services: make(record.Snapshot)}
}

// Put inserts or overwrites rec and reports whether the stored value changed.
func (s *LocalStore) Put(rec record.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.services[rec.Name]
	if ok && prev.Equal(rec) {
		return false
	}
	s.services[rec.Name] = rec.Clone()
	metrics.LocalServices.Set(float64(len(s.services)))
	return true
}

// Remove deletes name and reports whether it was present.
func (s *LocalStore) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[name]; !ok {
		return false
	}
	delete(s.services, name)
	metrics.LocalServices.Set(float64(len(s.services)))
	return true
}

// Get returns a copy of the record stored under name.
func (s *LocalStore) Get(name string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.services[name]
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns a deep copy of the whole store. Later mutations do not
// affect the returned value.
func (s *LocalStore) Snapshot() record.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services.Clone()
}

// Len returns the number of stored services.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}
