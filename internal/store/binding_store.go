// Package store implements the two concurrent in-memory stores the data
// plane and load balancer read on every request: the binding store
// (client-ip -> backend-id session affinity, with TTL GC) and the metrics
// store (per-backend connection counts and RTT). BindingStore is a sharded
// map with one RWMutex per shard, so contention is confined to a shard.
// MetricsStore is a single RWMutex-guarded map whose counters are updated
// with atomics; it is not sharded. In both, a writer waits for readers
// holding the same lock.
package store

import (
	"hash/fnv"
	"net"
	"sync"
	"time"
)

// shardCount is the number of independent buckets in BindingStore. A power
// of two keeps the modulo a mask.
const shardCount = 32

// ClientKey is the opaque equivalence class used for session affinity:
// currently the client IP address (spec.md §3, §GLOSSARY).
type ClientKey struct {
	ip string // net.IP.String() normal form
}

// NewClientKey builds a ClientKey from a net.IP.
func NewClientKey(ip net.IP) ClientKey {
	return ClientKey{ip: ip.String()}
}

func (k ClientKey) shard() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.ip))
	return h.Sum32() % shardCount
}

// Binding records which backend a client is pinned to for session affinity.
type Binding struct {
	BackendID string
	CreatedAt time.Time
	LastSeen  time.Time
}

type bindingShard struct {
	mu      sync.RWMutex
	entries map[ClientKey]Binding
}

// BindingStore is a sharded, concurrent map of ClientKey -> Binding.
// Readers never block writers across shards; within a shard a fine-grained
// RWMutex serializes writers while letting reads proceed concurrently with
// each other (spec.md §4.3, §5).
type BindingStore struct {
	shards [shardCount]*bindingShard
}

func NewBindingStore() *BindingStore {
	s := &BindingStore{}
	for i := range s.shards {
		s.shards[i] = &bindingShard{entries: make(map[ClientKey]Binding)}
	}
	return s
}

func (s *BindingStore) shardFor(k ClientKey) *bindingShard {
	return s.shards[k.shard()]
}

// Get returns a snapshot clone of the Binding for k, if present.
func (s *BindingStore) Get(k ClientKey) (Binding, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	b, ok := sh.entries[k]
	return b, ok
}

// Set upserts k -> b. No atomicity with Get beyond per-entry.
func (s *BindingStore) Set(k ClientKey, b Binding) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[k] = b
}

// Remove deletes k. No-op if absent, never fails.
func (s *BindingStore) Remove(k ClientKey) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, k)
}

// Touch refreshes LastSeen for k if present; a no-op for absent keys.
func (s *BindingStore) Touch(k ClientKey) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.entries[k]
	if !ok {
		return
	}
	b.LastSeen = time.Now()
	sh.entries[k] = b
}

// CleanupExpired scans every shard and removes entries with
// now-LastSeen > ttl. May run concurrently with reads/writes; a binding
// touched during the scan may survive even if it would otherwise have been
// due for removal (spec.md §4.3, §8 invariant 7).
func (s *BindingStore) CleanupExpired(ttl time.Duration) int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, b := range sh.entries {
			if now.Sub(b.LastSeen) > ttl {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Count returns an approximate size; not required to be exact under
// concurrent mutation.
func (s *BindingStore) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
