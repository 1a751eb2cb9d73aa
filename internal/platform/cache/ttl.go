package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultEvictFraction = 0.10
	minGenerations       = 1024
)

// Options configures a Store.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// EvictFraction is the share of entries dropped, oldest first, when the store is full.
	EvictFraction float64
	Now           func() time.Time
}

// Token captures the invalidation state of a key before a value is computed.
// SetIfCurrent refuses to store a value whose token went stale in the meantime.
type Token struct {
	gen   uint64
	epoch uint64
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	seq      uint64
}

// Stats reports counters collected by a Store.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Expired   uint64 `json:"expired"`
	Evicted   uint64 `json:"evicted"`
	Discarded uint64 `json:"discarded"`
}

// Store is a bounded in-memory map with per-entry TTL and lazy expiry.
type Store[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  map[K]entry[V]
	gens     map[K]uint64
	counter  uint64
	epoch    uint64
	seq      uint64
	ttl      time.Duration
	max      int
	fraction float64
	now      func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	expired   atomic.Uint64
	evicted   atomic.Uint64
	discarded atomic.Uint64
}

// NewStore builds a Store. A zero TTL keeps entries until evicted or deleted.
func NewStore[K comparable, V any](opts Options) *Store[K, V] {
	fraction := opts.EvictFraction
	if fraction <= 0 || fraction > 1 {
		fraction = defaultEvictFraction
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store[K, V]{
		entries:  make(map[K]entry[V]),
		gens:     make(map[K]uint64),
		ttl:      opts.TTL,
		max:      opts.MaxEntries,
		fraction: fraction,
		now:      now,
	}
}

// Get returns the stored value unless it expired, in which case it is removed.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	var zero V
	if !ok {
		s.misses.Add(1)
		return zero, false
	}
	if s.isExpired(e, s.now()) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur.seq == e.seq {
			delete(s.entries, key)
			s.expired.Add(1)
		}
		s.mu.Unlock()
		s.misses.Add(1)
		return zero, false
	}
	s.hits.Add(1)
	return e.value, true
}

// Token snapshots the invalidation state for key.
func (s *Store[K, V]) Token(key K) Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Token{gen: s.gens[key], epoch: s.epoch}
}

// Set stores value unconditionally.
func (s *Store[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

// SetIfCurrent stores value only when key was not invalidated since tok was taken.
func (s *Store[K, V]) SetIfCurrent(key K, value V, tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != tok.epoch || s.gens[key] != tok.gen {
		s.discarded.Add(1)
		return false
	}
	s.setLocked(key, value)
	return true
}

func (s *Store[K, V]) setLocked(key K, value V) {
	if _, exists := s.entries[key]; !exists && s.max > 0 && len(s.entries) >= s.max {
		s.evictOldestLocked()
	}
	s.seq++
	s.entries[key] = entry[V]{value: value, storedAt: s.now(), seq: s.seq}
}

// evictOldestLocked drops the oldest share of entries by insertion time.
func (s *Store[K, V]) evictOldestLocked() {
	type aged struct {
		key K
		at  time.Time
		seq uint64
	}
	all := make([]aged, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, aged{key: k, at: e.storedAt, seq: e.seq})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].seq < all[j].seq
		}
		return all[i].at.Before(all[j].at)
	})
	n := int(float64(s.max) * s.fraction)
	if n < 1 {
		n = 1
	}
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(s.entries, a.key)
	}
	s.evicted.Add(uint64(n))
}

// Delete removes key and invalidates any in-flight computation for it.
func (s *Store[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gens) >= s.genLimit() {
		s.resetGensLocked()
	}
	s.counter++
	s.gens[key] = s.counter
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// DeleteFunc removes every entry whose key matches. In-flight computations for any key
// are invalidated as well since their keys are not known yet.
func (s *Store[K, V]) DeleteFunc(match func(K) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	removed := 0
	for k := range s.entries {
		if match(k) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.entries = make(map[K]entry[V])
}

// Sweep removes expired entries and prunes invalidation bookkeeping.
func (s *Store[K, V]) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.isExpired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}
	if len(s.gens) > 0 {
		s.resetGensLocked()
	}
	s.expired.Add(uint64(removed))
	return removed
}

// resetGensLocked drops per-key invalidation state. Pending tokens carry the old epoch and
// are rejected after the reset.
func (s *Store[K, V]) resetGensLocked() {
	s.gens = make(map[K]uint64)
	s.epoch++
}

func (s *Store[K, V]) genLimit() int {
	if limit := 4 * s.max; limit > minGenerations {
		return limit
	}
	return minGenerations
}

// Len returns the number of stored entries, expired ones included.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns a counter snapshot.
func (s *Store[K, V]) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Expired:   s.expired.Load(),
		Evicted:   s.evicted.Load(),
		Discarded: s.discarded.Load(),
	}
}

func (s *Store[K, V]) isExpired(e entry[V], now time.Time) bool {
	return s.ttl > 0 && now.After(e.storedAt.Add(s.ttl))
}

// RunSweeper calls sweep every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, interval time.Duration, sweep func()) {
	if interval <= 0 || sweep == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
