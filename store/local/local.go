// Package local implements the primary (in-process) RowStore variant: a
// sharded concurrent map giving true single-word CAS per row, grounded in
// the teacher cache's sharded-map design (one RWMutex + map per shard,
// shard count chosen as a power of two near 2*GOMAXPROCS).
package local

import (
	"sync"

	"github.com/coalesced/memoize/internal/util"
	"github.com/coalesced/memoize/store"
)

// Store is a sharded RowStore[K]. Zero value is not usable; construct with
// New or NewCanonicalStore.
type Store[K comparable] struct {
	shards []*shard[K]
	hash   func(K) uint64
}

type shard[K comparable] struct {
	mu sync.RWMutex
	m  map[K]*store.Row
	// size is tracked separately from len(m) so Len() never needs to take
	// every shard's lock; padded to a full cache line so adjacent shards'
	// counters don't false-share under concurrent access.
	size util.PaddedAtomicInt64
}

// New constructs a Store with the given shard count (rounded up to the
// next power of two) and hash function. shards<=0 picks a heuristic count
// based on GOMAXPROCS, matching ReasonableShardCount in the teacher cache.
func New[K comparable](shards int, hash func(K) uint64) *Store[K] {
	if shards <= 0 {
		shards = util.ReasonableShardCount()
	} else {
		shards = int(util.NextPow2(uint64(shards)))
	}

	s := &Store[K]{
		shards: make([]*shard[K], shards),
		hash:   hash,
	}
	for i := range s.shards {
		s.shards[i] = &shard[K]{m: make(map[K]*store.Row)}
	}
	return s
}

// NewCanonicalStore is a convenience constructor for the common case of
// string-like normalized keys (key.Canonical satisfies this via ~string).
func NewCanonicalStore[K ~string](shards int) *Store[K] {
	return New[K](shards, func(k K) uint64 { return util.Fnv64a(string(k)) })
}

func (s *Store[K]) shardFor(k K) *shard[K] {
	idx := util.ShardIndex(s.hash(k), len(s.shards))
	return s.shards[idx]
}

func (s *Store[K]) InsertIfAbsent(key K, row *store.Row) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[key]; exists {
		return false, nil
	}
	sh.m[key] = row
	sh.size.Add(1)
	return true, nil
}

func (s *Store[K]) Lookup(key K) (*store.Row, bool, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	row, ok := sh.m[key]
	return row, ok, nil
}

func (s *Store[K]) ReplaceIfEqual(key K, expected, next *store.Row) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	if !ok || cur != expected {
		return false, nil
	}
	sh.m[key] = next
	return true, nil
}

func (s *Store[K]) DeleteIfEqual(key K, expected *store.Row) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	if !ok || cur != expected {
		return false, nil
	}
	delete(sh.m, key)
	sh.size.Add(-1)
	return true, nil
}

func (s *Store[K]) SelectDelete(pred func(key K, row *store.Row) bool) (int, error) {
	count := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed := 0
		for k, row := range sh.m {
			if pred(k, row) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
		if removed > 0 {
			sh.size.Add(-int64(removed))
			count += removed
		}
	}
	return count, nil
}

// Len reports the total number of rows currently stored, summed across
// shards without taking any shard's lock.
func (s *Store[K]) Len() int {
	var n int64
	for _, sh := range s.shards {
		n += sh.size.Load()
	}
	return int(n)
}

var _ store.RowStore[string] = (*Store[string])(nil)
