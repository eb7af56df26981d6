// Package expindex implements the expiration index described in spec.md's
// data model: an ordered set keyed by (expiredAtUnixNano, uniqueCounter)
// mapping to a cache key, ordered ascending so the soonest-to-expire entry
// is always at the head. Both the Default (TTL) and Eviction strategies
// use one of these to sweep expired entries in O(log N) per removal.
//
// google/btree is not safe for concurrent use on its own; Index adds the
// mutex the strategies need to share it across caller goroutines.
package expindex

import (
	"sync"

	"github.com/google/btree"
)

type entry[K comparable] struct {
	expiredAt int64
	counter   uint64
	key       K
}

func less[K comparable](a, b entry[K]) bool {
	if a.expiredAt != b.expiredAt {
		return a.expiredAt < b.expiredAt
	}
	return a.counter < b.counter
}

// Index is a concurrency-safe (expiredAt, counter) -> key ordered index.
type Index[K comparable] struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[entry[K]]
	counter uint64
}

// New constructs an empty Index.
func New[K comparable]() *Index[K] {
	return &Index[K]{tree: btree.NewG(32, less[K])}
}

// Insert records that key expires at expiredAt and returns the unique
// counter assigned to disambiguate ties.
func (ix *Index[K]) Insert(expiredAt int64, key K) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.counter++
	c := ix.counter
	ix.tree.ReplaceOrInsert(entry[K]{expiredAt: expiredAt, counter: c, key: key})
	return c
}

// Remove deletes the specific (expiredAt, counter) entry, if present.
func (ix *Index[K]) Remove(expiredAt int64, counter uint64, key K) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.Delete(entry[K]{expiredAt: expiredAt, counter: counter, key: key})
}

// Len reports the number of tracked entries.
func (ix *Index[K]) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Len()
}

// Reset discards every tracked entry, for a caller (InvalidateAll) that has
// just removed every row the index could possibly point to.
func (ix *Index[K]) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.Clear(false)
}

// SweepExpired repeatedly pops the head entry while its expiredAt is
// strictly less than now, invoking onExpired(key) for each. It tolerates
// onExpired reporting the key as already gone (no-op) and re-reads the
// head after every removal, matching the spec's "tolerates concurrent
// removal of the head" requirement. It stops at the first head whose
// deadline has not yet passed. Returns the keys it popped, in order.
func (ix *Index[K]) SweepExpired(now int64, onExpired func(key K)) []K {
	var popped []K
	for {
		ix.mu.Lock()
		min, ok := ix.tree.Min()
		if !ok || min.expiredAt >= now {
			ix.mu.Unlock()
			return popped
		}
		ix.tree.Delete(min)
		ix.mu.Unlock()

		onExpired(min.key)
		popped = append(popped, min.key)
	}
}
