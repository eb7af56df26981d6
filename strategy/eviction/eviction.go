// Package eviction implements the Eviction cache strategy: a byte-bounded
// LRU with an optional per-entry TTL (spec.md §4.5). Recency is tracked by
// an intrusive MRU/LRU list, adapted from the teacher cache's shard list;
// GarbageCollect trims from the tail until estimated usage drops to
// MinThreshold, giving hysteresis so GC does not thrash right at the
// boundary.
package eviction

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coalesced/memoize/store"
	"github.com/coalesced/memoize/strategy"
	"github.com/coalesced/memoize/strategy/expindex"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type realClock struct{}

func (realClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// ctx is the opaque per-entry context: the permanence flag, per spec.md's
// data model for the Eviction strategy, plus the expiration index's own
// (expiredAt, counter) handle when the entry carries a TTL, so that handle
// can be removed from the index again on invalidation rather than left to
// rot and get swept against a key's later, unrelated value.
type ctx struct {
	permanent bool
	hasExpiry bool
	expiredAt int64
	counter   uint64
}

// averageEntrySize is the coarse per-entry byte estimate used by
// UsedBytes, matching the "map_count x average_entry_size" accounting
// scheme spec.md's design notes call out as an acceptable estimator.
const averageEntrySize = 256

// Strategy is the byte-bounded LRU+TTL cache strategy bound to a single
// RowStore.
type Strategy[K comparable] struct {
	rows  store.RowStore[K]
	clock Clock

	maxThreshold int64
	minThreshold int64

	idx *expindex.Index[K]

	mu   sync.Mutex
	list *lruList[K]

	entries atomic.Int64 // resident row count, tracked for UsedBytes
}

// New constructs an Eviction strategy over rows using the byte thresholds
// in settings. A nil clock defaults to the real wall clock.
func New[K comparable](rows store.RowStore[K], settings strategy.Settings, clock Clock) *Strategy[K] {
	if clock == nil {
		clock = realClock{}
	}
	return &Strategy[K]{
		rows:         rows,
		clock:        clock,
		maxThreshold: settings.MaxThreshold,
		minThreshold: settings.MinThreshold,
		idx:          expindex.New[K](),
		list:         newLRUList[K](),
	}
}

// UsedBytes is the coarse resident-size estimate described in spec.md §4.5.
func (s *Strategy[K]) UsedBytes() int64 {
	return s.entries.Load() * averageEntrySize
}

func (s *Strategy[K]) OnCache(key K, _ any, opts strategy.CacheOptions) (any, error) {
	if s.maxThreshold > 0 && s.UsedBytes() > s.maxThreshold {
		if _, err := s.GarbageCollect(); err != nil {
			return nil, err
		}
	}
	s.entries.Add(1)

	c := ctx{permanent: opts.Permanent}
	if opts.ExpiresIn > 0 {
		c.expiredAt = s.clock.NowUnixNano() + int64(opts.ExpiresIn)
		c.counter = s.idx.Insert(c.expiredAt, key)
		c.hasExpiry = true
	}

	// Touch the list at insertion so an entry that is cached and never
	// read again is still an eviction candidate, ranked by insertion order
	// until a later OnRead promotes it to MRU. Permanent entries never
	// enter the list, so they are never candidates.
	if !opts.Permanent {
		s.mu.Lock()
		s.list.Touch(key)
		s.mu.Unlock()
	}
	return c, nil
}

func (s *Strategy[K]) OnRead(key K, _ any, c any) (strategy.Outcome, error) {
	if s.clearExpired(key) {
		return strategy.Retry, nil
	}

	ec, ok := c.(ctx)
	if ok && ec.permanent {
		return strategy.Ok, nil
	}
	s.mu.Lock()
	s.list.Touch(key)
	s.mu.Unlock()
	return strategy.Ok, nil
}

// clearExpired walks the expiration index from its head, invalidating
// every entry whose deadline has passed, and reports whether readKey was
// among the entries it evicted.
func (s *Strategy[K]) clearExpired(readKey K) bool {
	now := s.clock.NowUnixNano()
	evicted := s.idx.SweepExpired(now, func(k K) {
		_, _ = s.invalidateLocked(k)
	})
	for _, k := range evicted {
		if k == readKey {
			return true
		}
	}
	return false
}

// invalidateLocked removes key's Completed row and, if it carried a TTL,
// the matching index entry. Leaving that entry behind would let a later
// sweep pop it past its deadline and invalidate whatever unrelated value
// key holds by then (see clearExpired).
func (s *Strategy[K]) invalidateLocked(key K) (int, error) {
	row, ok, err := s.rows.Lookup(key)
	if err != nil || !ok {
		return 0, err
	}
	completed, ok := row.State.(store.Completed)
	if !ok {
		return 0, nil
	}
	deleted, err := s.rows.DeleteIfEqual(key, row)
	if err != nil || !deleted {
		return 0, err
	}
	if c, ok := completed.Ctx.(ctx); ok && c.hasExpiry {
		s.idx.Remove(c.expiredAt, c.counter, key)
	}
	s.entries.Add(-1)
	s.mu.Lock()
	s.list.Remove(key)
	s.mu.Unlock()
	return 1, nil
}

func (s *Strategy[K]) InvalidateAll() (int, error) {
	n, err := s.rows.SelectDelete(func(_ K, row *store.Row) bool {
		_, completed := row.State.(store.Completed)
		return completed
	})
	if n > 0 {
		s.entries.Add(-int64(n))
	}
	s.idx.Reset()
	s.mu.Lock()
	s.list.Reset()
	s.mu.Unlock()
	return n, err
}

func (s *Strategy[K]) Invalidate(key K) (int, error) {
	return s.invalidateLocked(key)
}

// GarbageCollect evicts from the tail of the MRU/LRU list — the least
// recently used entries first — until estimated usage drops to
// MinThreshold. Permanent entries are absent from the list so they are
// never candidates. A nil/zero MaxThreshold disables GC entirely.
func (s *Strategy[K]) GarbageCollect() (int, error) {
	if s.maxThreshold <= 0 {
		return 0, nil
	}
	if s.UsedBytes() <= s.minThreshold {
		return 0, nil
	}

	removed := 0
	for s.UsedBytes() > s.minThreshold {
		s.mu.Lock()
		key, ok := s.list.Back()
		s.mu.Unlock()
		if !ok {
			break
		}
		n, err := s.invalidateLocked(key)
		if err != nil {
			return removed, err
		}
		removed += n
		if n == 0 {
			// The row backing this list entry was already gone (e.g. raced
			// with a concurrent Invalidate); drop it from the list so GC
			// doesn't spin on it forever.
			s.mu.Lock()
			s.list.Remove(key)
			s.mu.Unlock()
		}
	}
	return removed, nil
}

var _ strategy.Strategy[string] = (*Strategy[string])(nil)
