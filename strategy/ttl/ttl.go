// Package ttl implements the Default cache strategy: a plain per-entry TTL
// with no eviction pressure (spec.md §4.4). Context attached to each
// completed row is the absolute expiry deadline, or infinite if the entry
// never expires.
package ttl

import (
	"time"

	"github.com/coalesced/memoize/store"
	"github.com/coalesced/memoize/strategy"
	"github.com/coalesced/memoize/strategy/expindex"
)

// Clock abstracts time.Now for deterministic tests, matching the teacher
// cache's Clock interface.
type Clock interface{ NowUnixNano() int64 }

type realClock struct{}

func (realClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// infinite marks a context that never expires.
const infinite = int64(-1)

// ctx is the opaque per-entry context (spec.md data model: "Default
// strategy: expired_at: monotonic-ms | ∞").
type ctx struct {
	expiredAt int64 // UnixNano deadline, or `infinite`
	counter   uint64
}

// Strategy is the Default TTL cache strategy bound to a single RowStore.
type Strategy[K comparable] struct {
	rows       store.RowStore[K]
	clock      Clock
	defaultTTL time.Duration

	idx *expindex.Index[K]
}

// New constructs a Default strategy over rows, using settings.DefaultExpiresIn
// as the TTL applied when a call site does not override it. A nil clock
// defaults to the real wall clock.
func New[K comparable](rows store.RowStore[K], settings strategy.Settings, clock Clock) *Strategy[K] {
	if clock == nil {
		clock = realClock{}
	}
	return &Strategy[K]{
		rows:       rows,
		clock:      clock,
		defaultTTL: settings.DefaultExpiresIn,
		idx:        expindex.New[K](),
	}
}

func (s *Strategy[K]) OnCache(key K, _ any, opts strategy.CacheOptions) (any, error) {
	ttl := opts.ExpiresIn
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		return ctx{expiredAt: infinite}, nil
	}
	expiredAt := s.clock.NowUnixNano() + int64(ttl)
	counter := s.idx.Insert(expiredAt, key)
	return ctx{expiredAt: expiredAt, counter: counter}, nil
}

func (s *Strategy[K]) OnRead(key K, _ any, c any) (strategy.Outcome, error) {
	tc, ok := c.(ctx)
	if !ok || tc.expiredAt == infinite {
		return strategy.Ok, nil
	}
	if s.clock.NowUnixNano() > tc.expiredAt {
		if _, err := s.Invalidate(key); err != nil {
			return strategy.Retry, err
		}
		return strategy.Retry, nil
	}
	return strategy.Ok, nil
}

func (s *Strategy[K]) InvalidateAll() (int, error) {
	n, err := s.rows.SelectDelete(func(_ K, row *store.Row) bool {
		_, completed := row.State.(store.Completed)
		return completed
	})
	s.idx.Reset()
	return n, err
}

// Invalidate removes key's Completed row and, if it carried an expiry, the
// index entry tracking that expiry. Without this the index keeps a stale
// (expiredAt, counter) pointing at key; a later sweep would pop it and
// invalidate whatever fresh value key holds by then, even though that
// value's own deadline hasn't passed.
func (s *Strategy[K]) Invalidate(key K) (int, error) {
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
	if c, ok := completed.Ctx.(ctx); ok && c.expiredAt != infinite {
		s.idx.Remove(c.expiredAt, c.counter, key)
	}
	return 1, nil
}

// GarbageCollect sweeps the expiration index from its head, invalidating
// every entry whose deadline has passed, and stops at the first entry
// still in the future.
func (s *Strategy[K]) GarbageCollect() (int, error) {
	now := s.clock.NowUnixNano()
	removed := 0
	var firstErr error
	s.idx.SweepExpired(now, func(key K) {
		n, err := s.Invalidate(key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		removed += n
	})
	return removed, firstErr
}

var _ strategy.Strategy[string] = (*Strategy[string])(nil)
