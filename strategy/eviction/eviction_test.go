package eviction

import (
	"testing"
	"time"

	"github.com/coalesced/memoize/store"
	"github.com/coalesced/memoize/store/local"
	"github.com/coalesced/memoize/strategy"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func cache(t *testing.T, rows *local.Store[string], s *Strategy[string], key string) {
	t.Helper()
	ctx, err := s.OnCache(key, key, strategy.CacheOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rows.InsertIfAbsent(key, &store.Row{State: store.Completed{Value: key, Ctx: ctx}}); err != nil {
		t.Fatal(err)
	}
}

// TestStrategy_LRURanksLeastRecentlyReadFirst mirrors the teacher's
// deterministic single-shard LRU eviction test: reading "a" should
// promote it above "b", so a forced GC evicts "b" first.
func TestStrategy_LRURanksLeastRecentlyReadFirst(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[string](1)
	clk := &fakeClock{}
	s := New[string](rows, strategy.Settings{MaxThreshold: 2 * averageEntrySize, MinThreshold: averageEntrySize}, clk)

	cache(t, rows, s, "a")
	cache(t, rows, s, "b")

	if _, err := s.OnRead("a", "a", ctx{}); err != nil {
		t.Fatal(err)
	}

	n, err := s.GarbageCollect()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want exactly one eviction to reach MinThreshold, got %d", n)
	}
	if _, ok, _ := rows.Lookup("b"); ok {
		t.Fatal("b should have been evicted as least-recently-read")
	}
	if _, ok, _ := rows.Lookup("a"); !ok {
		t.Fatal("a should survive: it was read more recently")
	}
}

func TestStrategy_PermanentEntrySurvivesGC(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[string](1)
	clk := &fakeClock{}
	s := New[string](rows, strategy.Settings{MaxThreshold: 2 * averageEntrySize, MinThreshold: 0}, clk)

	permCtx, err := s.OnCache("perm", "v", strategy.CacheOptions{Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = rows.InsertIfAbsent("perm", &store.Row{State: store.Completed{Value: "v", Ctx: permCtx}})
	if _, err := s.OnRead("perm", "v", permCtx); err != nil {
		t.Fatal(err)
	}

	cache(t, rows, s, "ephemeral")
	if _, err := s.OnRead("ephemeral", "ephemeral", ctx{}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GarbageCollect(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := rows.Lookup("perm"); !ok {
		t.Fatal("permanent entries must never be GC candidates")
	}
}

func TestStrategy_TTLExpiryTriggersRetry(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[string](4)
	clk := &fakeClock{}
	s := New[string](rows, strategy.Settings{}, clk)

	c, err := s.OnCache("k", "v", strategy.CacheOptions{ExpiresIn: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = rows.InsertIfAbsent("k", &store.Row{State: store.Completed{Value: "v", Ctx: c}})

	clk.add(20 * time.Millisecond)
	outcome, err := s.OnRead("k", "v", c)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != strategy.Retry {
		t.Fatal("TTL-expired entry must report Retry")
	}
}

// TestStrategy_ReCacheAfterInvalidateSurvivesClearExpired guards against a
// stale expiration-index entry outliving an explicit Invalidate: without
// removing the old (expiredAt, counter) entry, re-caching the same key
// with a long TTL leaves the index with both the stale entry and the
// fresh one, and the next clearExpired pass (run on every OnRead) would
// pop the stale one and delete the fresh, unexpired row.
func TestStrategy_ReCacheAfterInvalidateSurvivesClearExpired(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[string](4)
	clk := &fakeClock{}
	s := New[string](rows, strategy.Settings{}, clk)

	shortCtx, err := s.OnCache("k", "short", strategy.CacheOptions{ExpiresIn: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = rows.InsertIfAbsent("k", &store.Row{State: store.Completed{Value: "short", Ctx: shortCtx}})

	if _, err := s.Invalidate("k"); err != nil {
		t.Fatal(err)
	}

	longCtx, err := s.OnCache("k", "long", strategy.CacheOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = rows.InsertIfAbsent("k", &store.Row{State: store.Completed{Value: "long", Ctx: longCtx}})

	clk.add(20 * time.Millisecond) // past the stale short entry's deadline, well short of the fresh one's

	if outcome, err := s.OnRead("k", "long", longCtx); err != nil {
		t.Fatal(err)
	} else if outcome != strategy.Ok {
		t.Fatalf("the fresh hour-long entry must still read Ok, got %v", outcome)
	}
	if _, ok, _ := rows.Lookup("k"); !ok {
		t.Fatal("the fresh entry must survive the clearExpired pass triggered by this read")
	}
}

func TestStrategy_GarbageCollectNoopBelowMaxThreshold(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[string](4)
	s := New[string](rows, strategy.Settings{}, nil) // MaxThreshold == 0 => unbounded
	cache(t, rows, s, "a")

	n, err := s.GarbageCollect()
	if err != nil || n != 0 {
		t.Fatalf("unbounded strategy must never GC, got n=%d err=%v", n, err)
	}
}
