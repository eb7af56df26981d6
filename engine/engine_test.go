package engine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coalesced/memoize/key"
	"github.com/coalesced/memoize/store/local"
	"github.com/coalesced/memoize/strategy"
	"github.com/coalesced/memoize/strategy/ttl"
)

func newTestEngine(t *testing.T, settings Settings) *Engine {
	t.Helper()
	rows := local.NewCanonicalStore[key.Canonical](4)
	strat := ttl.New[key.Canonical](rows, strategy.Settings{DefaultExpiresIn: settings.DefaultExpiresIn}, nil)
	return New(Config{
		PrimaryRows:     rows,
		PrimaryStrategy: strat,
		Settings:        settings,
	})
}

// TestGetOrRun_Singleflight mirrors the teacher's TestCache_GetOrLoad_Singleflight:
// 100 concurrent callers for the same key must invoke the thunk exactly once
// and all observe the identical result.
func TestGetOrRun_Singleflight(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{MaxWaiters: 200, WaiterSleep: time.Millisecond})

	var calls int64
	thunk := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "the-value", nil
	}

	const n = 100
	var g errgroup.Group
	results := make([]any, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := e.GetOrRun("shared-key", thunk, Options{})
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("thunk must run exactly once, ran %d times", got)
	}
	for i, v := range results {
		if v != "the-value" {
			t.Fatalf("result[%d] = %v, want the-value", i, v)
		}
	}
}

func TestGetOrRun_CachesAcrossCalls(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{})
	var calls int64
	thunk := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		return 7, nil
	}

	for i := 0; i < 5; i++ {
		v, err := e.GetOrRun("k", thunk, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if v != 7 {
			t.Fatalf("want 7, got %v", v)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("thunk must run once across repeated calls, ran %d times", got)
	}
}

// TestGetOrRun_FailurePropagatesThenRetries checks that a failed thunk's
// error reaches the caller and does not poison the key for a later call.
func TestGetOrRun_FailurePropagatesThenRetries(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{})
	boom := errors.New("boom")

	_, err := e.GetOrRun("k", func() (any, error) { return nil, boom }, Options{})
	if err == nil {
		t.Fatal("expected an error")
	}
	var thunkErr *ThunkError
	if !errors.As(err, &thunkErr) {
		t.Fatalf("want a *ThunkError, got %T: %v", err, err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("ThunkError must unwrap to the original error")
	}

	v, err := e.GetOrRun("k", func() (any, error) { return "recovered", nil }, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v != "recovered" {
		t.Fatalf("want recovered, got %v", v)
	}
}

// TestGetOrRun_WaiterCapBacksOff checks that once MaxWaiters is reached,
// additional concurrent callers back off and re-dispatch rather than
// parking indefinitely; they must still eventually observe the result.
func TestGetOrRun_WaiterCapBacksOff(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{MaxWaiters: 1, WaiterSleep: time.Millisecond})

	release := make(chan struct{})
	var calls int64
	thunk := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return "done", nil
	}

	const n = 10
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := e.GetOrRun("k", thunk, Options{})
			if err != nil {
				return err
			}
			if v != "done" {
				return errors.New("unexpected value")
			}
			return nil
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("thunk must still run exactly once despite the waiter cap, ran %d times", got)
	}
}

func TestGetOrRun_PanicPropagatesAndClearsRow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the thunk's panic to propagate")
			}
		}()
		_, _ = e.GetOrRun("k", func() (any, error) { panic("thunk panic") }, Options{})
	}()

	v, err := e.GetOrRun("k", func() (any, error) { return "ok", nil }, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v != "ok" {
		t.Fatalf("row must have been cleared after the panic, got %v", v)
	}
}

// onReadOverride wraps a Strategy and lets a test force a single OnRead
// call to return Retry, exercising the coordinator's re-dispatch path
// without needing a real TTL deadline to elapse. Like a real expiry, it
// invalidates the entry before returning Retry, as the Retry contract
// requires.
type onReadOverride struct {
	strategy.Strategy[key.Canonical]
	retryLeft *int64
}

func (o onReadOverride) OnRead(k key.Canonical, value, ctx any) (strategy.Outcome, error) {
	if atomic.AddInt64(o.retryLeft, -1) >= 0 {
		if _, err := o.Strategy.Invalidate(k); err != nil {
			return strategy.Retry, err
		}
		return strategy.Retry, nil
	}
	return o.Strategy.OnRead(k, value, ctx)
}

// TestGetOrRun_RunnerResultGoesThroughOnRead checks that the runner's own
// completion return is dispatched through strategy.OnRead exactly like a
// waiter's result is: a strategy that vetoes the read the instant the value
// lands forces a re-dispatch rather than handing back the disowned value.
func TestGetOrRun_RunnerResultGoesThroughOnRead(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[key.Canonical](4)
	base := ttl.New[key.Canonical](rows, strategy.Settings{}, nil)
	retryLeft := int64(1)
	strat := onReadOverride{Strategy: base, retryLeft: &retryLeft}

	e := New(Config{
		PrimaryRows:     rows,
		PrimaryStrategy: strat,
	})

	var calls int64
	thunk := func() (any, error) {
		return atomic.AddInt64(&calls, 1), nil
	}

	v, err := e.GetOrRun("k", thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(2) {
		t.Fatalf("the vetoed first completion must force a second thunk run, want 2, got %v", v)
	}
}

type countingMetrics struct {
	hits, misses int64
}

func (m *countingMetrics) Hit()            { atomic.AddInt64(&m.hits, 1) }
func (m *countingMetrics) Miss()           { atomic.AddInt64(&m.misses, 1) }
func (m *countingMetrics) RunnerStarted()  {}
func (m *countingMetrics) RunnerFailed()   {}
func (m *countingMetrics) WaiterParked()   {}
func (m *countingMetrics) WaiterTimedOut() {}
func (m *countingMetrics) Invalidated(int) {}
func (m *countingMetrics) Evicted(int)     {}

func TestGetOrRun_RecordsMissThenHit(t *testing.T) {
	t.Parallel()

	rows := local.NewCanonicalStore[key.Canonical](4)
	strat := ttl.New[key.Canonical](rows, strategy.Settings{}, nil)
	m := &countingMetrics{}
	e := New(Config{PrimaryRows: rows, PrimaryStrategy: strat, Metrics: m})

	thunk := func() (any, error) { return "v", nil }
	if _, err := e.GetOrRun("k", thunk, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetOrRun("k", thunk, Options{}); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&m.misses); got != 1 {
		t.Fatalf("want 1 miss on the first (absent) lookup, got %d", got)
	}
	if got := atomic.LoadInt64(&m.hits); got != 1 {
		t.Fatalf("want 1 hit on the second (completed) lookup, got %d", got)
	}
}

func TestInvalidate_RemovesEntryAndReruns(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Settings{})
	var calls int64
	thunk := func() (any, error) {
		n := atomic.AddInt64(&calls, 1)
		return n, nil
	}

	first, err := e.GetOrRun("k", thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first != int64(1) {
		t.Fatalf("want 1, got %v", first)
	}

	n, err := e.Invalidate("k")
	if err != nil || n != 1 {
		t.Fatalf("want n=1 err=nil, got n=%d err=%v", n, err)
	}

	second, err := e.GetOrRun("k", thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second != int64(2) {
		t.Fatalf("Invalidate must force a rerun; want 2, got %v", second)
	}
}
