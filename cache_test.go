package memoize

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type testKey struct {
	Tenant string
	ID     int
}

func TestCache_GetOrRun_Singleflight(t *testing.T) {
	t.Parallel()

	c, err := New[string](Config{MaxWaiters: 64, WaiterSleep: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	var calls int64
	thunk := func() (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(15 * time.Millisecond)
		return "value", nil
	}

	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := c.GetOrRun(testKey{Tenant: "acme", ID: 1}, thunk, Options{})
			if err != nil {
				return err
			}
			if v != "value" {
				return errors.New("unexpected value")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("want exactly 1 thunk invocation, got %d", got)
	}
}

func TestCache_StructuredKeysNormalize(t *testing.T) {
	t.Parallel()

	c, err := New[int](Config{})
	if err != nil {
		t.Fatal(err)
	}

	var calls int64
	thunk := func() (int, error) {
		return int(atomic.AddInt64(&calls, 1)), nil
	}

	a := map[string]any{"tenant": "acme", "id": 1}
	b := map[string]any{"id": 1, "tenant": "acme"}

	v1, err := c.GetOrRun(a, thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.GetOrRun(b, thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("differently-ordered but value-equal keys must share a cache entry, got %d and %d", v1, v2)
	}
}

func TestCache_TTLExpiryReinvokesThunk(t *testing.T) {
	t.Parallel()

	c, err := New[int](Config{DefaultExpiresIn: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var calls int64
	thunk := func() (int, error) { return int(atomic.AddInt64(&calls, 1)), nil }

	first, err := c.GetOrRun("k", thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	second, err := c.GetOrRun("k", thunk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expired entry must re-run the thunk")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	t.Parallel()

	c, err := New[int](Config{})
	if err != nil {
		t.Fatal(err)
	}
	var calls int64
	thunk := func() (int, error) { return int(atomic.AddInt64(&calls, 1)), nil }

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.GetOrRun(k, thunk, Options{}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.InvalidateAll()
	if err != nil || n != 3 {
		t.Fatalf("want n=3 err=nil, got n=%d err=%v", n, err)
	}
}
