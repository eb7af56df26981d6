// Package engine implements the Coordinator: the per-key Running/
// Completed state machine, producer/waiter rendezvous, and the
// invalidation/GC façade that dispatches to a primary and an optional
// persistent strategy (spec.md §4.3, §4.6).
//
// The coordinator itself is not generic over the caller's key type: every
// key is normalized to a key.Canonical by the caller before it reaches
// here, exactly as spec.md's Key Normalizer component requires. The
// generic, type-safe GetOrRun[V] wrapper lives in the root memoize
// package.
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coalesced/memoize/key"
	"github.com/coalesced/memoize/store"
	"github.com/coalesced/memoize/strategy"
)

// waiterTimeout is the liveness-watch patch described in spec.md's design
// notes: a waiter that has heard nothing for this long re-dispatches from
// the top rather than trusting the rendezvous channel forever. It is not
// cancellation of the underlying computation.
const waiterTimeout = 5000 * time.Millisecond

// backend is one (RowStore, Strategy) pair the coordinator can dispatch
// calls against.
type backend struct {
	rows     store.RowStore[key.Canonical]
	strategy strategy.Strategy[key.Canonical]
}

// Config wires the coordinator's dependencies together at construction.
// Persistent{Rows,Strategy} are optional; leaving both nil means the
// engine only ever serves the Primary backend and rejects calls that ask
// for Persistent.
type Config struct {
	PrimaryRows     store.RowStore[key.Canonical]
	PrimaryStrategy strategy.Strategy[key.Canonical]

	PersistentRows     store.RowStore[key.Canonical]
	PersistentStrategy strategy.Strategy[key.Canonical]

	Settings Settings
	Metrics  Metrics
	Logger   Logger
}

// Engine is the Coordinator (spec.md's "Coordinator" component).
type Engine struct {
	primary    backend
	persistent backend
	hasPersist bool

	settings Settings
	metrics  Metrics
	logger   Logger

	runnerSeq atomic.Uint64
	live      *liveness
}

// New constructs an Engine. cfg.PersistentRows/PersistentStrategy may both
// be nil to disable the Persistent backend entirely.
func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	l := cfg.Logger
	if l == nil {
		l = NopLogger{}
	}
	e := &Engine{
		primary:  backend{rows: cfg.PrimaryRows, strategy: cfg.PrimaryStrategy},
		settings: cfg.Settings.normalized(),
		metrics:  m,
		logger:   l,
		live:     newLiveness(),
	}
	if cfg.PersistentRows != nil && cfg.PersistentStrategy != nil {
		e.persistent = backend{rows: cfg.PersistentRows, strategy: cfg.PersistentStrategy}
		e.hasPersist = true
	}
	return e
}

func (e *Engine) backendFor(b Backend) (backend, error) {
	switch b {
	case Primary:
		return e.primary, nil
	case Persistent:
		if !e.hasPersist {
			return backend{}, fmt.Errorf("memoize: persistent backend is not configured")
		}
		return e.persistent, nil
	default:
		return backend{}, fmt.Errorf("memoize: unknown backend %d", b)
	}
}

// Thunk is the caller-supplied computation. It is invoked at most once
// per key per Running episode; concurrent callers for the same key
// rendezvous on its single result (spec.md §4.3, "single-flight").
type Thunk func() (any, error)

// GetOrRun implements the full dispatch algorithm of spec.md §4.3: an
// absent row is claimed and run by the calling goroutine; a Running row is
// waited on (subject to the waiter cap and the liveness-watch timeout); a
// Completed row is handed to the strategy's OnRead and returned, or the
// whole call re-dispatches if the strategy says Retry. rawKey is any
// structured value; it is normalized to a key.Canonical before touching
// the store.
func (e *Engine) GetOrRun(rawKey any, thunk Thunk, opts Options) (any, error) {
	return e.dispatch(key.Normalize(rawKey), thunk, opts)
}

func (e *Engine) dispatch(k key.Canonical, thunk Thunk, opts Options) (any, error) {
	bk, err := e.backendFor(opts.Cache)
	if err != nil {
		return nil, err
	}

	for {
		row, ok, err := bk.rows.Lookup(k)
		if err != nil {
			return nil, err
		}

		if !ok {
			e.metrics.Miss()
			runnerID, claimedRow, claimed, err := e.claim(bk, k)
			if err != nil {
				return nil, err
			}
			if !claimed {
				continue // lost the race to become runner; re-dispatch
			}
			val, retry, err := e.run(bk, k, runnerID, claimedRow, thunk, opts)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return val, nil
		}

		switch st := row.State.(type) {
		case store.Running:
			result, retry, err := e.parkOn(bk, k, row, st)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return result, nil

		case store.Completed:
			e.metrics.Hit()
			outcome, err := bk.strategy.OnRead(k, st.Value, st.Ctx)
			if err != nil {
				return nil, err
			}
			if outcome == strategy.Retry {
				continue
			}
			return st.Value, nil

		default:
			return nil, fmt.Errorf("memoize: key %q has unknown row state %T", k, row.State)
		}
	}
}

// claim attempts to InsertIfAbsent a fresh Running row for k, reporting
// whether this goroutine won the race to become the runner.
func (e *Engine) claim(bk backend, k key.Canonical) (runnerID uint64, row *store.Row, claimed bool, err error) {
	runnerID = e.runnerSeq.Add(1)
	row = &store.Row{State: store.Running{RunnerID: runnerID, Waiters: nil}}
	ok, err := bk.rows.InsertIfAbsent(k, row)
	if err != nil {
		return 0, nil, false, err
	}
	return runnerID, row, ok, nil
}

// run executes thunk as the runner for k, publishing the result (or a
// failure signal) to every waiter that parked on the Running row before
// it completes. Once published, the runner's own result is dispatched
// through the same strategy.OnRead gate a waiter's result goes through
// (afterSignal): a strategy that vetoes the read the instant it lands asks
// the caller to retry rather than handing back a value it just disowned.
func (e *Engine) run(bk backend, k key.Canonical, runnerID uint64, claimedRow *store.Row, thunk Thunk, opts Options) (any, bool, error) {
	e.metrics.RunnerStarted()
	// done is deferred for the whole of run, not just the thunk call: a
	// waiter watching this runner's liveness channel must not see it close
	// until the row has actually left Running (published or cleared).
	// Closing it the moment thunk() returns lets a waiter race into
	// afterRunnerGone and delete a row this goroutine is still about to
	// CAS, breaking single-flight.
	done := e.live.start(runnerID)
	defer done()

	var (
		value    any
		thunkErr error
		panicked any
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		value, thunkErr = thunk()
	}()

	if panicked != nil {
		e.metrics.RunnerFailed()
		e.clearFailed(bk, k, claimedRow)
		panic(panicked) // mirror x/sync/singleflight: recover, cleanup, re-panic
	}

	if thunkErr != nil {
		e.metrics.RunnerFailed()
		e.clearFailed(bk, k, claimedRow)
		return nil, false, &ThunkError{Key: string(k), Err: thunkErr}
	}

	ctx, err := bk.strategy.OnCache(k, value, strategy.CacheOptions{
		ExpiresIn: opts.ExpiresIn,
		Permanent: opts.Permanent,
	})
	if err != nil {
		e.clearFailed(bk, k, claimedRow)
		return nil, false, err
	}

	completed := &store.Row{State: store.Completed{Value: value, Ctx: ctx}}
	current := claimedRow
	for {
		ok, err := bk.rows.ReplaceIfEqual(k, current, completed)
		if err != nil {
			return nil, false, err
		}
		if ok {
			e.notifyWaiters(current, store.SignalCompleted)
			return e.afterPublish(bk, k, value, ctx)
		}
		// current lost the CAS. Waiters append to the Running row via their
		// own CAS as they park, so a failure here almost always means a
		// waiter joined between our read and our write; refetch and retry
		// against the latest row so their registrations aren't lost.
		row, ok, err := bk.rows.Lookup(k)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// Row vanished (e.g. a concurrent Invalidate) before we could
			// publish; the value we computed is still valid to hand back
			// to this call, but the store no longer reflects it.
			return e.afterPublish(bk, k, value, ctx)
		}
		running, stillOurs := row.State.(store.Running)
		if !stillOurs || running.RunnerID != runnerID {
			return e.afterPublish(bk, k, value, ctx)
		}
		current = row
	}
}

// afterPublish runs the just-completed value through strategy.OnRead before
// handing it to the runner's own caller, mirroring the gate every waiter's
// result passes through in afterSignal.
func (e *Engine) afterPublish(bk backend, k key.Canonical, value any, ctx any) (any, bool, error) {
	outcome, err := bk.strategy.OnRead(k, value, ctx)
	if err != nil {
		return nil, false, err
	}
	if outcome == strategy.Retry {
		return nil, true, nil
	}
	return value, false, nil
}

// clearFailed deletes the claimed Running row and wakes every waiter that
// had parked on it with a failure signal. A waiter that parked replaced the
// claimed row with one listing it, so the delete is retried against the
// latest row for as long as that row is still this runner's.
func (e *Engine) clearFailed(bk backend, k key.Canonical, claimedRow *store.Row) {
	claimed, _ := claimedRow.State.(store.Running)
	current := claimedRow
	for {
		ok, err := bk.rows.DeleteIfEqual(k, current)
		if err != nil {
			return
		}
		if ok {
			e.notifyWaiters(current, store.SignalFailed)
			return
		}
		row, found, err := bk.rows.Lookup(k)
		if err != nil || !found {
			return
		}
		running, stillOurs := row.State.(store.Running)
		if !stillOurs || running.RunnerID != claimed.RunnerID {
			return
		}
		current = row
	}
}

func (e *Engine) notifyWaiters(row *store.Row, sig store.Signal) {
	running, ok := row.State.(store.Running)
	if !ok {
		return
	}
	for _, w := range running.Waiters {
		w.Notify(sig)
	}
}

// parkOn adds a waiter to row's Running state (subject to MaxWaiters) and
// blocks until the runner signals completion, the liveness watch reports
// the runner gone, or waiterTimeout elapses. The bool return reports
// whether the caller must re-dispatch from the top rather than trust the
// result.
func (e *Engine) parkOn(bk backend, k key.Canonical, row *store.Row, running store.Running) (any, bool, error) {
	if len(running.Waiters) >= e.settings.MaxWaiters {
		time.Sleep(e.settings.WaiterSleep)
		return nil, true, nil
	}

	waiterID := e.runnerSeq.Add(1)
	w := store.NewWaiter(waiterID)
	next := &store.Row{State: store.Running{RunnerID: running.RunnerID, Waiters: append(append([]*store.Waiter{}, running.Waiters...), w)}}
	ok, err := bk.rows.ReplaceIfEqual(k, row, next)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil // row changed underneath us; re-dispatch
	}
	e.metrics.WaiterParked()

	alive := e.live.watch(running.RunnerID)
	timer := time.NewTimer(waiterTimeout)
	defer timer.Stop()

	select {
	case sig := <-w.C():
		return e.afterSignal(bk, k, sig)
	case <-alive:
		// Runner's goroutine finished without this waiter's signal firing.
		// Give the row one more look: the runner may have completed and
		// notified concurrently with liveness teardown.
		return e.afterRunnerGone(bk, k, running.RunnerID)
	case <-timer.C:
		e.metrics.WaiterTimedOut()
		return nil, true, nil // liveness-watch patch: re-dispatch, don't cancel
	}
}

func (e *Engine) afterSignal(bk backend, k key.Canonical, sig store.Signal) (any, bool, error) {
	if sig == store.SignalFailed {
		return nil, true, nil // re-dispatch; the runner cleared the row already
	}
	row, ok, err := bk.rows.Lookup(k)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil
	}
	completed, ok := row.State.(store.Completed)
	if !ok {
		return nil, true, nil
	}
	outcome, err := bk.strategy.OnRead(k, completed.Value, completed.Ctx)
	if err != nil {
		return nil, false, err
	}
	if outcome == strategy.Retry {
		return nil, true, nil
	}
	return completed.Value, false, nil
}

// afterRunnerGone handles a waiter observing its runner's liveness channel
// close without ever receiving a completion/failure signal. RunnerDeathError
// is never handed back to a caller (spec.md §7): the row is cleared so the
// next dispatch becomes the new runner, and this waiter simply re-dispatches
// like any other caller racing for a cleared key.
func (e *Engine) afterRunnerGone(bk backend, k key.Canonical, runnerID uint64) (any, bool, error) {
	row, ok, err := bk.rows.Lookup(k)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if running, stillRunning := row.State.(store.Running); stillRunning && running.RunnerID == runnerID {
			// The runner vanished without ever clearing or completing the
			// row: treat it as a runner death, log it internally via the
			// metrics seam, and clear the row so a fresh dispatch can claim
			// it rather than surfacing the error to this waiter's caller.
			// Every waiter listed on the cleared row gets a failure signal.
			if deleted, _ := bk.rows.DeleteIfEqual(k, row); deleted {
				e.notifyWaiters(row, store.SignalFailed)
			}
			e.metrics.RunnerFailed()
		}
	}
	return nil, true, nil
}
