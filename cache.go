// Package memoize is a concurrent memoization engine: at most one
// in-flight computation per key, with every concurrent caller for that
// key rendezvousing on its single result. See the engine, strategy and
// store subpackages for the coordinator, cache-strategy and backing-store
// components this package wires together.
package memoize

import (
	"fmt"

	"github.com/coalesced/memoize/engine"
	"github.com/coalesced/memoize/key"
	"github.com/coalesced/memoize/store"
	"github.com/coalesced/memoize/store/local"
	"github.com/coalesced/memoize/store/redisrow"
	"github.com/coalesced/memoize/strategy"
	"github.com/coalesced/memoize/strategy/eviction"
	"github.com/coalesced/memoize/strategy/ttl"
)

// Cache is a type-safe memoization cache over values of type V. Keys are
// arbitrary structured values, normalized internally via key.Normalize so
// that value-equal keys always coalesce onto the same row regardless of
// map key order or representation.
type Cache[V any] struct {
	eng    *engine.Engine
	logger Logger
}

// New constructs a Cache from cfg. If cfg.Redis is set, the Persistent
// backend is also wired up, sharing cfg.Strategy's kind and thresholds
// against a separate Redis-backed RowStore.
func New[V any](cfg Config) (*Cache[V], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	settings := strategy.Settings{
		MaxThreshold:     cfg.MaxThreshold,
		MinThreshold:     cfg.MinThreshold,
		DefaultExpiresIn: cfg.DefaultExpiresIn,
	}

	primaryRows := local.NewCanonicalStore[key.Canonical](cfg.Shards)
	primaryStrategy := newStrategy(cfg.Strategy, primaryRows, settings)

	econf := engine.Config{
		PrimaryRows:     primaryRows,
		PrimaryStrategy: primaryStrategy,
		Settings: engine.Settings{
			MaxThreshold:     cfg.MaxThreshold,
			MinThreshold:     cfg.MinThreshold,
			MaxWaiters:       cfg.MaxWaiters,
			WaiterSleep:      cfg.WaiterSleep,
			DefaultExpiresIn: cfg.DefaultExpiresIn,
		},
		Metrics: &metricsAdapter{m: metrics},
		Logger:  &loggerAdapter{l: logger},
	}

	if cfg.Redis != nil {
		ns := cfg.RedisNamespace
		if ns == "" {
			ns = "default"
		}
		persistentRows, err := redisrow.New[key.Canonical](cfg.Redis, ns)
		if err != nil {
			return nil, fmt.Errorf("memoize: building persistent store: %w", err)
		}
		econf.PersistentRows = persistentRows
		econf.PersistentStrategy = newStrategy(cfg.Strategy, persistentRows, settings)
		logger.Info("memoize: persistent backend enabled", Fields{"namespace": ns})
	}

	return &Cache[V]{eng: engine.New(econf), logger: logger}, nil
}

func newStrategy(kind StrategyKind, rows store.RowStore[key.Canonical], settings strategy.Settings) strategy.Strategy[key.Canonical] {
	switch kind {
	case StrategyEviction:
		return eviction.New[key.Canonical](rows, settings, nil)
	default:
		return ttl.New[key.Canonical](rows, settings, nil)
	}
}

// GetOrRun returns the memoized value for rawKey, invoking thunk at most
// once per absent-to-completed episode even under heavy concurrent
// contention for the same key. Concurrent callers block until the runner
// finishes and receive its exact result. If the runner fails, only the
// runner's own call returns the error; the blocked callers re-dispatch and
// one of them may run thunk again.
func (c *Cache[V]) GetOrRun(rawKey any, thunk func() (V, error), opts Options) (V, error) {
	val, err := c.eng.GetOrRun(rawKey, func() (any, error) {
		return thunk()
	}, engine.Options{
		Cache:     engine.Backend(opts.Cache),
		ExpiresIn: opts.ExpiresIn,
		Permanent: opts.Permanent,
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, ok := val.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("memoize: value for key %v is %T, not %T", rawKey, val, zero)
	}
	return v, nil
}

// Invalidate clears rawKey's entry from both the primary and (if
// configured) the persistent backend.
func (c *Cache[V]) Invalidate(rawKey any) (int, error) {
	return c.eng.Invalidate(rawKey)
}

// InvalidateAll clears every entry from both backends.
func (c *Cache[V]) InvalidateAll() (int, error) {
	return c.eng.InvalidateAll()
}

// GarbageCollect sweeps both backends' strategies for expired or
// over-threshold entries.
func (c *Cache[V]) GarbageCollect() (int, error) {
	return c.eng.GarbageCollect()
}

// metricsAdapter satisfies engine.Metrics by forwarding to the public
// Metrics interface, keeping the engine package decoupled from the root
// package's exported type.
type metricsAdapter struct{ m Metrics }

func (a *metricsAdapter) Hit()              { a.m.Hit() }
func (a *metricsAdapter) Miss()             { a.m.Miss() }
func (a *metricsAdapter) RunnerStarted()    { a.m.RunnerStarted() }
func (a *metricsAdapter) RunnerFailed()     { a.m.RunnerFailed() }
func (a *metricsAdapter) WaiterParked()     { a.m.WaiterParked() }
func (a *metricsAdapter) WaiterTimedOut()   { a.m.WaiterTimedOut() }
func (a *metricsAdapter) Invalidated(n int) { a.m.Invalidated(n) }
func (a *metricsAdapter) Evicted(n int)     { a.m.Evicted(n) }

var _ engine.Metrics = (*metricsAdapter)(nil)

// loggerAdapter satisfies engine.Logger by forwarding to the public Logger
// interface, keeping the engine package decoupled from the root package's
// exported type.
type loggerAdapter struct{ l Logger }

func (a *loggerAdapter) Debug(msg string, f engine.Fields) { a.l.Debug(msg, Fields(f)) }
func (a *loggerAdapter) Info(msg string, f engine.Fields)  { a.l.Info(msg, Fields(f)) }
func (a *loggerAdapter) Warn(msg string, f engine.Fields)  { a.l.Warn(msg, Fields(f)) }
func (a *loggerAdapter) Error(msg string, f engine.Fields) { a.l.Error(msg, Fields(f)) }

var _ engine.Logger = (*loggerAdapter)(nil)
