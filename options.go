package memoize

import (
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// StrategyKind selects which cache strategy backs a Cache (spec.md §4,
// "Cache Strategy").
type StrategyKind int

const (
	// StrategyDefault is the plain per-entry TTL strategy.
	StrategyDefault StrategyKind = iota
	// StrategyEviction is the byte-bounded LRU+TTL strategy.
	StrategyEviction
)

// Config configures a Cache at construction.
type Config struct {
	// Strategy selects Default or Eviction for the primary backend.
	Strategy StrategyKind

	// Shards is the primary in-memory store's shard count; <= 0 picks a
	// heuristic based on GOMAXPROCS.
	Shards int

	// MaxThreshold/MinThreshold bound the Eviction strategy's estimated
	// resident bytes; ignored by StrategyDefault.
	MaxThreshold int64
	MinThreshold int64

	// DefaultExpiresIn is the TTL StrategyDefault applies to an entry when
	// a call site does not override it via Options.ExpiresIn.
	// StrategyEviction does not use it: its entries expire only when
	// Options.ExpiresIn is set.
	DefaultExpiresIn time.Duration

	// MaxWaiters caps how many callers may park on one in-flight
	// computation before the coordinator makes new callers back off and
	// re-dispatch. <= 0 is treated as 1.
	MaxWaiters int
	// WaiterSleep is the backoff duration used when MaxWaiters is hit.
	WaiterSleep time.Duration

	// Redis, if non-nil, enables the Persistent backend: a process-global
	// named-value store shared across every process pointed at the same
	// server and namespace. It is a within-cluster convenience, not a
	// durability guarantee (spec design note on the persistent store).
	Redis          goredis.UniversalClient
	RedisNamespace string

	Metrics Metrics
	Logger  Logger
}

// Options are the per-call knobs passed to GetOrRun.
type Options struct {
	// Cache selects which backend this call targets. Zero value targets
	// the Primary (in-process) backend.
	Cache Backend
	// ExpiresIn overrides Config.DefaultExpiresIn for this entry.
	ExpiresIn time.Duration
	// Permanent suppresses LRU read-history recording under
	// StrategyEviction; ignored by StrategyDefault.
	Permanent bool
}

// Backend selects Primary or Persistent for a single call.
type Backend int

const (
	Primary Backend = iota
	Persistent
)
