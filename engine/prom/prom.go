// Package prom adapts engine.Metrics to Prometheus counters and gauges,
// grounded in the teacher cache's own metrics/prom adapter.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coalesced/memoize/engine"
)

// Adapter implements engine.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	runnerStarted  prometheus.Counter
	runnerFailed   prometheus.Counter
	waiterParked   prometheus.Counter
	waiterTimedOut prometheus.Counter
	invalidated    prometheus.Counter
	evicted        prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:           counter("hits_total", "Dispatches that found a Completed row"),
		misses:         counter("misses_total", "Dispatches that found the key absent"),
		runnerStarted:  counter("runner_started_total", "Thunks started"),
		runnerFailed:   counter("runner_failed_total", "Thunks that errored or panicked"),
		waiterParked:   counter("waiter_parked_total", "Callers that parked on an in-flight computation"),
		waiterTimedOut: counter("waiter_timed_out_total", "Waiters that hit the liveness-watch timeout"),
		invalidated:    counter("invalidated_total", "Rows removed by Invalidate/InvalidateAll"),
		evicted:        counter("evicted_total", "Rows removed by GarbageCollect"),
	}
	reg.MustRegister(a.hits, a.misses, a.runnerStarted, a.runnerFailed,
		a.waiterParked, a.waiterTimedOut, a.invalidated, a.evicted)
	return a
}

func (a *Adapter) Hit()              { a.hits.Inc() }
func (a *Adapter) Miss()             { a.misses.Inc() }
func (a *Adapter) RunnerStarted()    { a.runnerStarted.Inc() }
func (a *Adapter) RunnerFailed()     { a.runnerFailed.Inc() }
func (a *Adapter) WaiterParked()     { a.waiterParked.Inc() }
func (a *Adapter) WaiterTimedOut()   { a.waiterTimedOut.Inc() }
func (a *Adapter) Invalidated(n int) { a.invalidated.Add(float64(n)) }
func (a *Adapter) Evicted(n int)     { a.evicted.Add(float64(n)) }

var _ engine.Metrics = (*Adapter)(nil)
