// Command bench runs a synthetic memoization workload — a Zipf-skewed
// keyspace hammered by concurrent GetOrRun calls — and exposes a
// Prometheus metrics endpoint and an optional pprof endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coalesced/memoize"
	"github.com/coalesced/memoize/engine/prom"
)

func main() {
	// ---- Flags ----
	var (
		strategyFlag = flag.String("strategy", "eviction", "cache strategy: default | eviction")
		shards       = flag.Int("shards", 0, "number of shards (0=auto)")
		maxThreshold = flag.Int64("max-threshold", 64<<20, "eviction strategy MaxThreshold in bytes")
		minThreshold = flag.Int64("min-threshold", 48<<20, "eviction strategy MinThreshold in bytes")

		workers   = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration  = flag.Duration("duration", 10*time.Second, "benchmark duration")
		workNanos = flag.Duration("work", 2*time.Millisecond, "simulated thunk latency on a miss")

		keys  = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := prom.New(nil, "memoize", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build cache ----
	strat := memoize.StrategyEviction
	if *strategyFlag == "default" {
		strat = memoize.StrategyDefault
	}
	c, err := memoize.New[string](memoize.Config{
		Strategy:     strat,
		Shards:       *shards,
		MaxThreshold: *maxThreshold,
		MinThreshold: *minThreshold,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatal(err)
	}

	// ---- Snapshot flags for goroutines ----
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}
	simulatedWork := *workNanos

	// ---- Load generation ----
	var calls, ops uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	thunk := func() (string, error) {
		atomic.AddUint64(&calls, 1)
		time.Sleep(simulatedWork)
		return "v", nil
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&ops, 1)
				k := "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
				if _, err := c.GetOrRun(k, thunk, memoize.Options{}); err != nil {
					log.Printf("GetOrRun error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	opsN := atomic.LoadUint64(&ops)
	callsN := atomic.LoadUint64(&calls)
	hitRate := 0.0
	if opsN > 0 {
		hitRate = float64(opsN-callsN) / float64(opsN) * 100
	}

	fmt.Printf("strategy=%s shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		*strategyFlag, *shards, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  thunk-invocations=%d  memo-hit-rate=%.2f%%\n",
		opsN, float64(opsN)/elapsed.Seconds(), callsN, hitRate)
}
