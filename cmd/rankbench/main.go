// Command rankbench drives a synthetic eviction workload against N independent
// on-disk rankings instances, optionally killing them at random crash points
// and checking that every restart recovers consistent lists.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/diskrank/internal/logger"
	pmet "github.com/IvanBrykalov/diskrank/metrics/prom"
	"github.com/IvanBrykalov/diskrank/rankings"
)

type config struct {
	dir        string
	records    int
	duration   time.Duration
	seed       int64
	crashEvery int
	syncWrites bool
	cacheSlots int
}

// totals are summed over all instances.
type totals struct {
	ops, evicted, crashes, reverted atomic.Uint64
}

func main() {
	// ---- Flags ----
	var (
		instances  = flag.Int("instances", runtime.GOMAXPROCS(0), "number of independent caches")
		records    = flag.Int("records", 10_000, "target live records per cache")
		duration   = flag.Duration("duration", 10*time.Second, "benchmark duration")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		crashEvery = flag.Int("crash", 0, "arm a random crash point every N ops (0 = never)")
		dir        = flag.String("dir", "", "parent directory for the caches (empty = temp dir, removed on exit)")
		syncWrites = flag.Bool("sync", false, "fsync every control write")
		cacheSlots = flag.Int("cache_slots", 0, "block read cache size per cache (0 = default, <0 = off)")

		logLevel    = flag.String("log_level", "info", "log level")
		logFormat   = flag.String("log_format", "console", "log format: json | console")
		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", "", "serve Prometheus metrics at addr (e.g. :8080); empty = disabled")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, Service: "rankbench"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// ---- pprof and metrics (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Info("pprof: serving", zap.String("addr", *pprofAddr))
			log.Warn("pprof server stopped", zap.Error(http.ListenAndServe(*pprofAddr, nil)))
		}()
	}
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", zap.String("addr", *metricsAddr))
			log.Warn("metrics server stopped", zap.Error(http.ListenAndServe(*metricsAddr, nil)))
		}()
	}

	cfg := config{
		dir:        *dir,
		records:    *records,
		duration:   *duration,
		seed:       *seed,
		crashEvery: *crashEvery,
		syncWrites: *syncWrites,
		cacheSlots: *cacheSlots,
	}
	if cfg.dir == "" {
		tmp, err := os.MkdirTemp("", "rankbench-")
		if err != nil {
			log.Fatal("temp dir", zap.Error(err))
		}
		defer os.RemoveAll(tmp)
		cfg.dir = tmp
	}
	n := *instances
	if n <= 0 {
		n = 1
	}
	if cfg.records <= 0 {
		cfg.records = 1
	}

	// ---- Load generation: one goroutine per cache ----
	var tot totals
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		b := &bench{
			id:  i,
			cfg: cfg,
			dir: filepath.Join(cfg.dir, fmt.Sprintf("cache-%03d", i)),
			rng: rand.New(rand.NewSource(cfg.seed + int64(i)*9973)),
			log: log.With(zap.Int("instance", i)),
			metrics: pmet.New(
				prometheus.WrapRegistererWith(prometheus.Labels{"instance": fmt.Sprint(i)}, prometheus.DefaultRegisterer),
				"diskrank", "bench", nil),
			tot: &tot,
		}
		g.Go(func() error {
			c, err := b.run(gctx)
			counts[b.id] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("benchmark failed", zap.Error(err))
		os.Exit(1)
	}
	elapsed := time.Since(start)

	// ---- Report ----
	live := 0
	for _, c := range counts {
		live += c
	}
	ops := tot.ops.Load()
	fmt.Printf("instances=%d records=%d dur=%v seed=%d crash_every=%d\n",
		n, cfg.records, elapsed, cfg.seed, cfg.crashEvery)
	fmt.Printf("ops=%d (%.0f ops/s)  evicted=%d  live=%d\n",
		ops, float64(ops)/elapsed.Seconds(), tot.evicted.Load(), live)
	fmt.Printf("crashes=%d  reverted=%d\n", tot.crashes.Load(), tot.reverted.Load())
}

// recoveryWatch forwards to the Prometheus adapter and counts reverted
// removes for the report.
type recoveryWatch struct {
	rankings.Metrics
	tot *totals
}

func (w recoveryWatch) Recovery(o rankings.RecoveryOutcome) {
	if o == rankings.RecoveryReverted {
		w.tot.reverted.Add(1)
	}
	w.Metrics.Recovery(o)
}
