package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fuselock/v1/fused"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 1000000, "Reads per target")
	target      = flag.String("target", "all", "Target: fused-read, fused-guard, rwmutex, atomic")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"fused-read", "fused-guard", "rwmutex", "atomic"}
	}

	fmt.Printf("| %-12s | %-10s | %-12s |\n", "System", "Ops/sec", "Avg Latency")
	fmt.Println("|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var readFn func() int

	switch name {
	case "fused-read":
		l := fused.New(1)
		l.TryFuse()
		readFn = func() int { v, _ := l.Read(); return *v }

	case "fused-guard":
		l := fused.New(1)
		readFn = func() int {
			g, _ := l.TryShared()
			v := *g.Value()
			g.Release()
			return v
		}

	case "rwmutex":
		var mu sync.RWMutex
		v := 1
		readFn = func() int {
			mu.RLock()
			defer mu.RUnlock()
			return v
		}

	case "atomic":
		var v atomic.Int64
		v.Store(1)
		readFn = func() int { return int(v.Load()) }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	var wg sync.WaitGroup
	var ops int64
	chunk := *requests / *concurrency

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				if readFn() == 1 {
					atomic.AddInt64(&ops, 1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)
	fmt.Printf("| %-12s | %-10.0f | %-9.1fns |\n", name, throughput, avgLat)
}
