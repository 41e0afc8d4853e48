package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fuselock/v1/fused"
	"github.com/mirkobrombin/go-fuselock/v1/metrics"
)

var (
	writers     = flag.Int("w", 8, "Writer goroutines in the init phase")
	readers     = flag.Int("c", 50, "Reader goroutines after fusing")
	writeOps    = flag.Int("wn", 10000, "Writes per writer")
	duration    = flag.Duration("d", 3*time.Second, "Read phase duration")
	metricsAddr = flag.String("metrics-addr", "", "Expose /metrics on this address (empty: disabled)")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	l := fused.New(0, fused.WithMetrics[int](reg))

	// Phase 1: contended exclusive writes.
	start := time.Now()
	var eg errgroup.Group
	for i := 0; i < *writers; i++ {
		eg.Go(func() error {
			for j := 0; j < *writeOps; j++ {
				g, err := l.Exclusive(ctx)
				if err != nil {
					return err
				}
				*g.Value()++
				g.Release()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Fatalf("write phase: %v", err)
	}
	writeElapsed := time.Since(start)
	total := *writers * *writeOps

	// Phase 2: fuse, then hammer the read paths.
	if !l.TryFuse() {
		log.Fatal("fuse failed with no holders active")
	}
	if v, _ := l.Read(); *v != total {
		log.Fatalf("lost updates: got %d, want %d", *v, total)
	}

	var guarded, guardFree int64
	readCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	var rg errgroup.Group
	for i := 0; i < *readers; i++ {
		rg.Go(func() error {
			for readCtx.Err() == nil {
				g, ok := l.TryShared()
				if !ok {
					return fmt.Errorf("shared acquisition refused after fusing")
				}
				_ = *g.Value()
				g.Release()
				atomic.AddInt64(&guarded, 1)

				if v, ok := l.Read(); !ok || *v != total {
					return fmt.Errorf("guard-free read saw %v", v)
				}
				atomic.AddInt64(&guardFree, 1)
			}
			return nil
		})
	}
	if err := rg.Wait(); err != nil {
		log.Fatalf("read phase: %v", err)
	}

	fmt.Printf("| %-18s | %-12s |\n", "Phase", "Ops/sec")
	fmt.Println("|:---|:---|")
	fmt.Printf("| %-18s | %-12.0f |\n", "exclusive writes", float64(total)/writeElapsed.Seconds())
	fmt.Printf("| %-18s | %-12.0f |\n", "guarded reads", float64(guarded)/duration.Seconds())
	fmt.Printf("| %-18s | %-12.0f |\n", "guard-free reads", float64(guardFree)/duration.Seconds())
}
