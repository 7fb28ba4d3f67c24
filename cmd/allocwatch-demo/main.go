// Command allocwatch-demo drives a Detector against a synthetic workload
// that leaks on purpose, so the two-tier suspicion engine and its leak
// report can be observed end to end without a real interposition shim.
package main

import (
	"flag"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/allocwatch"
	"github.com/orizon-lang/allocwatch/internal/cli"
	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/reentrancy"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
	"github.com/orizon-lang/allocwatch/internal/telemetry"
	"github.com/orizon-lang/allocwatch/internal/watchswitch"
)

func main() {
	version := flag.Bool("version", false, "print version information and exit")
	jsonVersion := flag.Bool("json", false, "with -version, print it as JSON")
	duration := flag.Duration("duration", 10*time.Second, "how long to run the synthetic workload")
	leakEvery := flag.Int("leak-every", 3, "simulate a leak on every Nth allocation from the hot call site")
	workers := flag.Int("workers", 4, "number of concurrent simulated callers, each with its own LibraryContext")
	flag.Parse()

	if *version {
		cli.PrintVersion("allocwatch-demo", *jsonVersion)
		return
	}

	logger := cli.NewLogger(true, false)

	e := env.Load()
	d := allocwatch.New(e, allocwatch.WithStreams(telemetry.New(os.Stdout, os.Stdout, os.Stdout)))
	defer d.Close()

	d.Switch.Store(watchswitch.Watching)
	logger.Info("watching enabled, running %d concurrent callers for %s", *workers, *duration)

	runWorkload(d, *duration, *leakEvery, *workers, logger)

	logger.Info("workload finished")
	report := d.Report()
	logger.Info("final report: %d distinct leaking stack traces", len(report.Leaks))
}

// runWorkload simulates workers concurrent OS-thread-equivalent callers,
// each owning its own LibraryContext per spec.md §5's concurrency model.
// Every caller allocates from two call sites: one that always frees
// promptly, and one that leaks on every leakEvery'th call.
func runWorkload(d *allocwatch.Detector, duration time.Duration, leakEvery, workers int, logger *cli.Logger) {
	deadline := time.Now().Add(duration)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			simulateCaller(d, deadline, leakEvery, logger)
			return nil
		})
	}
	_ = g.Wait()
}

func simulateCaller(d *allocwatch.Detector, deadline time.Time, leakEvery int, logger *cli.Logger) {
	ctx := reentrancy.New()

	wellBehavedTrace := func() stacktrace.StackTrace { return stacktrace.New([]uintptr{0x1000, 0x2000}) }
	leakyTrace := func() stacktrace.StackTrace { return stacktrace.New([]uintptr{0x3000, 0x4000}) }

	count := 0
	for time.Now().Before(deadline) {
		count++

		wellBehaved, err := d.Allocate(ctx, 48, 1, 0x1000, 0x2000, wellBehavedTrace, false)
		if err != nil {
			logger.Error("allocate (well-behaved) failed: %v", err)
		} else if err := d.Free(ctx, wellBehaved); err != nil {
			logger.Error("free (well-behaved) failed: %v", err)
		}

		leaked, err := d.Allocate(ctx, 96, 1, 0x3000, 0x4000, leakyTrace, false)
		if err != nil {
			logger.Error("allocate (leaky) failed: %v", err)
		} else if count%leakEvery != 0 {
			// Most iterations free it like a well-behaved caller would; only
			// every leakEvery'th call holds onto the memory forever, so the
			// leaky trace accumulates both leaked and non-leaked samples.
			_ = d.Free(ctx, leaked)
		}

		time.Sleep(50 * time.Millisecond)
	}
}
