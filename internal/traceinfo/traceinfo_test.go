package traceinfo

import (
	"math"
	"testing"

	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
)

func testEnv() *env.Environment {
	return &env.Environment{
		EnoughSamplesToProveNoLeak:               5,
		MaxLiveCloselyWatchedAllocationsPerTrace: 30,
		GlobalMaxLiveCloselyWatchedAllocations:   50000,
	}
}

func TestHasLeaksUnknownThenTrue(t *testing.T) {
	e := testEnv()
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1, 2}))

	if got := info.HasLeaks(e); got != Unknown {
		t.Fatalf("fresh trace HasLeaks = %v, want Unknown", got)
	}

	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordLeak(128, &allTraces)

	if got := info.HasLeaks(e); got != True {
		t.Errorf("HasLeaks after a leak = %v, want True", got)
	}
}

func TestHasLeaksBecomesFalseAfterEnoughCleanSamples(t *testing.T) {
	e := testEnv()
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	for i := 0; i < int(e.EnoughSamplesToProveNoLeak); i++ {
		info.RecordNewCloselyWatchedAllocation(&allTraces)
		info.RecordFreed(&allTraces)
	}

	if got := info.HasLeaks(e); got != False {
		t.Errorf("HasLeaks after %d clean samples = %v, want False", e.EnoughSamplesToProveNoLeak, got)
	}
}

func TestNeedsMoreCloselyWatchedAllocationsRespectsPerTraceCap(t *testing.T) {
	e := testEnv()
	e.MaxLiveCloselyWatchedAllocationsPerTrace = 2
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordNewCloselyWatchedAllocation(&allTraces)

	if info.NeedsMoreCloselyWatchedAllocations(e, &allTraces) {
		t.Error("per-trace cap reached, should not need more")
	}
}

func TestNeedsMoreCloselyWatchedAllocationsRespectsGlobalCap(t *testing.T) {
	e := testEnv()
	e.GlobalMaxLiveCloselyWatchedAllocations = 1
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	info.RecordNewCloselyWatchedAllocation(&allTraces)

	other := New(stacktrace.New([]uintptr{2}))
	if other.NeedsMoreCloselyWatchedAllocations(e, &allTraces) {
		t.Error("global cap reached, no trace should need more")
	}
}

func TestNeedsMoreCloselyWatchedAllocationsStopsWhenProvenInnocent(t *testing.T) {
	e := testEnv()
	e.EnoughSamplesToProveNoLeak = 1
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordFreed(&allTraces)

	if info.NeedsMoreCloselyWatchedAllocations(e, &allTraces) {
		t.Error("trace proven innocent should not need more sampling")
	}
}

func TestNeedsMoreCloselyWatchedAllocationsKeepsSamplingProvenLeaky(t *testing.T) {
	e := testEnv()
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordLeak(64, &allTraces)

	if !info.NeedsMoreCloselyWatchedAllocations(e, &allTraces) {
		t.Error("a trace proven leaky should keep being sampled to estimate its rate")
	}
}

func TestSnapshotRatios(t *testing.T) {
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))

	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordNewCloselyWatchedAllocation(&allTraces)
	info.RecordLeak(100, &allTraces)
	info.RecordFreed(&allTraces)
	info.RecordSkipped()

	snap := info.Snapshot()
	if snap.CountTotalCloselyWatchedAllocationsEver != 2 {
		t.Errorf("total = %d, want 2", snap.CountTotalCloselyWatchedAllocationsEver)
	}
	if snap.CountLiveCloselyWatchedAllocations != 0 {
		t.Errorf("live = %d, want 0", snap.CountLiveCloselyWatchedAllocations)
	}

	if ratio := snap.LeakRatio(); math.Abs(ratio-0.5) > 1e-9 {
		t.Errorf("LeakRatio = %v, want 0.5", ratio)
	}

	wantWatchRate := 2.0 / 3.0
	if rate := snap.WatchRate(); math.Abs(rate-wantWatchRate) > 1e-9 {
		t.Errorf("WatchRate = %v, want %v", rate, wantWatchRate)
	}

	if lost := snap.LostBytesEstimated(); math.Abs(lost-150) > 1e-9 {
		t.Errorf("LostBytesEstimated = %v, want 150", lost)
	}
}

func TestLeakRatioUndefinedWithNoFinishedSamples(t *testing.T) {
	var allTraces uint32
	info := New(stacktrace.New([]uintptr{1}))
	info.RecordNewCloselyWatchedAllocation(&allTraces)

	if ratio := info.Snapshot().LeakRatio(); !math.IsNaN(ratio) {
		t.Errorf("LeakRatio with zero finished samples = %v, want NaN", ratio)
	}
}
