package report

import (
	"testing"
	"time"

	"github.com/orizon-lang/allocwatch/internal/alloctable"
	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/fingerprint"
	"github.com/orizon-lang/allocwatch/internal/protector"
	"github.com/orizon-lang/allocwatch/internal/reentrancy"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
	"github.com/orizon-lang/allocwatch/internal/watchswitch"
)

func testTable() *alloctable.Table {
	e := &env.Environment{
		TimeForAllocationToBecomeSuspicious:        30,
		CloselyWatchedAllocationsAccessMaxInterval: 1,
		EnoughSamplesToProveNoLeak:                 5,
		MaxLiveCloselyWatchedAllocationsPerTrace:    30,
		GlobalMaxLiveCloselyWatchedAllocations:      50000,
		LeakReportInterval:                          30,
		PageSize:                                    4096,
	}
	return alloctable.New(e, protector.New(), watchswitch.InMemory(watchswitch.Watching), nil)
}

func heapAllocator(size, alignment uintptr) ([]byte, error) { return make([]byte, size), nil }

func TestBuildWithNoSuspiciousTracesIsAllNaN(t *testing.T) {
	table := testTable()
	r := Build(table, time.Now())
	if len(r.Leaks) != 0 {
		t.Errorf("Leaks = %v, want empty", r.Leaks)
	}
	if r.AverageStackTracesPerFingerprint == r.AverageStackTracesPerFingerprint {
		t.Error("AverageStackTracesPerFingerprint should be NaN with zero fingerprints")
	}
}

func TestBuildReportsDeclaredLeak(t *testing.T) {
	table := testTable()
	ctx := reentrancy.New()
	fp := fingerprint.Compute(1, 2, 64)
	trace := func() stacktrace.StackTrace { return stacktrace.New([]uintptr{1}) }

	for i := 0; i < 5; i++ {
		table.InstrumentedAllocate(ctx, 64, 1, fp, trace, false, heapAllocator)
	}
	table.AgePass(time.Now().Add(31 * time.Second))

	for i := 0; i < 3; i++ {
		table.InstrumentedAllocate(ctx, 64, 1, fp, trace, false, heapAllocator)
	}
	table.AgePass(time.Now().Add(31 * time.Second))
	table.AgePass(time.Now().Add(63 * time.Second))

	r := Build(table, time.Now().Add(63*time.Second))
	if len(r.Leaks) != 1 {
		t.Fatalf("len(Leaks) = %d, want 1", len(r.Leaks))
	}
	leak := r.Leaks[0]
	if leak.LeakRatio != 1.0 {
		t.Errorf("LeakRatio = %v, want 1.0 (all 3 samples leaked)", leak.LeakRatio)
	}
	if r.SchemaVersion == "" {
		t.Error("SchemaVersion should be stamped")
	}
}
