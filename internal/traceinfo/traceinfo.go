// Package traceinfo holds per-distinct-stack-trace statistics and the
// leak-classification logic that decides whether a trace still needs
// sampling.
package traceinfo

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
)

// Trilean is a three-valued verdict: a stack trace may be known to leak,
// known not to leak, or still undetermined.
type Trilean int

const (
	Unknown Trilean = iota
	True
	False
)

func (t Trilean) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Info is the per-trace record created the first time a suspect
// allocation is observed with that exact trace. It lives for the process's
// lifetime; statistics only ever accumulate.
type Info struct {
	StackTrace stacktrace.StackTrace

	mu                                       sync.Mutex
	countTotalCloselyWatchedAllocationsEver  uint64
	countLiveCloselyWatchedAllocations       uint32
	countLeakedCloselyWatchedAllocations     uint64
	countTotalLeakedMemory                   uint64
	countSkippedAllocations                  uint64
}

// New creates a fresh, zeroed Info for the given trace.
func New(trace stacktrace.StackTrace) *Info {
	return &Info{StackTrace: trace}
}

// Snapshot is an immutable copy of Info's counters, safe to read without
// holding any lock.
type Snapshot struct {
	CountTotalCloselyWatchedAllocationsEver uint64
	CountLiveCloselyWatchedAllocations      uint32
	CountLeakedCloselyWatchedAllocations    uint64
	CountTotalLeakedMemory                  uint64
	CountSkippedAllocations                 uint64
}

// Snapshot returns a point-in-time copy of the counters.
func (i *Info) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		CountTotalCloselyWatchedAllocationsEver: i.countTotalCloselyWatchedAllocationsEver,
		CountLiveCloselyWatchedAllocations:      i.countLiveCloselyWatchedAllocations,
		CountLeakedCloselyWatchedAllocations:    i.countLeakedCloselyWatchedAllocations,
		CountTotalLeakedMemory:                  i.countTotalLeakedMemory,
		CountSkippedAllocations:                 i.countSkippedAllocations,
	}
}

// RecordNewCloselyWatchedAllocation bumps the total/live counters when a
// new closely-watched allocation is created for this trace. allTraces
// is the process-wide live counter, bumped under the same lock ordering
// used throughout the core (caller already holds the core lock).
func (i *Info) RecordNewCloselyWatchedAllocation(allTraces *uint32) {
	i.mu.Lock()
	i.countTotalCloselyWatchedAllocationsEver++
	i.countLiveCloselyWatchedAllocations++
	i.mu.Unlock()
	atomic.AddUint32(allTraces, 1)
}

// RecordFreed decrements live counters when a closely-watched allocation
// from this trace is freed before becoming a leak.
func (i *Info) RecordFreed(allTraces *uint32) {
	i.mu.Lock()
	i.countLiveCloselyWatchedAllocations--
	i.mu.Unlock()
	atomic.AddUint32(allTraces, ^uint32(0)) // -1
}

// RecordLeak decrements live counters and bumps leaked counters when the
// patrol declares one of this trace's allocations a leak.
func (i *Info) RecordLeak(size uint32, allTraces *uint32) {
	i.mu.Lock()
	i.countLiveCloselyWatchedAllocations--
	i.countLeakedCloselyWatchedAllocations++
	i.countTotalLeakedMemory += uint64(size)
	i.mu.Unlock()
	atomic.AddUint32(allTraces, ^uint32(0)) // -1
}

// RecordSkipped bumps the skip counter when a suspect allocation is not
// closely watched because this trace's budget (or the global budget, or a
// proven-innocent verdict) says it doesn't need more samples.
func (i *Info) RecordSkipped() {
	i.mu.Lock()
	i.countSkippedAllocations++
	i.mu.Unlock()
}

func (i *Info) finishedUnlocked() uint64 {
	return i.countTotalCloselyWatchedAllocationsEver - uint64(i.countLiveCloselyWatchedAllocations)
}

func (i *Info) hasLeaksUnlocked(enoughSamples uint32) Trilean {
	if i.countLeakedCloselyWatchedAllocations > 0 {
		return True
	}
	if i.finishedUnlocked() >= uint64(enoughSamples) {
		return False
	}
	return Unknown
}

// HasLeaks classifies the trace: True once at least one leak has been
// declared; False once enough finished samples came back clean; Unknown
// otherwise.
func (i *Info) HasLeaks(e *env.Environment) Trilean {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hasLeaksUnlocked(e.EnoughSamplesToProveNoLeak)
}

// NeedsMoreCloselyWatchedAllocations reports whether a new suspect
// allocation matching this trace should be closely watched, given the
// per-trace cap, the process-wide cap, and the current leak verdict. A
// trace proven leaky (HasLeaks == True) keeps being sampled so the leak
// rate can be estimated; a trace proven innocent (HasLeaks == False) is
// dropped from sampling.
func (i *Info) NeedsMoreCloselyWatchedAllocations(e *env.Environment, allTraces *uint32) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.countLiveCloselyWatchedAllocations >= e.MaxLiveCloselyWatchedAllocationsPerTrace {
		return false
	}
	if atomic.LoadUint32(allTraces) >= e.GlobalMaxLiveCloselyWatchedAllocations {
		return false
	}
	return i.hasLeaksUnlocked(e.EnoughSamplesToProveNoLeak) != False
}

// LeakRatio is leaked/finished, undefined (NaN) when no samples have
// finished yet.
func (s Snapshot) LeakRatio() float64 {
	finished := s.CountTotalCloselyWatchedAllocationsEver - uint64(s.CountLiveCloselyWatchedAllocations)
	if finished == 0 {
		return nan()
	}
	return float64(s.CountLeakedCloselyWatchedAllocations) / float64(finished)
}

// WatchRate is totalCloselyWatched / (totalCloselyWatched + skipped).
func (s Snapshot) WatchRate() float64 {
	denom := s.CountTotalCloselyWatchedAllocationsEver + s.CountSkippedAllocations
	if denom == 0 {
		return nan()
	}
	return float64(s.CountTotalCloselyWatchedAllocationsEver) / float64(denom)
}

// LostAllocationsEstimated is (totalCloselyWatched + skipped) * leakRatio.
func (s Snapshot) LostAllocationsEstimated() float64 {
	return float64(s.CountTotalCloselyWatchedAllocationsEver+s.CountSkippedAllocations) * s.LeakRatio()
}

// LostBytesEstimated is countTotalLeakedMemory / watchRate.
func (s Snapshot) LostBytesEstimated() float64 {
	rate := s.WatchRate()
	if rate == 0 {
		return nan()
	}
	return float64(s.CountTotalLeakedMemory) / rate
}

func nan() float64 {
	var zero float64
	return zero / zero
}
