// Package stats tracks process-wide allocation throughput: counters
// consulted by the patrol thread to compute allocs/frees/reallocs per
// second once watching has been on long enough for the rate to be
// meaningful.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds exact (not approximate) throughput counters, updated under
// the core lock alongside the rest of AllocationTable's state.
type Stats struct {
	AllocationCount                          uint64
	FreeCount                                uint64
	ReallocCount                             uint64
	AllocationWithSuspiciousFingerprintCount uint64

	enabled          int32
	timeWatchEnabled int64 // unix nanos, set once on the first enable
}

// EnsureEnabled marks stats as active and records the time watching began,
// the first time it is called. Subsequent calls are no-ops.
func (s *Stats) EnsureEnabled(now time.Time) {
	if atomic.CompareAndSwapInt32(&s.enabled, 0, 1) {
		atomic.StoreInt64(&s.timeWatchEnabled, now.UnixNano())
	}
}

// Enabled reports whether watching has ever been enabled for this process.
func (s *Stats) Enabled() bool {
	return atomic.LoadInt32(&s.enabled) != 0
}

// TimeWatchEnabled returns when watching first became active. The zero
// Time is returned if it never has.
func (s *Stats) TimeWatchEnabled() time.Time {
	nanos := atomic.LoadInt64(&s.timeWatchEnabled)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Snapshot is an immutable, instantaneous copy of the counters plus the
// elapsed time since watching was enabled.
type Snapshot struct {
	AllocationCount                          uint64
	FreeCount                                uint64
	ReallocCount                             uint64
	AllocationWithSuspiciousFingerprintCount uint64
	Elapsed                                  time.Duration
}

// Snapshot captures the counters and elapsed watching time as of now.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		AllocationCount:                          atomic.LoadUint64(&s.AllocationCount),
		FreeCount:                                atomic.LoadUint64(&s.FreeCount),
		ReallocCount:                             atomic.LoadUint64(&s.ReallocCount),
		AllocationWithSuspiciousFingerprintCount: atomic.LoadUint64(&s.AllocationWithSuspiciousFingerprintCount),
	}
	if enabledAt := s.TimeWatchEnabled(); !enabledAt.IsZero() {
		snap.Elapsed = now.Sub(enabledAt)
	}
	return snap
}

// AllocationsPerSecond divides AllocationCount by Elapsed; zero if Elapsed
// is non-positive (the patrol thread is expected to skip reporting rates
// until at least one second has passed).
func (s Snapshot) AllocationsPerSecond() float64 { return rate(s.AllocationCount, s.Elapsed) }

// FreesPerSecond divides FreeCount by Elapsed.
func (s Snapshot) FreesPerSecond() float64 { return rate(s.FreeCount, s.Elapsed) }

// ReallocsPerSecond divides ReallocCount by Elapsed.
func (s Snapshot) ReallocsPerSecond() float64 { return rate(s.ReallocCount, s.Elapsed) }

func rate(count uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}
