// Package report builds the periodic aggregate leak report described in
// spec.md §4.4 from a snapshot of the suspicious-fingerprint index.
package report

import (
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/allocwatch/internal/alloctable"
	"github.com/orizon-lang/allocwatch/internal/fingerprint"
	"github.com/orizon-lang/allocwatch/internal/traceinfo"
)

// schemaVersion is stamped on every report so consumers of archived reports
// can tell which field set (and field semantics) they are reading.
var schemaVersion = semver.MustParse("1.0.0")

// Leak is one leaky stack trace's statistical summary.
type Leak struct {
	StackTraceKey            string
	LeakRatio                float64
	LostAllocationsEstimated float64
	LostBytesEstimated       float64
}

// Report is the full periodic aggregate, sorted descending by
// LostBytesEstimated.
type Report struct {
	SchemaVersion                           string
	RatioAllocationHasSuspiciousFingerprint float64
	AverageStackTracesPerFingerprint        float64
	RatioLeakyStacks                        float64
	RatioNonLeakyStacks                     float64
	RatioMaybeLeakyStacks                   float64
	Leaks                                   []Leak
}

// Build walks table's suspicious-fingerprint index and classifies every
// distinct stack trace found there.
func Build(table *alloctable.Table, now time.Time) Report {
	fingerprintsSeen := make(map[fingerprint.Fingerprint]struct{})
	var countStacks, countLeaky, countNonLeaky, countMaybe int
	var leaks []Leak

	table.ForEachSuspiciousTrace(func(fp fingerprint.Fingerprint, info *traceinfo.Info) {
		fingerprintsSeen[fp] = struct{}{}
		countStacks++

		snap := info.Snapshot()
		switch table.Classify(info) {
		case traceinfo.True:
			countLeaky++
			leaks = append(leaks, Leak{
				StackTraceKey:            info.StackTrace.Key(),
				LeakRatio:                snap.LeakRatio(),
				LostAllocationsEstimated: snap.LostAllocationsEstimated(),
				LostBytesEstimated:       snap.LostBytesEstimated(),
			})
		case traceinfo.False:
			countNonLeaky++
		default:
			countMaybe++
		}
	})

	sort.Slice(leaks, func(i, j int) bool {
		return leaks[i].LostBytesEstimated >= leaks[j].LostBytesEstimated
	})

	statsSnap := table.StatsSnapshot(now)

	return Report{
		SchemaVersion: schemaVersion.String(),
		RatioAllocationHasSuspiciousFingerprint: ratio(
			statsSnap.AllocationWithSuspiciousFingerprintCount, statsSnap.AllocationCount),
		AverageStackTracesPerFingerprint: ratioInt(countStacks, len(fingerprintsSeen)),
		RatioLeakyStacks:                 ratioInt(countLeaky, countStacks),
		RatioNonLeakyStacks:              ratioInt(countNonLeaky, countStacks),
		RatioMaybeLeakyStacks:            ratioInt(countMaybe, countStacks),
		Leaks:                            leaks,
	}
}

func ratio(numerator, denominator uint64) float64 {
	if denominator == 0 {
		return nan()
	}
	return float64(numerator) / float64(denominator)
}

func ratioInt(numerator, denominator int) float64 {
	if denominator == 0 {
		return nan()
	}
	return float64(numerator) / float64(denominator)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
