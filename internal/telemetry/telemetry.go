// Package telemetry adapts zerolog to the three append-only output streams
// spec'd for the patrol thread: progress (throughput plus incremental leak
// announcements), leak-report (periodic aggregate), and an optional
// memory-usage stream. Each stream gets its own structured logger rather
// than one shared one, so a consumer can point any of them at a different
// file, syslog, or /dev/null independently.
package telemetry

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/allocwatch/internal/report"
	"github.com/orizon-lang/allocwatch/internal/stats"
)

// Streams bundles the three output loggers. Construct with New or Discard;
// pass io.Discard to New for a stream a caller doesn't want.
type Streams struct {
	progress   zerolog.Logger
	leakReport zerolog.Logger
	memory     zerolog.Logger
}

func newStream(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// New builds Streams writing to the three given writers.
func New(progress, leakReport, memoryUsage io.Writer) *Streams {
	return &Streams{
		progress:   newStream(progress),
		leakReport: newStream(leakReport),
		memory:     newStream(memoryUsage),
	}
}

// Discard returns Streams that drop everything, for callers that only want
// some of the three streams (pass io.Discard for the rest).
func Discard() *Streams {
	return New(io.Discard, io.Discard, io.Discard)
}

// Throughput records the periodic allocs/frees/reallocs-per-second line,
// skipped entirely if snap hasn't been live for at least a second (matching
// the patrol thread's "disproportionate values" guard).
func (s *Streams) Throughput(snap stats.Snapshot) {
	if snap.Elapsed < time.Second {
		return
	}
	s.progress.Info().
		Float64("allocs_per_second", snap.AllocationsPerSecond()).
		Float64("frees_per_second", snap.FreesPerSecond()).
		Float64("reallocs_per_second", snap.ReallocsPerSecond()).
		Msg("throughput")
}

// NewLeak announces a freshly declared leak. occurrence is the 1-based
// count of leaks seen so far from this exact stack trace.
func (s *Streams) NewLeak(stackTraceKey string, occurrence uint32, sizeBytes uint32) {
	event := s.progress.Info().
		Str("stack_trace", stackTraceKey).
		Uint32("occurrence", occurrence).
		Uint32("bytes", sizeBytes)
	if occurrence == 1 {
		event.Msg("found new leak")
	} else {
		event.Msg("leak recurred")
	}
}

// LeakReport emits a periodic aggregate leak report. NaN ratios (no samples
// yet for that metric) are omitted rather than logged as "NaN".
func (s *Streams) LeakReport(r report.Report) {
	event := s.leakReport.Info().Str("schema_version", r.SchemaVersion)
	logRatio(event, "ratio_suspicious_fingerprint", r.RatioAllocationHasSuspiciousFingerprint)
	logRatio(event, "avg_stack_traces_per_fingerprint", r.AverageStackTracesPerFingerprint)
	logRatio(event, "ratio_leaky_stacks", r.RatioLeakyStacks)
	logRatio(event, "ratio_non_leaky_stacks", r.RatioNonLeakyStacks)
	logRatio(event, "ratio_maybe_leaky_stacks", r.RatioMaybeLeakyStacks)
	event.Int("leak_count", len(r.Leaks)).Msg("leak report")

	for _, leak := range r.Leaks {
		entry := s.leakReport.Info().Str("stack_trace", leak.StackTraceKey)
		logRatio(entry, "leak_ratio", leak.LeakRatio)
		logRatio(entry, "lost_allocations_estimated", leak.LostAllocationsEstimated)
		logRatio(entry, "lost_bytes_estimated", leak.LostBytesEstimated)
		entry.Msg("leaky trace")
	}
}

// WatchStateChanged announces an externally observed transition of the
// cross-process watch switch control file (see watchswitch.Watch),
// letting an operator see "entered Watching mode" promptly instead of
// waiting for the next progress tick.
func (s *Streams) WatchStateChanged(watching bool) {
	s.progress.Info().Bool("watching", watching).Msg("watch switch changed")
}

// Fatal logs an unrecoverable error on the progress stream and aborts the
// process. zerolog's Fatal level calls os.Exit(1) once the event is
// written, matching the "diagnostic written, process aborted" contract for
// page-protection failures that broke the closely-watched tracking
// invariants beyond repair.
func (s *Streams) Fatal(op string, err error) {
	s.progress.Fatal().Str("op", op).Err(err).Msg("unrecoverable protection failure, aborting")
}

// MemoryUsage records one RSS-vs-tracked-live-bytes sample.
func (s *Streams) MemoryUsage(rssBytes, trackedLiveBytes uint64) {
	s.memory.Info().
		Uint64("rss_bytes", rssBytes).
		Uint64("tracked_live_bytes", trackedLiveBytes).
		Msg("memory sample")
}

func logRatio(event *zerolog.Event, field string, value float64) *zerolog.Event {
	if value != value { // NaN is the only float that doesn't equal itself
		return event
	}
	return event.Float64(field, value)
}
