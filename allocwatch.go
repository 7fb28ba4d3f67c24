// Package allocwatch wires the suspicion engine, its patrol thread and
// telemetry behind the shim contract described in spec.md §6: construct a
// Detector once per host process and route the process's
// allocate/reallocate/free/mmap/munmap calls through it.
//
// The actual interposition shim — the code that intercepts libc or the Go
// runtime's own allocation path and calls into Detector — stays an external
// collaborator, out of scope here (per spec.md §1); Detector only needs to
// present a clean entry point for one to call into.
package allocwatch

import (
	"time"

	"github.com/orizon-lang/allocwatch/internal/alloctable"
	"github.com/orizon-lang/allocwatch/internal/backingalloc"
	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/fingerprint"
	"github.com/orizon-lang/allocwatch/internal/patrol"
	"github.com/orizon-lang/allocwatch/internal/protector"
	"github.com/orizon-lang/allocwatch/internal/reentrancy"
	"github.com/orizon-lang/allocwatch/internal/report"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
	"github.com/orizon-lang/allocwatch/internal/telemetry"
	"github.com/orizon-lang/allocwatch/internal/watchswitch"
	"github.com/orizon-lang/allocwatch/mmaptracker"
)

// Detector is the shim-facing entry point. Construct with New; one Detector
// should be built per host process.
type Detector struct {
	Env       *env.Environment
	Table     *alloctable.Table
	Switch    *watchswitch.WatchSwitch
	Protector *protector.MemoryProtector
	Patrol    *patrol.Thread
	Streams   *telemetry.Streams
	Mmaps     *mmaptracker.Tracker

	backing *backingalloc.Allocator
}

// Option customizes a Detector at construction time.
type Option func(*Detector)

// WithWatchSwitch overrides the default in-memory, initially-NotWatching
// switch with one backed by a shared control file (see watchswitch.Open),
// so an external process can flip watching on and off.
func WithWatchSwitch(sw *watchswitch.WatchSwitch) Option {
	return func(d *Detector) { d.Switch = sw }
}

// WithStreams overrides the default discard-everything telemetry streams.
func WithStreams(streams *telemetry.Streams) Option {
	return func(d *Detector) { d.Streams = streams }
}

// New builds a Detector from e (normally env.Load()) and starts its patrol
// thread. Watching itself only begins once the WatchSwitch is flipped to
// Watching, either externally or by the patrol thread's own AutoStartTime
// countdown; a freshly built Detector tracks nothing until then. Call
// Close when the host process is shutting down.
func New(e *env.Environment, opts ...Option) *Detector {
	d := &Detector{
		Env:       e,
		Switch:    watchswitch.InMemory(watchswitch.NotWatching),
		Protector: protector.New(),
		Streams:   telemetry.Discard(),
		Mmaps:     mmaptracker.New(),
		backing:   backingalloc.New(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.Table = alloctable.New(d.Env, d.Protector, d.Switch, d.Streams.Fatal)
	d.Patrol = patrol.New(d.Table, d.Env, d.Switch, d.Streams)
	d.Patrol.Start()

	return d
}

// Close stops the patrol thread and releases the watch switch's backing
// file, if any.
func (d *Detector) Close() error {
	d.Patrol.Stop()
	return d.Switch.Close()
}

// Allocate is the instrumented malloc/calloc/posix_memalign entry point.
// stackPointer and returnAddress identify the call site for fingerprinting
// (obtaining them is the shim's job); trace is only evaluated if the
// fingerprint already looks suspicious, so callers that can defer stack
// unwinding until then should do so.
func (d *Detector) Allocate(
	ctx *reentrancy.LibraryContext,
	size, alignment uint32,
	stackPointer, returnAddress uintptr,
	trace func() stacktrace.StackTrace,
	zeroFill bool,
) ([]byte, error) {
	fp := fingerprint.Compute(stackPointer, returnAddress, size)
	return d.Table.InstrumentedAllocate(ctx, size, alignment, fp, trace, zeroFill, d.backing.Allocate)
}

// Reallocate is the instrumented realloc entry point.
func (d *Detector) Reallocate(ctx *reentrancy.LibraryContext, old []byte, newSize uint32) ([]byte, error) {
	return d.Table.InstrumentedReallocate(ctx, old, newSize, d.backing.Reallocate)
}

// Free is the instrumented free entry point.
func (d *Detector) Free(ctx *reentrancy.LibraryContext, mem []byte) error {
	return d.Table.InstrumentedFree(ctx, mem, d.backing.Free)
}

// RegisterMmap and RegisterMunmap feed the peripheral mmap range tracker.
// They are independent of the suspicion engine above: an mmap'd region is
// never itself treated as a light or closely-watched allocation, this is
// purely bookkeeping for external tools that want to cross-reference RSS
// against known mappings (spec.md §6).
func (d *Detector) RegisterMmap(alloc mmaptracker.Allocation) {
	d.Mmaps.RegisterMap(alloc)
}

func (d *Detector) RegisterMunmap(start, size uintptr) bool {
	return d.Mmaps.RegisterUnmap(start, size)
}

// Report builds the current aggregate leak report without waiting for the
// patrol thread's own cadence, for callers that want it on demand (a signal
// handler, an admin endpoint).
func (d *Detector) Report() report.Report {
	return report.Build(d.Table, time.Now())
}
