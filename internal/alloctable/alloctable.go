// Package alloctable implements the two-tier suspicion engine's core state:
// a fast, fingerprint-keyed "light" map for allocations nobody has reason
// to distrust yet, a "closely watched" map of page-protected allocations
// carrying full stack traces, and the suspicious-fingerprint index that
// decides which allocations graduate from the former to the latter.
//
// Every exported Instrumented* method is safe to call concurrently; a
// single mutex serializes all state transitions, matching the original's
// single coarse lock around both maps and the suspicious index.
package alloctable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/fingerprint"
	"github.com/orizon-lang/allocwatch/internal/protector"
	"github.com/orizon-lang/allocwatch/internal/reentrancy"
	"github.com/orizon-lang/allocwatch/internal/stacktrace"
	"github.com/orizon-lang/allocwatch/internal/stats"
	"github.com/orizon-lang/allocwatch/internal/traceinfo"
	"github.com/orizon-lang/allocwatch/internal/watchswitch"
)

// PreferredAllocator is the host allocator the shim would otherwise have
// called directly. It is invoked instead of tracked allocation whenever the
// fast path decides not to track (watching off, reentrant, unsuspicious
// fingerprint, or a suspicious trace that has used up its sampling budget).
type PreferredAllocator func(size, alignment uintptr) ([]byte, error)

// PreferredReallocator is the host's realloc, used for everything except
// closely-watched allocations (whose backing memory never came from it).
type PreferredReallocator func(old []byte, newSize uintptr) ([]byte, error)

// PreferredFree is the host's free, used for everything except
// closely-watched allocations.
type PreferredFree func(mem []byte)

type watchState int

const (
	notYetSuspicious watchState = iota
	suspiciousState
)

// lightAllocation is the fast-path record: an address, its fingerprint, and
// a deadline after which the fingerprint (not this specific allocation) is
// marked suspicious.
type lightAllocation struct {
	memory        []byte
	fingerprint   fingerprint.Fingerprint
	requestedSize uint32
	deadline      time.Time
}

// closelyWatchedAllocation is a fully tracked, page-aligned allocation
// eligible for a tripwire once it has been NotYetSuspicious long enough.
type closelyWatchedAllocation struct {
	memory         []byte
	requestedSize  uint32
	allocationTime time.Time
	deadline       time.Time
	state          watchState
	trace          *traceinfo.Info
}

// FoundLeak is emitted by AgePass for every closely-watched allocation that
// ages past its Suspicious deadline without being accessed.
type FoundLeak struct {
	StackTrace stacktrace.StackTrace
	Memory     []byte
	Size       uint32
}

// FatalFunc is invoked when a page-protection syscall fails in a way that
// breaks the closely-watched tracking invariants beyond repair (the
// tripwire could not be armed or disarmed). Per spec.md §4.7/§7 this is
// always fatal: the function is expected to log structurally and not
// return. telemetry.Streams.Fatal satisfies this.
type FatalFunc func(op string, err error)

func defaultFatal(op string, err error) {
	panic(fmt.Sprintf("alloctable: %s: %v", op, err))
}

// Table is the core two-tier allocation state. The zero value is not
// usable; construct with New.
type Table struct {
	env       *env.Environment
	protector *protector.MemoryProtector
	sw        *watchswitch.WatchSwitch
	fatal     FatalFunc

	mu             sync.Mutex
	light          map[uintptr]*lightAllocation
	closelyWatched map[uintptr]*closelyWatchedAllocation
	suspicious     map[fingerprint.Fingerprint]map[string]*traceinfo.Info

	stats         stats.Stats
	liveAllTraces uint32 // countLiveCloselyWatchedAllocationsAllTraces, accessed atomically
}

// New returns an empty Table bound to the given environment, memory
// protector and watch switch. fatal is called whenever a page-protection
// syscall fails during AgePass; pass nil to fall back to a panic (the
// Detector constructor instead wires telemetry.Streams.Fatal, which logs
// before aborting).
func New(e *env.Environment, p *protector.MemoryProtector, sw *watchswitch.WatchSwitch, fatal FatalFunc) *Table {
	if fatal == nil {
		fatal = defaultFatal
	}
	return &Table{
		env:            e,
		protector:      p,
		sw:             sw,
		fatal:          fatal,
		light:          make(map[uintptr]*lightAllocation),
		closelyWatched: make(map[uintptr]*closelyWatchedAllocation),
		suspicious:     make(map[fingerprint.Fingerprint]map[string]*traceinfo.Info),
	}
}

func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// InstrumentedAllocate is the instrumented malloc/calloc/posix_memalign
// entry point. trace is only evaluated (and only needs to be cheap to
// obtain) when fingerprint turns out to already be suspicious; callers that
// can defer stack unwinding until then should do so.
func (t *Table) InstrumentedAllocate(
	ctx *reentrancy.LibraryContext,
	size, alignment uint32,
	fp fingerprint.Fingerprint,
	trace func() stacktrace.StackTrace,
	zeroFill bool,
	preferred PreferredAllocator,
) ([]byte, error) {
	if ctx.InLibrary() || t.sw.Load() == watchswitch.NotWatching {
		return preferred(uintptr(size), uintptr(alignment))
	}

	leave, entered := ctx.Enter()
	defer leave()
	if !entered {
		return preferred(uintptr(size), uintptr(alignment))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.stats.EnsureEnabled(now)
	atomic.AddUint64(&t.stats.AllocationCount, 1)

	stackTable, suspect := t.suspicious[fp]
	if !suspect {
		mem, err := preferred(uintptr(size), uintptr(alignment))
		if err != nil || mem == nil {
			return mem, err
		}
		t.light[addrOf(mem)] = &lightAllocation{
			memory:        mem,
			fingerprint:   fp,
			requestedSize: size,
			deadline:      now.Add(suspiciousAfter(t.env)),
		}
		return mem, nil
	}

	atomic.AddUint64(&t.stats.AllocationWithSuspiciousFingerprintCount, 1)

	stackTrace := trace()
	info, ok := stackTable[stackTrace.Key()]
	if !ok {
		info = traceinfo.New(stackTrace)
		stackTable[stackTrace.Key()] = info
	}

	if !info.NeedsMoreCloselyWatchedAllocations(t.env, &t.liveAllTraces) {
		// Suspicious stack, but we already have enough live instances of it
		// (or it has been proven not to leak). Skip tracking entirely; there
		// is no value in even a LightAllocation, since the only purpose of
		// one is to become closely watched if unfreed, and that decision has
		// already been made for this trace.
		info.RecordSkipped()
		return preferred(uintptr(size), uintptr(alignment))
	}

	// Anonymous page mappings are already page-aligned, which satisfies any
	// alignment request up to pageSize; this port has no memalign-style
	// primitive to honor a request stronger than that.
	_ = alignment
	actualSize := uintptr(t.env.RoundUpToPageMultiple(size))

	mem, err := protector.AllocatePages(actualSize)
	if err != nil {
		return nil, err
	}
	if zeroFill {
		clearBytes(mem[:size])
	}

	info.RecordNewCloselyWatchedAllocation(&t.liveAllTraces)

	t.closelyWatched[addrOf(mem)] = &closelyWatchedAllocation{
		memory:         mem,
		requestedSize:  size,
		allocationTime: now,
		deadline:       now.Add(suspiciousAfter(t.env)),
		state:          notYetSuspicious,
		trace:          info,
	}
	return mem, nil
}

// InstrumentedReallocate is the instrumented realloc entry point.
func (t *Table) InstrumentedReallocate(
	ctx *reentrancy.LibraryContext,
	old []byte,
	newSize uint32,
	preferred PreferredReallocator,
) ([]byte, error) {
	if ctx.InLibrary() || t.sw.Load() == watchswitch.NotWatching {
		return preferred(old, uintptr(newSize))
	}

	leave, entered := ctx.Enter()
	defer leave()
	if !entered {
		return preferred(old, uintptr(newSize))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.EnsureEnabled(time.Now())
	atomic.AddUint64(&t.stats.ReallocCount, 1)

	oldAddr := addrOf(old)

	if alloc, ok := t.light[oldAddr]; ok {
		newMem, err := preferred(old, uintptr(newSize))
		if err != nil {
			return nil, err
		}
		alloc.requestedSize = newSize
		if newAddr := addrOf(newMem); newAddr != oldAddr {
			delete(t.light, oldAddr)
			alloc.memory = newMem
			t.light[newAddr] = alloc
		}
		return newMem, nil
	}

	if alloc, ok := t.closelyWatched[oldAddr]; ok {
		oldActual := t.env.RoundUpToPageMultiple(alloc.requestedSize)
		newActual := t.env.RoundUpToPageMultiple(newSize)

		if newActual == oldActual {
			// The backing pages already fit the new request.
			alloc.requestedSize = newSize
			return alloc.memory, nil
		}

		newMem, err := protector.AllocatePages(uintptr(newActual))
		if err != nil {
			return nil, err
		}

		n := alloc.requestedSize
		if newSize < n {
			n = newSize
		}
		copy(newMem, alloc.memory[:n])

		if alloc.state == suspiciousState {
			if err := t.protector.RemoveWatch(oldAddr); err != nil {
				return nil, err
			}
		}
		if err := protector.FreePages(alloc.memory); err != nil {
			return nil, err
		}

		delete(t.closelyWatched, oldAddr)
		alloc.memory = newMem
		alloc.requestedSize = newSize
		t.closelyWatched[addrOf(newMem)] = alloc
		return newMem, nil
	}

	// Uninstrumented address.
	return preferred(old, uintptr(newSize))
}

// InstrumentedFree is the instrumented free entry point.
func (t *Table) InstrumentedFree(ctx *reentrancy.LibraryContext, mem []byte, preferred PreferredFree) error {
	if len(mem) == 0 {
		return nil
	}

	if ctx.InLibrary() || t.sw.Load() == watchswitch.NotWatching {
		preferred(mem)
		return nil
	}

	leave, entered := ctx.Enter()
	defer leave()
	if !entered {
		preferred(mem)
		return nil
	}

	t.mu.Lock()

	t.stats.EnsureEnabled(time.Now())
	atomic.AddUint64(&t.stats.FreeCount, 1)

	addr := addrOf(mem)

	if _, ok := t.light[addr]; ok {
		delete(t.light, addr)
		t.mu.Unlock()
		preferred(mem)
		return nil
	}

	if alloc, ok := t.closelyWatched[addr]; ok {
		alloc.trace.RecordFreed(&t.liveAllTraces)
		delete(t.closelyWatched, addr)

		var watchErr error
		if alloc.state == suspiciousState {
			watchErr = t.protector.RemoveWatch(addr)
		}
		t.mu.Unlock()

		// Closely-watched memory never came from preferred; it was allocated
		// by protector.AllocatePages, so it is protector.FreePages's job to
		// release it, not preferred's.
		if freeErr := protector.FreePages(alloc.memory); freeErr != nil && watchErr == nil {
			watchErr = freeErr
		}
		return watchErr
	}

	t.mu.Unlock()
	preferred(mem)
	return nil
}

// onAccess is the tripwire callback installed by AgePass: an access to a
// Suspicious closely-watched allocation proves it is still live, so it is
// disarmed back to NotYetSuspicious rather than declared a leak.
func (t *Table) onAccess(addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	alloc, ok := t.closelyWatched[addr]
	if !ok || alloc.state != suspiciousState {
		return
	}
	alloc.state = notYetSuspicious
	alloc.deadline = time.Now().Add(suspiciousAfter(t.env))
}

// Access runs fn as an access to mem, the backing memory of a
// closely-watched allocation. Go cannot intercept an arbitrary pointer
// dereference the way the original's segfault handler does, so any code
// that touches memory returned by InstrumentedAllocate for a closely
// watched allocation must route through Access (or hold a reference that
// itself calls Access) for the disarm-on-access behavior in §4.3 to apply;
// touching it directly while Suspicious is a real, unrecoverable fault at
// the OS level. See SPEC_FULL.md §4.5a.
func (t *Table) Access(mem []byte, fn func()) error {
	_, err := t.protector.Guard(addrOf(mem), uintptr(len(mem)), fn)
	return err
}

// AgePass is the patrol-only aging step: it ages light allocations into
// suspicious fingerprints, advances closely-watched allocations from
// NotYetSuspicious to Suspicious (installing tripwires), and declares leaks
// for allocations that were already Suspicious. Callers other than the
// patrol thread must not call this.
func (t *Table) AgePass(now time.Time) (stats.Snapshot, []FoundLeak) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var leaks []FoundLeak

	for addr, alloc := range t.light {
		if alloc.deadline.After(now) {
			continue
		}
		t.markSuspiciousLocked(alloc.fingerprint)
		delete(t.light, addr)
	}

	for addr, alloc := range t.closelyWatched {
		if alloc.deadline.After(now) {
			continue
		}

		switch alloc.state {
		case notYetSuspicious:
			watchAddr := addr
			if err := t.protector.WatchRange(alloc.memory, func() { t.onAccess(watchAddr) }); err != nil {
				// mprotect(PROT_NONE) failed at the OS level: the
				// closely-watched invariant (a Suspicious allocation is
				// always page-protected) can no longer be guaranteed, so
				// this is fatal rather than retried.
				t.fatal("install tripwire", err)
				continue
			}
			alloc.state = suspiciousState
			alloc.deadline = now.Add(time.Duration(t.env.CloselyWatchedAllocationsAccessMaxInterval) * time.Second)

		case suspiciousState:
			alloc.trace.RecordLeak(alloc.requestedSize, &t.liveAllTraces)
			if err := t.protector.RemoveWatch(addr); err != nil {
				t.fatal("remove tripwire", err)
			}
			delete(t.closelyWatched, addr)
			leaks = append(leaks, FoundLeak{
				StackTrace: alloc.trace.StackTrace,
				Memory:     alloc.memory,
				Size:       alloc.requestedSize,
			})
		}
	}

	return t.stats.Snapshot(now), leaks
}

func (t *Table) markSuspiciousLocked(fp fingerprint.Fingerprint) {
	if _, ok := t.suspicious[fp]; ok {
		return
	}
	t.suspicious[fp] = make(map[string]*traceinfo.Info)
}

// Classify reports whether info's stack trace is known to leak, known not
// to, or still undetermined, per the environment's sample-size threshold.
func (t *Table) Classify(info *traceinfo.Info) traceinfo.Trilean {
	return info.HasLeaks(t.env)
}

// ForEachSuspiciousTrace calls fn once per distinct stack trace currently
// tracked in the suspicious-fingerprint index. Used by the report builder;
// fn must not call back into Table.
func (t *Table) ForEachSuspiciousTrace(fn func(fp fingerprint.Fingerprint, info *traceinfo.Info)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fp, traces := range t.suspicious {
		for _, info := range traces {
			fn(fp, info)
		}
	}
}

// SuspiciousFingerprintCount returns how many distinct fingerprints are
// currently marked suspicious.
func (t *Table) SuspiciousFingerprintCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.suspicious)
}

// StatsSnapshot returns a point-in-time copy of the throughput counters.
func (t *Table) StatsSnapshot(now time.Time) stats.Snapshot {
	return t.stats.Snapshot(now)
}

// LiveCloselyWatchedAllocations returns the process-wide live count, for
// budget diagnostics and tests.
func (t *Table) LiveCloselyWatchedAllocations() uint32 {
	return atomic.LoadUint32(&t.liveAllTraces)
}

// LightAllocationCount and CloselyWatchedAllocationCount report map sizes
// for tests and diagnostics.
func (t *Table) LightAllocationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.light)
}

func (t *Table) CloselyWatchedAllocationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.closelyWatched)
}

func suspiciousAfter(e *env.Environment) time.Duration {
	return time.Duration(e.TimeForAllocationToBecomeSuspicious) * time.Second
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
