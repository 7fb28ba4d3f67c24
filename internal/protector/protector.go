// Package protector implements page-protection tripwires: page-aligned
// memory ranges that fault on access until explicitly armed otherwise.
//
// The C original wires this to mprotect() plus a SIGSEGV handler that
// resumes the faulting instruction after clearing protection. Go exposes
// no resumable, addressed synchronous fault handler without cgo. This
// package still performs real PROT_NONE protection on real anonymous-mmap'd
// pages via golang.org/x/sys/unix, so an unmediated access genuinely faults
// at the OS level; the handler side is built on runtime/debug.SetPanicOnFault
// (a stdlib primitive built for exactly this purpose) plus recover and a
// scoped retry. See SPEC_FULL.md §4.5a for the full rationale.
package protector

import (
	"fmt"
	"runtime/debug"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/allocwatch/internal/errors"
)

// Range is a page-aligned, page-sized watched region.
type Range struct {
	Start uintptr
	Size  uintptr

	mem      []byte
	onAccess func()
}

// End returns the exclusive end address of the range.
func (r *Range) End() uintptr { return r.Start + r.Size }

func (r *Range) contains(addr uintptr) bool {
	return r.Start <= addr && addr < r.End()
}

// MemoryProtector owns the set of currently watched ranges and the syscalls
// that arm/disarm them. WatchRange and RemoveWatch are callable only while
// the caller holds the core lock (AllocationTable's mutex); Guard must be
// called without it, because the onAccess callback it runs takes the core
// lock itself. MemoryProtector only serializes against its own range set,
// it does not know about the core lock.
type MemoryProtector struct {
	mu     sync.Mutex
	ranges map[uintptr]*Range
}

// New returns an empty MemoryProtector.
func New() *MemoryProtector {
	return &MemoryProtector{ranges: make(map[uintptr]*Range)}
}

// AllocatePages returns a fresh anonymous mapping of at least size bytes,
// read-write, not yet watched. size must already be a page multiple; the
// caller (AllocationTable) is responsible for rounding.
func AllocatePages(size uintptr) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.BackingAllocationFailed("mmap", size, err)
	}
	return mem, nil
}

// FreePages releases a mapping returned by AllocatePages. The range must
// already be unwatched (call RemoveWatch first).
func FreePages(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return errors.BackingAllocationFailed("munmap", uintptr(len(mem)), err)
	}
	return nil
}

func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// WatchRange arms a tripwire on mem: the full range becomes inaccessible
// (PROT_NONE) until Guard observes a fault against it or RemoveWatch is
// called. mem must be page-aligned and page-sized (AllocatePages satisfies
// both), and must not overlap any range already being watched. Callers must
// hold the core lock.
func (p *MemoryProtector) WatchRange(mem []byte, onAccess func()) error {
	start := addrOf(mem)
	size := uintptr(len(mem))

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.ranges {
		if r.Start < start+size && start < r.End() {
			return fmt.Errorf("protector: range [%#x,%#x) overlaps existing watch [%#x,%#x)", start, start+size, r.Start, r.End())
		}
	}

	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		return errors.PageProtectionFailed("mprotect(PROT_NONE)", err)
	}

	p.ranges[start] = &Range{Start: start, Size: size, mem: mem, onAccess: onAccess}
	return nil
}

// RemoveWatch restores read/write access to the range starting at start
// and drops its record. It is a no-op if start is not currently watched
// (mirrors §4.7: removing a tripwire that already fired or was never
// installed is not an error). Callers must hold the core lock.
func (p *MemoryProtector) RemoveWatch(start uintptr) error {
	p.mu.Lock()
	r, ok := p.ranges[start]
	if ok {
		delete(p.ranges, start)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.PageProtectionFailed("mprotect(PROT_READ|PROT_WRITE)", err)
	}
	return nil
}

// FindContaining returns the watched range containing addr, if any.
func (p *MemoryProtector) FindContaining(addr uintptr) (*Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.ranges {
		if r.contains(addr) {
			return r, true
		}
	}
	return nil, false
}

// disarm is the fault-handling path used by Guard: it re-protects for
// read/write, runs onAccess, and erases the range. Mirrors memory-protector.h's segfaultHandler body.
func (p *MemoryProtector) disarm(r *Range) error {
	if err := unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.PageProtectionFailed("mprotect(PROT_READ|PROT_WRITE)", err)
	}

	r.onAccess()

	p.mu.Lock()
	delete(p.ranges, r.Start)
	p.mu.Unlock()

	return nil
}

// Guard runs fn with SetPanicOnFault enabled on the calling goroutine,
// treating any recovered invalid-memory-access panic as an access to the
// range [start, start+size). On a real C/mprotect tripwire the handler
// knows the faulting address from siginfo; Go's panic carries no such
// information, so Guard instead relies on the caller already knowing which
// range it is about to touch (the range is always reached through an
// owning handle in this port — see SPEC_FULL.md §4.5a). If the range is not
// currently watched when the panic is caught, Guard re-raises: either
// another goroutine already serviced and erased it (a transient, harmless
// race) or this really is an application bug, and either way Guard cannot
// tell the difference without the range, so it propagates.
//
// On disarm, Guard re-invokes fn once so the caller's access succeeds the
// same way a real tripwire lets the faulting instruction retry.
func (p *MemoryProtector) Guard(start, size uintptr, fn func()) (triggered bool, err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	func() {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			p.mu.Lock()
			r, ok := p.ranges[start]
			p.mu.Unlock()

			if !ok {
				panic(rec)
			}

			if derr := p.disarm(r); derr != nil {
				err = derr
				return
			}

			triggered = true
			fn()
		}()
		fn()
	}()

	_ = size // part of the documented contract; range identity comes from start
	return triggered, err
}

// Watching reports how many ranges are currently armed, for budget
// accounting and tests.
func (p *MemoryProtector) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ranges)
}
