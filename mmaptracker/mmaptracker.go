// Package mmaptracker is the peripheral mmap/munmap range tracker: a
// separate interposition subsystem, independent of the suspicion engine,
// that maintains an ordered map of start -> slice so a partial munmap can
// be resolved into the slices it actually touches. It never overlaps with
// or references the allocation table; it exists purely to keep an accurate
// picture of anonymous mappings for external tooling (e.g. a memory-usage
// report cross-referencing RSS against known mappings).
package mmaptracker

import (
	"sort"
	"sync"
)

// Allocation identifies the mmap() call that first created a range. A
// single Allocation may end up referenced by several slices if later
// partial unmaps split its range.
type Allocation struct {
	StackTraceKey string
	OriginalStart uintptr
	OriginalSize  uintptr
}

// OriginalEnd returns the exclusive end address of the original mapping,
// before any splitting.
func (a Allocation) OriginalEnd() uintptr { return a.OriginalStart + a.OriginalSize }

type slice struct {
	start      uintptr
	size       uintptr
	allocation *Allocation
}

func (s *slice) end() uintptr { return s.start + s.size }

// Tracker is the ordered range map. The zero value is not usable; construct
// with New.
type Tracker struct {
	mu      sync.Mutex
	byStart map[uintptr]*slice
	starts  []uintptr // kept sorted ascending
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{byStart: make(map[uintptr]*slice)}
}

// RegisterMap records a freshly created mapping as a single slice spanning
// its whole original range.
func (t *Tracker) RegisterMap(alloc Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := alloc
	t.insert(&slice{start: a.OriginalStart, size: a.OriginalSize, allocation: &a})
}

// RegisterUnmap removes the portion of tracked mappings covered by
// [start, start+size). It splits any slice straddling either boundary
// first, so only whole slices are ever erased. It reports whether any
// tracked memory actually fell inside the range; unmapping an untracked or
// already-unmapped range is a no-op that returns false.
func (t *Tracker) RegisterUnmap(start, size uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := start + size
	t.splitAt(start)
	t.splitAt(end)

	eraseStart := t.lowerBoundIndex(start)
	eraseEnd := t.lowerBoundIndex(end)
	if eraseStart == eraseEnd {
		return false
	}

	for _, s := range t.starts[eraseStart:eraseEnd] {
		delete(t.byStart, s)
	}
	t.starts = append(t.starts[:eraseStart], t.starts[eraseEnd:]...)
	return true
}

// splitAt breaks whichever slice contains pointer strictly inside its range
// into two slices meeting exactly at pointer. It is a no-op if pointer lies
// outside every slice or already coincides with a slice boundary.
func (t *Tracker) splitAt(pointer uintptr) {
	idx := t.upperBoundIndex(pointer)
	if idx == 0 {
		return
	}

	containing := t.byStart[t.starts[idx-1]]
	if pointer == containing.start || pointer >= containing.end() {
		return
	}

	tailSize := containing.end() - pointer
	containing.size = pointer - containing.start
	t.insert(&slice{start: pointer, size: tailSize, allocation: containing.allocation})
}

func (t *Tracker) insert(s *slice) {
	idx := t.lowerBoundIndex(s.start)
	t.starts = append(t.starts, 0)
	copy(t.starts[idx+1:], t.starts[idx:])
	t.starts[idx] = s.start
	t.byStart[s.start] = s
}

// lowerBoundIndex returns the index of the first tracked start >= x.
func (t *Tracker) lowerBoundIndex(x uintptr) int {
	return sort.Search(len(t.starts), func(i int) bool { return t.starts[i] >= x })
}

// upperBoundIndex returns the index of the first tracked start > x.
func (t *Tracker) upperBoundIndex(x uintptr) int {
	return sort.Search(len(t.starts), func(i int) bool { return t.starts[i] > x })
}

// Range is a read-only view of one tracked slice, for diagnostics and tests.
type Range struct {
	Start         uintptr
	Size          uintptr
	StackTraceKey string
}

// Ranges returns every currently tracked slice, ordered by start address.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Range, len(t.starts))
	for i, start := range t.starts {
		s := t.byStart[start]
		out[i] = Range{Start: s.start, Size: s.size, StackTraceKey: s.allocation.StackTraceKey}
	}
	return out
}
