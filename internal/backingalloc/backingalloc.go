// Package backingalloc provides a size-classed pooling allocator that
// stands in for the host process's real malloc/free/realloc when exercising
// AllocationTable outside of a real interposition shim (tests, the demo
// binary). It is adapted from the Orizon runtime's size-classed pool
// allocator, fixed to track each live allocation's size class (the
// original had no way to know which pool a given pointer came from when
// freeing it) and reshaped to return plain []byte so it satisfies the
// preferredAllocator contract AllocationTable's fast path expects.
package backingalloc

import (
	"sync"
	"unsafe"
)

// Size classes mirror common small-object allocator tiers: allocations are
// rounded up to the smallest class that fits.
const (
	sizeClassTiny   = 64
	sizeClassSmall  = 128
	sizeClassMedium = 256
	sizeClassLarge  = 512
	sizeClassHuge   = 1024
)

var sizeClasses = [...]int{sizeClassTiny, sizeClassSmall, sizeClassMedium, sizeClassLarge, sizeClassHuge}

// pool recycles fixed-size buffers of one size class.
type pool struct {
	sizeClass int
	sync.Pool
}

func newPool(sizeClass int) *pool {
	p := &pool{sizeClass: sizeClass}
	p.Pool.New = func() interface{} {
		buf := make([]byte, sizeClass)
		return &buf
	}
	return p
}

// Allocator is a pooling backing allocator. The zero value is not usable;
// construct with New.
type Allocator struct {
	pools [len(sizeClasses)]*pool

	mu    sync.Mutex
	class map[uintptr]int // address of buf[0] -> pool index, -1 for oversized

	allocCount uint64
	freeCount  uint64
	bytesLive  int64
}

// New returns a ready-to-use Allocator.
func New() *Allocator {
	a := &Allocator{class: make(map[uintptr]int)}
	for i, sc := range sizeClasses {
		a.pools[i] = newPool(sc)
	}
	return a
}

func classIndexFor(size int) int {
	for i, sc := range sizeClasses {
		if size <= sc {
			return i
		}
	}
	return -1 // oversized: not pooled
}

func addrOf(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[:1][0]))
}

// Allocate returns size bytes, ignoring alignment beyond what Go's own
// allocator already guarantees (the shim contract only ever asks this
// stand-in for untyped byte storage).
func (a *Allocator) Allocate(size, alignment uintptr) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	idx := classIndexFor(int(size))

	var buf []byte
	if idx >= 0 {
		ptr := a.pools[idx].Get().(*[]byte)
		buf = (*ptr)[:size]
	} else {
		buf = make([]byte, size)
	}

	a.mu.Lock()
	a.class[addrOf(buf)] = idx
	a.allocCount++
	a.bytesLive += int64(size)
	a.mu.Unlock()

	return buf, nil
}

// Free returns buf to its pool (or lets it be garbage collected, for
// oversized allocations). Freeing a buffer this allocator did not hand out
// is a no-op rather than an error: AllocationTable only ever frees what it
// allocated, but tests sometimes pass nil/zero-length slices through.
func (a *Allocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}

	key := addrOf(buf)

	a.mu.Lock()
	idx, ok := a.class[key]
	if ok {
		delete(a.class, key)
		a.freeCount++
		a.bytesLive -= int64(len(buf))
	}
	a.mu.Unlock()

	if !ok || idx < 0 {
		return
	}

	full := buf[:cap(buf)][:a.pools[idx].sizeClass]
	a.pools[idx].Put(&full)
}

// Reallocate grows or shrinks buf, copying the overlapping prefix, matching
// the shim's preferredReallocator contract.
func (a *Allocator) Reallocate(buf []byte, newSize uintptr) ([]byte, error) {
	newBuf, err := a.Allocate(newSize, 1)
	if err != nil {
		return nil, err
	}
	if len(buf) > 0 {
		n := len(buf)
		if int(newSize) < n {
			n = int(newSize)
		}
		copy(newBuf, buf[:n])
		a.Free(buf)
	}
	return newBuf, nil
}

// Stats reports simple throughput counters for diagnostics.
type Stats struct {
	AllocationCount uint64
	FreeCount       uint64
	BytesLive       int64
}

// Stats returns a point-in-time copy of the counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{AllocationCount: a.allocCount, FreeCount: a.freeCount, BytesLive: a.bytesLive}
}
