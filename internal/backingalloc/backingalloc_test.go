package backingalloc

import "testing"

func TestAllocateReturnsRequestedSize(t *testing.T) {
	a := New()
	buf, err := a.Allocate(100, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != 100 {
		t.Errorf("len(buf) = %d, want 100", len(buf))
	}
}

func TestAllocateZeroReturnsNil(t *testing.T) {
	a := New()
	buf, err := a.Allocate(0, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if buf != nil {
		t.Errorf("Allocate(0) = %v, want nil", buf)
	}
}

func TestOversizedAllocationBypassesPools(t *testing.T) {
	a := New()
	buf, err := a.Allocate(sizeClassHuge+1, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != sizeClassHuge+1 {
		t.Errorf("len(buf) = %d, want %d", len(buf), sizeClassHuge+1)
	}
	a.Free(buf) // must not panic even though it never came from a pool
}

func TestFreeUpdatesCounters(t *testing.T) {
	a := New()
	buf, err := a.Allocate(50, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(buf)

	stats := a.Stats()
	if stats.AllocationCount != 1 || stats.FreeCount != 1 {
		t.Errorf("stats = %+v, want 1 alloc, 1 free", stats)
	}
	if stats.BytesLive != 0 {
		t.Errorf("BytesLive = %d, want 0 after Free", stats.BytesLive)
	}
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	a := New()
	buf, _ := a.Allocate(50, 1)
	a.Free(buf)
	a.Free(buf) // must not double-decrement FreeCount or bytesLive

	stats := a.Stats()
	if stats.FreeCount != 1 {
		t.Errorf("FreeCount = %d, want 1 (double free should be a no-op)", stats.FreeCount)
	}
}

func TestReallocateGrowsAndPreservesPrefix(t *testing.T) {
	a := New()
	buf, _ := a.Allocate(10, 1)
	for i := range buf {
		buf[i] = byte(i)
	}

	grown, err := a.Reallocate(buf, 40)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if len(grown) != 40 {
		t.Errorf("len(grown) = %d, want 40", len(grown))
	}
	for i := 0; i < 10; i++ {
		if grown[i] != byte(i) {
			t.Errorf("grown[%d] = %d, want %d", i, grown[i], i)
		}
	}
}

func TestReallocateShrinkTruncatesPrefix(t *testing.T) {
	a := New()
	buf, _ := a.Allocate(40, 1)
	for i := range buf {
		buf[i] = byte(i)
	}

	shrunk, err := a.Reallocate(buf, 5)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if len(shrunk) != 5 {
		t.Errorf("len(shrunk) = %d, want 5", len(shrunk))
	}
	for i := 0; i < 5; i++ {
		if shrunk[i] != byte(i) {
			t.Errorf("shrunk[%d] = %d, want %d", i, shrunk[i], i)
		}
	}
}

func TestClassIndexForBoundaries(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, 0}, {sizeClassTiny, 0}, {sizeClassTiny + 1, 1},
		{sizeClassHuge, 4}, {sizeClassHuge + 1, -1},
	}
	for _, c := range cases {
		if got := classIndexFor(c.size); got != c.want {
			t.Errorf("classIndexFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
