package stacktrace

import "testing"

func TestEqualSameFrames(t *testing.T) {
	a := New([]uintptr{1, 2, 3})
	b := New([]uintptr{1, 2, 3})
	if !a.Equal(b) {
		t.Error("traces with identical frames should be equal")
	}
	if a.Key() != b.Key() {
		t.Error("traces with identical frames should share a key")
	}
}

func TestEqualDiffersByOrder(t *testing.T) {
	a := New([]uintptr{1, 2, 3})
	b := New([]uintptr{3, 2, 1})
	if a.Equal(b) {
		t.Error("reordered frames should not be equal")
	}
}

func TestEqualDiffersByLength(t *testing.T) {
	a := New([]uintptr{1, 2, 3})
	b := New([]uintptr{1, 2})
	if a.Equal(b) {
		t.Error("traces of different length should not be equal")
	}
}

func TestNewCopiesInput(t *testing.T) {
	src := []uintptr{1, 2, 3}
	trace := New(src)
	src[0] = 99
	if trace.InstructionPointers()[0] != 1 {
		t.Error("StackTrace should not alias the caller's backing array")
	}
}

func TestIsZero(t *testing.T) {
	var empty StackTrace
	if !empty.IsZero() {
		t.Error("zero value should report IsZero")
	}
	if New([]uintptr{1}).IsZero() {
		t.Error("non-empty trace should not report IsZero")
	}
}

func TestKeyUsableAsMapKey(t *testing.T) {
	m := map[string]int{}
	a := New([]uintptr{10, 20})
	b := New([]uintptr{10, 20})
	m[a.Key()] = 1
	m[b.Key()]++
	if m[a.Key()] != 2 {
		t.Errorf("expected key collision for equal traces, got %d", m[a.Key()])
	}
}
