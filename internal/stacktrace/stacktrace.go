// Package stacktrace defines the opaque, value-comparable stack trace type
// consumed by the suspicion engine. Unwinding and symbol resolution are an
// external collaborator's responsibility (see spec.md §1); this package only
// needs equality and a stable hash/key over an ordered sequence of
// instruction pointers.
package stacktrace

import (
	"encoding/binary"
	"strings"
)

// StackTrace is an ordered sequence of instruction pointers, top (innermost)
// frame first. Two traces are equal iff their instruction pointers are
// equal in the same order.
type StackTrace struct {
	ips []uintptr
	key string
}

// New builds a StackTrace from an ordered slice of instruction pointers.
// The slice is copied; the caller's backing array may be reused afterward.
func New(instructionPointers []uintptr) StackTrace {
	ips := make([]uintptr, len(instructionPointers))
	copy(ips, instructionPointers)
	return StackTrace{ips: ips, key: encodeKey(ips)}
}

func encodeKey(ips []uintptr) string {
	var b strings.Builder
	buf := make([]byte, 8)
	for _, ip := range ips {
		binary.LittleEndian.PutUint64(buf, uint64(ip))
		b.Write(buf)
	}
	return b.String()
}

// Key returns a comparable, hashable representation of the trace suitable
// for use as a Go map key (instruction pointers themselves are not
// guaranteed comparable across platforms in a way that is cheap to hash
// repeatedly, so traces carry their encoded key alongside the raw slice).
func (s StackTrace) Key() string { return s.key }

// Equal reports whether two traces reference the same sequence of frames.
func (s StackTrace) Equal(other StackTrace) bool { return s.key == other.key }

// Len returns the number of frames in the trace.
func (s StackTrace) Len() int { return len(s.ips) }

// InstructionPointers returns the ordered frames, top first. The returned
// slice must not be mutated.
func (s StackTrace) InstructionPointers() []uintptr { return s.ips }

// IsZero reports whether the trace carries no frames (the zero value).
func (s StackTrace) IsZero() bool { return len(s.ips) == 0 }
