// Package reentrancy provides the scoped "in-library" guard that keeps the
// core from re-entering itself when its own bookkeeping (or the tripwire
// handler) needs to allocate.
//
// The C original keys this off a thread_local flag: whichever OS thread is
// currently inside the core bypasses instrumentation. Go has no public,
// safe goroutine-local storage, and sniffing goroutine identity via
// runtime.getg/go:linkname needs a matching assembly stub this module
// cannot author without a way to verify it. Instead, LibraryContext is an
// explicit, caller-owned guard: the shim (out of scope; see spec.md §1) is
// expected to own one LibraryContext per underlying OS-thread-equivalent
// worker and thread it through every core call, the same way a
// context.Context is threaded through blocking APIs.
package reentrancy

// LibraryContext tracks whether its owner is currently executing inside the
// core. It is not safe for concurrent use by multiple callers; each
// OS-thread-equivalent worker owns exactly one.
type LibraryContext struct {
	inLibrary bool
}

// New returns a LibraryContext that is not currently inside the library.
func New() *LibraryContext {
	return &LibraryContext{}
}

// InLibrary reports whether the owner is currently inside a core operation.
func (c *LibraryContext) InLibrary() bool {
	return c.inLibrary
}

// Enter marks the context as inside the core and returns a function that
// must be called (typically via defer) to leave again on every control
// path. If the context was already inside the core, Enter is a no-op and
// the returned bool is false, signaling the caller that it is nested and
// should bypass instrumentation entirely rather than re-enter.
func (c *LibraryContext) Enter() (leave func(), entered bool) {
	if c.inLibrary {
		return func() {}, false
	}

	c.inLibrary = true
	return func() { c.inLibrary = false }, true
}
