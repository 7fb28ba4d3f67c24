// Package watchswitch implements the cross-process control flag that
// enables and disables instrumentation: a single 32-bit word, read on the
// hot path with no synchronization beyond natural word-atomicity.
package watchswitch

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// State is the value of the control word.
type State int32

const (
	NotWatching State = 0
	Watching    State = 1
)

const wordSize = 4 // one int32

// WatchSwitch is a single shared word. Open returns a WatchSwitch backed
// by a real mmap'd file so that multiple OS processes mapping the same
// path observe the same word; InMemory returns a process-local stand-in
// for single-process tests and demos.
type WatchSwitch struct {
	word *int32 // points into backing below, or at a standalone int32 for the in-memory variant
	// backing keeps the mmap'd byte slice alive for the lifetime of the
	// WatchSwitch, and is nil for the in-memory variant.
	backing []byte
	file    *os.File
	path    string // empty for the in-memory variant; Watch needs it
}

// Open maps (creating if necessary) the fixed-size control file at path and
// returns a WatchSwitch backed by it. The file is resized to exactly one
// int32 on every Open; an existing file keeps its first four bytes.
func Open(path string) (*WatchSwitch, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("watchswitch: open %s: %w", path, err)
	}

	if err := f.Truncate(wordSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("watchswitch: truncate %s: %w", path, err)
	}

	backing, err := unix.Mmap(int(f.Fd()), 0, wordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("watchswitch: mmap %s: %w", path, err)
	}

	return &WatchSwitch{
		word:    (*int32)(unsafe.Pointer(&backing[0])),
		backing: backing,
		file:    f,
		path:    path,
	}, nil
}

// Path returns the control file path this WatchSwitch was opened with, or
// "" for an InMemory switch (which has nothing for Watch to watch).
func (w *WatchSwitch) Path() string { return w.path }

// InMemory returns a WatchSwitch with no backing file, for tests and for
// single-process embeddings that never need cross-process control.
func InMemory(initial State) *WatchSwitch {
	word := int32(initial)
	return &WatchSwitch{word: &word}
}

// Close unmaps and closes the backing file, if any. Safe to call on an
// InMemory switch (no-op).
func (w *WatchSwitch) Close() error {
	if w.backing == nil {
		return nil
	}

	err := unix.Munmap(w.backing)
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Load reads the current state. This is the hot-path entry point: a single
// atomic word load, no lock.
func (w *WatchSwitch) Load() State {
	return State(atomic.LoadInt32(w.word))
}

// Store sets the state. Used by the external "start" command and by
// PatrolThread's optional auto-start.
func (w *WatchSwitch) Store(s State) {
	atomic.StoreInt32(w.word, int32(s))
}

// Watch starts an fsnotify watch on path and emits the current state to the
// returned channel every time the control file is written. This is a
// logging convenience only, consumed by the patrol thread (via
// WatchSwitch.Path) to announce state transitions promptly instead of
// waiting for the next tick; the hot path above never depends on fsnotify
// or this channel. The watcher goroutine this starts has no cancellation
// path: it keeps running until the process exits, even if the control file
// is removed, matching Thread.Stop's own fire-and-forget shutdown.
func Watch(path string) (<-chan State, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watchswitch: fsnotify: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watchswitch: watch %s: %w", path, err)
	}

	states := make(chan State, 1)
	go func() {
		defer watcher.Close()
		defer close(states)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				state, err := readState(path)
				if err != nil {
					continue
				}
				select {
				case states <- state:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return states, nil
}

func readState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) < wordSize {
		return NotWatching, fmt.Errorf("watchswitch: read %s: %w", path, err)
	}
	return State(int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16 | int32(data[3])<<24), nil
}
