// Package patrol runs the background aging loop: the single long-running
// thread that ages light and closely-watched allocations, announces newly
// declared leaks, and periodically emits the aggregate leak report. Its
// start/stop shape is grounded on the Orizon runtime's resource leak
// detector scan loop (ticker plus a stop channel, guarded by isRunning).
package patrol

import (
	"sync"
	"time"

	"github.com/orizon-lang/allocwatch/internal/alloctable"
	"github.com/orizon-lang/allocwatch/internal/env"
	"github.com/orizon-lang/allocwatch/internal/report"
	"github.com/orizon-lang/allocwatch/internal/telemetry"
	"github.com/orizon-lang/allocwatch/internal/watchswitch"
)

const tickInterval = 5 * time.Second

// Thread is the patrol thread. The zero value is not usable; construct with
// New. Exactly one Thread should run per Table.
type Thread struct {
	table   *alloctable.Table
	env     *env.Environment
	sw      *watchswitch.WatchSwitch
	streams *telemetry.Streams

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}

	// occurrences and nextLeakReport are only ever touched from the patrol
	// goroutine itself, never concurrently, so they need no lock.
	occurrences    map[string]uint32
	nextLeakReport time.Time
}

// New returns a Thread that is not yet running.
func New(table *alloctable.Table, e *env.Environment, sw *watchswitch.WatchSwitch, streams *telemetry.Streams) *Thread {
	return &Thread{
		table:       table,
		env:         e,
		sw:          sw,
		streams:     streams,
		stopChan:    make(chan struct{}),
		occurrences: make(map[string]uint32),
	}
}

// Start launches the patrol goroutine. Calling Start on an already-running
// Thread is a no-op.
func (p *Thread) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return
	}
	p.isRunning = true
	go p.run()
}

// Stop signals the patrol goroutine to exit. Calling Stop on an
// already-stopped Thread is a no-op. Stop does not wait for the goroutine to
// actually exit; it is a fire-and-forget close of the stop channel.
func (p *Thread) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isRunning {
		return
	}
	close(p.stopChan)
	p.isRunning = false
}

func (p *Thread) run() {
	if p.env.AutoStartTime != 0 {
		select {
		case <-time.After(time.Duration(p.env.AutoStartTime) * time.Second):
			p.sw.Store(watchswitch.Watching)
		case <-p.stopChan:
			return
		}
	}

	// Watching the control file itself (rather than only the word's value
	// on the next tick) lets an externally issued "start"/"stop" be
	// announced promptly. InMemory switches have no backing path, so this
	// is a no-op for them.
	var watchEvents <-chan watchswitch.State
	if path := p.sw.Path(); path != "" {
		if states, err := watchswitch.Watch(path); err == nil {
			watchEvents = states
		}
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(time.Now())
		case s, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			p.streams.WatchStateChanged(s == watchswitch.Watching)
		case <-p.stopChan:
			return
		}
	}
}

// tick runs one aging pass and reacts to its results. Exported as Tick so
// tests can drive it without waiting on the real ticker.
func (p *Thread) tick(now time.Time) {
	snap, leaks := p.table.AgePass(now)
	p.streams.Throughput(snap)

	for _, leak := range leaks {
		key := leak.StackTrace.Key()
		p.occurrences[key]++
		p.streams.NewLeak(key, p.occurrences[key], leak.Size)
	}

	if p.nextLeakReport.IsZero() {
		// Schedule the first leak report only after accounting has run a
		// while; do not emit one on this very first tick.
		p.nextLeakReport = now.Add(leakReportInterval(p.env))
		return
	}

	if now.After(p.nextLeakReport) {
		p.streams.LeakReport(report.Build(p.table, now))
		p.nextLeakReport = now.Add(leakReportInterval(p.env))
	}
}

// Tick runs one aging pass as of now, for tests that want to drive the
// patrol loop deterministically instead of waiting on the real ticker.
func (p *Thread) Tick(now time.Time) { p.tick(now) }

func leakReportInterval(e *env.Environment) time.Duration {
	return time.Duration(e.LeakReportInterval) * time.Second
}
