// Package env reads the tunables that govern the suspicion engine from the
// process environment once at startup.
package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"golang.org/x/sys/unix"
)

// Environment holds the read-only tunables consumed by every other
// component. It is parsed once via Load and never mutated afterward.
type Environment struct {
	// TimeForAllocationToBecomeSuspicious is the expected maximum life of a
	// non-leaky allocation. Light allocations older than this age into the
	// suspicious-fingerprint index.
	TimeForAllocationToBecomeSuspicious uint32

	// CloselyWatchedAllocationsAccessMaxInterval is how long a closely
	// watched allocation may stay in the Suspicious state, tripwire armed,
	// before it is declared a leak.
	CloselyWatchedAllocationsAccessMaxInterval uint32

	// EnoughSamplesToProveNoLeak is the number of finished (non-live)
	// closely-watched samples from one trace after which, absent any leak,
	// the trace is considered proven innocent.
	EnoughSamplesToProveNoLeak uint32

	// MaxLiveCloselyWatchedAllocationsPerTrace caps live tracking per trace.
	MaxLiveCloselyWatchedAllocationsPerTrace uint32

	// GlobalMaxLiveCloselyWatchedAllocations caps live tracking process-wide,
	// bounded by the OS limit on the number of distinct protected regions.
	GlobalMaxLiveCloselyWatchedAllocations uint32

	// LeakReportInterval is the cadence, in seconds, of aggregate leak reports.
	LeakReportInterval uint32

	// PageSize is the OS page size, used to align and round closely-watched
	// allocations.
	PageSize uint32

	// AutoStartTime is the number of seconds after process start before
	// watching is enabled automatically. Zero disables auto-start; watching
	// then only begins when an external start command flips the WatchSwitch.
	AutoStartTime uint32
}

const (
	envTimeForAllocationToBecomeSuspicious        = "ALLOC_TIME_SUSPICIOUS"
	envCloselyWatchedAllocationsAccessMaxInterval = "ALLOC_MAX_ACCESS_INTERVAL"
	envEnoughSamplesToProveNoLeak                 = "ALLOC_ENOUGH_SAMPLES_TO_PROVE_NO_LEAK"
	envGlobalMaxLiveCloselyWatched                = "ALLOC_GLOBAL_MAX_CLOSELY_WATCHED"
	envMaxLiveCloselyWatchedPerTrace              = "ALLOC_MAX_CLOSELY_WATCHED"
	envLeakReportInterval                         = "ALLOC_LEAK_REPORT_INTERVAL"
	envAutoStartTime                              = "ALLOC_AUTO_START_TIME"
	envDotenvPath                                 = "ALLOC_DOTENV"
)

// Load parses the environment variables listed above into an Environment.
// If ALLOC_DOTENV names a file, it is loaded into the process environment
// first (missing or unreadable files are ignored, matching the rest of the
// tunables' own "fall back to default" behavior).
func Load() *Environment {
	if path := os.Getenv(envDotenvPath); path != "" {
		_ = godotenv.Load(path)
	}

	return &Environment{
		TimeForAllocationToBecomeSuspicious:        parseIntGreaterThanZero(envTimeForAllocationToBecomeSuspicious, 30),
		CloselyWatchedAllocationsAccessMaxInterval: parseIntGreaterThanZero(envCloselyWatchedAllocationsAccessMaxInterval, 1),
		EnoughSamplesToProveNoLeak:                 parseIntGreaterThanZero(envEnoughSamplesToProveNoLeak, 5),
		MaxLiveCloselyWatchedAllocationsPerTrace:   parseIntGreaterThanZero(envMaxLiveCloselyWatchedPerTrace, 30),
		GlobalMaxLiveCloselyWatchedAllocations:     parseIntGreaterThanZero(envGlobalMaxLiveCloselyWatched, 50000),
		LeakReportInterval:                         parseIntGreaterThanZero(envLeakReportInterval, 30),
		PageSize:                                   uint32(unix.Getpagesize()),
		AutoStartTime:                              parseIntGreaterThanZero(envAutoStartTime, 0),
	}
}

func parseIntGreaterThanZero(name string, defaultValue uint32) uint32 {
	raw := os.Getenv(name)
	if raw == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return defaultValue
	}

	return uint32(value)
}

// RoundUpToPageMultiple rounds size up to the next multiple of PageSize.
func (e *Environment) RoundUpToPageMultiple(size uint32) uint32 {
	pageSize := e.PageSize
	return (size + (pageSize - 1)) &^ (pageSize - 1)
}
