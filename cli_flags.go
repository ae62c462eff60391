// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/perf-recorder/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgEvents           = "cpu-clock"
	defaultArgFrequency        = 4000
	defaultArgCallGraph        = "none"
	defaultArgDumpStackSize    = 8192
	defaultArgJoinCacheSizeMiB = 256
	defaultArgOutput           = "perf-recorder.zst"
	defaultHotplugInterval     = 500 * time.Millisecond
	defaultClockSyncInterval   = 3 * time.Minute
)

// Help strings for command line arguments
var (
	systemWideHelp    = "Record all processes on all CPUs."
	callGraphHelp     = "Call chain mode: none, fp (frame pointers) or dwarf (stack dumps)."
	clockIDHelp       = "Clock of sample timestamps: perf, realtime, monotonic, monotonic_raw or boottime."
	clockSyncHelp     = "Set the sync interval with the realtime clock. If zero, the sync is done once."
	cpusHelp          = "CPUs to record on, like 0,2-3. Default is all online CPUs."
	durationHelp      = "Stop recording after this duration. Zero records until interrupted."
	dumpStackSizeHelp = "Bytes of user stack dumped per sample in dwarf mode, a multiple of 8."
	eventsHelp        = "Comma separated events, each in its own group."
	frequencyHelp     = "Sample frequency in Hz. Mutually exclusive with -period."
	groupHelp         = "Comma separated events scheduled together. Can be repeated."
	hotplugHelp       = "Interval of the CPU hotplug check. Zero disables hotplug handling."
	joinHelp          = "Join call chains that were cut short by the stack dump size."
	joinCacheHelp     = "Size budget in MiB of the call chain cache used for joining."
	maxFramesHelp     = "Maximum frames per unwound call chain, at most 4096. Zero uses the default."
	minMatchingHelp   = "Frames two call chains must share to be joined. Required with -join."
	mmapPagesHelp     = "Data pages of each ring buffer, a power of two. Zero sizes it automatically."
	noInheritHelp     = "Do not record threads created by the monitored targets."
	noProcMapsHelp    = "Do not read /proc/PID/maps of processes started before recording."
	noUeventsHelp     = "Detect CPU hotplug by polling only."
	outputHelp        = "Output file of the recorded stream."
	periodHelp        = "Sample every N events. Mutually exclusive with -frequency."
	pidsHelp          = "Comma separated processes to record."
	postUnwindHelp    = "Unwind dwarf samples after recording instead of while recording."
	progressHelp      = "Interval of progress logging. Progress is also logged on SIGUSR1."
	tempDirHelp       = "Directory of temporary spool and cache files."
	tidsHelp          = "Comma separated threads to record."
	unwindStatsHelp   = "Collect per sample unwinding statistics."
	verboseModeHelp   = "Enable verbose logging and debugging capabilities."
	versionHelp       = "Show version."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("perf-recorder", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.SystemWide, "a", false, "Shorthand for -system-wide.")

	fs.StringVar(&args.CallGraph, "call-graph", defaultArgCallGraph, callGraphHelp)
	fs.StringVar(&args.ClockID, "clockid", "", clockIDHelp)
	fs.DurationVar(&args.ClockSyncInterval, "clock-sync-interval", defaultClockSyncInterval,
		clockSyncHelp)
	fs.StringVar(&args.CPUs, "cpu", "", cpusHelp)

	fs.DurationVar(&args.Duration, "duration", 0, durationHelp)
	fs.UintVar(&args.DumpStackSize, "dump-stack-size", defaultArgDumpStackSize,
		dumpStackSizeHelp)

	fs.StringVar(&args.Events, "e", defaultArgEvents, "Shorthand for -events.")
	fs.StringVar(&args.Events, "events", defaultArgEvents, eventsHelp)

	fs.Uint64Var(&args.Frequency, "f", defaultArgFrequency, "Shorthand for -frequency.")
	fs.Uint64Var(&args.Frequency, "frequency", defaultArgFrequency, frequencyHelp)

	fs.Var(&args.Groups, "group", groupHelp)

	fs.DurationVar(&args.HotplugInterval, "hotplug-interval", defaultHotplugInterval,
		hotplugHelp)

	fs.BoolVar(&args.Join, "join", false, joinHelp)
	fs.UintVar(&args.JoinCacheSizeMiB, "join-cache-size", defaultArgJoinCacheSizeMiB,
		joinCacheHelp)

	fs.UintVar(&args.MmapPages, "m", 0, "Shorthand for -mmap-pages.")
	fs.UintVar(&args.MmapPages, "mmap-pages", 0, mmapPagesHelp)
	fs.IntVar(&args.MaxFrames, "max-frames", 0, maxFramesHelp)
	fs.IntVar(&args.MinMatchingNodes, "min-matching-nodes", 0, minMatchingHelp)

	fs.BoolVar(&args.NoInherit, "no-inherit", false, noInheritHelp)
	fs.BoolVar(&args.NoProcMaps, "no-proc-maps", false, noProcMapsHelp)
	fs.BoolVar(&args.NoUevents, "no-uevents", false, noUeventsHelp)

	fs.StringVar(&args.Output, "o", defaultArgOutput, "Shorthand for -output.")
	fs.StringVar(&args.Output, "output", defaultArgOutput, outputHelp)

	fs.StringVar(&args.Pids, "p", "", "Shorthand for -pids.")
	fs.StringVar(&args.Pids, "pids", "", pidsHelp)
	fs.Uint64Var(&args.Period, "period", 0, periodHelp)
	fs.BoolVar(&args.PostUnwind, "post-unwind", false, postUnwindHelp)
	fs.DurationVar(&args.ProgressInterval, "progress-interval", 0, progressHelp)

	fs.BoolVar(&args.SystemWide, "system-wide", false, systemWideHelp)

	fs.StringVar(&args.Tids, "t", "", "Shorthand for -tids.")
	fs.StringVar(&args.Tids, "tids", "", tidsHelp)
	fs.StringVar(&args.TempDir, "temp-dir", "", tempDirHelp)

	fs.BoolVar(&args.UnwindStats, "unwind-stats", false, unwindStatsHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PERF_RECORDER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
