// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-recorder/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/cpuinfo"
	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/recorder"
	"go.opentelemetry.io/perf-recorder/times"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

const MiB = 1 << 20

// Config holds the command line arguments of a recording session.
type Config struct {
	Events string
	Groups GroupList

	SystemWide bool
	Pids       string
	Tids       string
	CPUs       string

	Frequency uint64
	Period    uint64

	CallGraph     string
	DumpStackSize uint
	PostUnwind    bool
	Join          bool
	// MinMatchingNodes has no implicit value: joining requires it.
	MinMatchingNodes int
	JoinCacheSizeMiB uint
	UnwindStats      bool
	MaxFrames        int
	NoProcMaps       bool

	MmapPages uint
	NoInherit bool
	ClockID   string

	Duration          time.Duration
	HotplugInterval   time.Duration
	ClockSyncInterval time.Duration
	ProgressInterval  time.Duration
	NoUevents         bool

	Output  string
	TempDir string

	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// GroupList collects repeated -group flags. Each value is a comma separated
// list of events scheduled together.
type GroupList []string

func (g *GroupList) String() string {
	if g == nil {
		return ""
	}
	return strings.Join(*g, " ")
}

func (g *GroupList) Set(value string) error {
	*g = append(*g, value)
	return nil
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Output == "" {
		return errors.New("no output file")
	}
	if cfg.ProgressInterval < 0 || cfg.HotplugInterval < 0 || cfg.Duration < 0 {
		return errors.New("intervals must not be negative")
	}
	rc, err := cfg.RecorderConfig()
	if err != nil {
		return err
	}
	return rc.Validate()
}

// RecorderConfig converts the arguments into a session configuration.
func (cfg *Config) RecorderConfig() (recorder.Config, error) {
	rc := recorder.Config{
		SystemWide:           cfg.SystemWide,
		PostUnwind:           cfg.PostUnwind,
		JoinCallChains:       cfg.Join,
		JoinMinMatchingNodes: cfg.MinMatchingNodes,
		JoinCacheSize:        int64(cfg.JoinCacheSizeMiB) * MiB,
		UnwindStats:          cfg.UnwindStats,
		MaxFrames:            cfg.MaxFrames,
		SeedProcMaps:         !cfg.NoProcMaps,
		Inherit:              !cfg.NoInherit,
		Intervals:            times.New(cfg.Duration, cfg.HotplugInterval),
		TempDir:              cfg.TempDir,
	}

	for _, e := range splitList(cfg.Events) {
		rc.EventGroups = append(rc.EventGroups, []string{e})
	}
	for _, g := range cfg.Groups {
		rc.EventGroups = append(rc.EventGroups, splitList(g))
	}

	var err error
	if rc.Pids, err = parseIDs(cfg.Pids); err != nil {
		return rc, fmt.Errorf("invalid pid list: %w", err)
	}
	if rc.Tids, err = parseIDs(cfg.Tids); err != nil {
		return rc, fmt.Errorf("invalid tid list: %w", err)
	}
	if rc.CPUs, err = cpuinfo.ParseCPURange(cfg.CPUs); err != nil {
		return rc, fmt.Errorf("invalid cpu list: %w", err)
	}

	switch {
	case cfg.Frequency != 0 && cfg.Period != 0:
		return rc, errors.New("sample frequency and period are mutually exclusive")
	case cfg.Period != 0:
		rc.SampleSpeed.Period = cfg.Period
	default:
		rc.SampleSpeed.Freq = cfg.Frequency
	}

	mode, err := eventselection.ParseCallChainMode(cfg.CallGraph)
	if err != nil {
		return rc, err
	}
	rc.CallChain.Mode = mode
	if mode == eventselection.CallChainDwarf {
		rc.CallChain.RegsMask = unwinder.UserRegsMask(unwinder.HostArch())
		rc.CallChain.DumpStackSize = uint32(cfg.DumpStackSize)
	}

	if rc.ClockID, err = parseClockID(cfg.ClockID); err != nil {
		return rc, err
	}

	pages := cfg.MmapPages
	if pages == 0 {
		if pages, err = DefaultMmapPages(rc.SampleSpeed.Freq,
			rc.CallChain.DumpStackSize); err != nil {
			return rc, err
		}
	}
	rc.MmapMaxPages = int(pages)
	rc.MmapMinPages = min(int(pages), ringMinPages)
	return rc, nil
}

var clockIDs = map[string]int32{
	"realtime":      unix.CLOCK_REALTIME,
	"monotonic":     unix.CLOCK_MONOTONIC,
	"monotonic_raw": unix.CLOCK_MONOTONIC_RAW,
	"boottime":      unix.CLOCK_BOOTTIME,
}

func parseClockID(name string) (int32, error) {
	if name == "" || name == "perf" {
		return recorder.NoClockID, nil
	}
	id, ok := clockIDs[name]
	if !ok {
		return 0, fmt.Errorf("unknown clock %q", name)
	}
	return id, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range splitList(s) {
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
