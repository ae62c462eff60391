// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package recorder // import "go.opentelemetry.io/perf-recorder/recorder"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/times"
)

// NoClockID keeps the kernel's default perf clock.
const NoClockID int32 = -1

// MaxFramesLimit bounds unwound and joined chains, so that a sample with
// its chain still fits into one record.
const MaxFramesLimit = 4096

// Config describes one recording session.
type Config struct {
	// EventGroups lists the event names of every group. Events of one group
	// are scheduled together.
	EventGroups [][]string
	SampleSpeed eventselection.SampleSpeed
	CallChain   eventselection.CallChainOptions

	// PostUnwind defers unwinding of dwarf samples until recording ended.
	PostUnwind bool
	// JoinCallChains stitches unwound chains of the same thread that were
	// cut short by the stack dump size.
	JoinCallChains bool
	// JoinMinMatchingNodes is the number of frames two chains must share to
	// be joined. It has no default and must be at least 1 when joining.
	JoinMinMatchingNodes int
	// JoinCacheSize bounds the compressed call chain store in bytes.
	JoinCacheSize int64
	// UnwindStats enables per sample unwinding statistics.
	UnwindStats bool
	// MaxFrames bounds unwound chains. Zero uses the unwinder's default. It
	// must not exceed MaxFramesLimit.
	MaxFrames int
	// SeedProcMaps reads /proc/PID/maps for processes that have no map
	// records yet, for example processes started before the session.
	SeedProcMaps bool

	Pids       []int
	Tids       []int
	SystemWide bool
	// CPUs restricts monitoring. Empty means all online CPUs.
	CPUs []int

	MmapMinPages int
	MmapMaxPages int

	Inherit bool
	// ClockID selects the sample clock, or NoClockID.
	ClockID int32

	Intervals times.Intervals
	// TempDir holds spool and call chain cache files. Empty uses the
	// system default.
	TempDir string
}

// dwarf reports whether samples carry registers and stack for unwinding.
func (c *Config) dwarf() bool {
	return c.CallChain.Mode == eventselection.CallChainDwarf
}

// Validate rejects configurations a session cannot run with.
func (c *Config) Validate() error {
	if len(c.EventGroups) == 0 {
		return errors.New("no event selected")
	}
	for i, g := range c.EventGroups {
		if len(g) == 0 {
			return fmt.Errorf("event group %d is empty", i)
		}
	}
	if c.SystemWide == (len(c.Pids)+len(c.Tids) > 0) {
		return errors.New("select either system wide monitoring or processes and threads")
	}
	if (c.PostUnwind || c.JoinCallChains) && !c.dwarf() {
		return errors.New("post unwinding and call chain joining need dwarf call graphs")
	}
	if c.JoinCallChains {
		if c.JoinMinMatchingNodes < 1 {
			return fmt.Errorf("minimum matching nodes must be at least 1, got %d",
				c.JoinMinMatchingNodes)
		}
		if c.JoinCacheSize <= 0 {
			return fmt.Errorf("invalid call chain cache size %d", c.JoinCacheSize)
		}
	}
	if c.MaxFrames < 0 || c.MaxFrames > MaxFramesLimit {
		return fmt.Errorf("max frames %d out of range [0, %d]", c.MaxFrames, MaxFramesLimit)
	}
	if c.MmapMinPages < 1 || c.MmapMaxPages < c.MmapMinPages {
		return fmt.Errorf("invalid mmap page range [%d, %d]", c.MmapMinPages, c.MmapMaxPages)
	}
	if c.Intervals == nil {
		return errors.New("no intervals")
	}
	return nil
}
