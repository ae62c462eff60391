// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

import "time"

// StopReason tells why an unwind ended.
type StopReason uint8

const (
	// StopReasonUnknown is a regular end: the outermost frame was reached.
	StopReasonUnknown StopReason = iota
	StopReasonMaxFramesExceeded
	StopReasonAccessRegFailed
	// StopReasonAccessStackFailed is a failed read of an address inside the
	// dumped stack range, typically just past its end.
	StopReasonAccessStackFailed
	// StopReasonAccessMemFailed is a failed read outside the stack range.
	StopReasonAccessMemFailed
	StopReasonFindProcInfoFailed
	StopReasonExecuteDwarfInstructionFailed
	StopReasonMapMissing

	numStopReasons
)

var stopReasonNames = [numStopReasons]string{
	StopReasonUnknown:                       "unknown",
	StopReasonMaxFramesExceeded:             "max_frames_exceeded",
	StopReasonAccessRegFailed:               "access_reg_failed",
	StopReasonAccessStackFailed:             "access_stack_failed",
	StopReasonAccessMemFailed:               "access_mem_failed",
	StopReasonFindProcInfoFailed:            "find_proc_info_failed",
	StopReasonExecuteDwarfInstructionFailed: "execute_dwarf_instruction_failed",
	StopReasonMapMissing:                    "map_missing",
}

func (r StopReason) String() string {
	if r < numStopReasons {
		return stopReasonNames[r]
	}
	return "invalid"
}

// StopReasons lists every reason in order.
func StopReasons() []StopReason {
	reasons := make([]StopReason, numStopReasons)
	for i := range reasons {
		reasons[i] = StopReason(i)
	}
	return reasons
}

// UnwindingResult describes the last unwind.
type UnwindingResult struct {
	UsedTime   time.Duration
	StopReason StopReason
	// FaultAddr is the address of a failed memory access.
	FaultAddr  uint64
	StackStart uint64
	StackEnd   uint64
}

// Stats aggregates unwinding results.
type Stats struct {
	// Attempts counts calls that reached the unwind primitive.
	Attempts uint64
	// Failures counts calls rejected before unwinding (no stack pointer, no
	// maps).
	Failures uint64
	Frames   uint64
	UsedTime time.Duration
	Reasons  [numStopReasons]uint64

	MapRebuilds  uint64
	MapCacheHits uint64
}

func (s *Stats) add(r UnwindingResult, frames int) {
	s.Attempts++
	s.Frames += uint64(frames)
	s.UsedTime += r.UsedTime
	s.Reasons[r.StopReason]++
}
