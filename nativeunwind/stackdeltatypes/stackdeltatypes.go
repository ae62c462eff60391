// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdeltatypes provides the types used to describe how to recover
// the caller's frame at a given code address. A sorted array of stack deltas
// covers one executable; consecutive entries establish intervals.
package stackdeltatypes // import "go.opentelemetry.io/perf-recorder/nativeunwind/stackdeltatypes"

import "sort"

const (
	// MinimumGap determines the minimum number of alignment bytes needed
	// in order to keep the created STOP stack delta between functions
	MinimumGap = 15

	// UnwindOpcodes select the base register of a CFA or FP expression.
	UnwindOpcodeCommand   uint8 = 0
	UnwindOpcodeBaseCFA   uint8 = 1
	UnwindOpcodeBaseSP    uint8 = 2
	UnwindOpcodeBaseFP    uint8 = 3
	UnwindOpcodeBaseLR    uint8 = 4
	UnwindOpcodeBaseReg   uint8 = 5
	UnwindOpcodeFlagDeref uint8 = 0x80

	// UnwindCommands are the parameters of UnwindOpcodeCommand.
	UnwindCommandInvalid int32 = 0
	UnwindCommandStop    int32 = 1
	UnwindCommandPLT     int32 = 2
	UnwindCommandSignal  int32 = 3

	// UnwindDeref handling of packed parameters.
	UnwindDerefMask       int32 = 7
	UnwindDerefMultiplier int32 = 8

	// UnwindHintNone indicates that no flags are set.
	UnwindHintNone uint8 = 0
	// UnwindHintKeep flags important intervals that should not be removed
	// (e.g. has CALL/SYSCALL assembly opcode, or is part of function prologue)
	UnwindHintKeep uint8 = 1
	// UnwindHintGap indicates that the delta marks function end
	UnwindHintGap uint8 = 4
)

// UnwindInfo contains the data needed to unwind PC, SP and FP
type UnwindInfo struct {
	Opcode, FPOpcode, MergeOpcode uint8

	Param, FPParam int32
}

// UnwindInfoInvalid is the stack delta info indicating invalid or unsupported PC.
var UnwindInfoInvalid = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandInvalid}

// UnwindInfoStop is the stack delta info indicating root function of a stack.
var UnwindInfoStop = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandStop}

// UnwindInfoSignal is the stack delta info indicating signal return frame.
var UnwindInfoSignal = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandSignal}

// UnwindInfoFramePointerX64 contains the description to unwind a x86-64 frame pointer frame.
var UnwindInfoFramePointerX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoFramePointerX86 unwinds a 32-bit x86 frame pointer frame.
var UnwindInfoFramePointerX86 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    8,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -8,
}

// UnwindInfoFramePointerARM64 unwinds an aarch64 frame record {x29, x30}.
var UnwindInfoFramePointerARM64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoFramePointerARM unwinds a 32-bit arm frame record {fp, lr}.
var UnwindInfoFramePointerARM = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    8,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -8,
}

// UnwindInfoLR contains the description to unwind arm function without frame (Link Register only)
var UnwindInfoLR = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	FPOpcode: UnwindOpcodeBaseLR,
}

// IsCommand reports whether the info is a command instead of a CFA rule.
func (ui UnwindInfo) IsCommand() bool {
	return ui.Opcode == UnwindOpcodeCommand
}

// StackDelta defines the start address for the delta interval, along with
// the unwind information.
type StackDelta struct {
	Address uint64
	Hints   uint8
	Info    UnwindInfo
}

// StackDeltaArray defines an address space where consecutive entries establish
// intervals for the stack deltas
type StackDeltaArray []StackDelta

// AddEx adds a new stack delta to the array.
func (deltas *StackDeltaArray) AddEx(delta StackDelta, sorted bool) {
	num := len(*deltas)
	if delta.Info.Opcode == UnwindOpcodeCommand {
		// FP information is invalid/unused for command opcodes.
		// But DWARF info often leaves bogus data there, so resetting it
		// reduces the number of unique Info contents generated.
		delta.Info.FPOpcode = UnwindOpcodeCommand
		delta.Info.FPParam = UnwindCommandInvalid
	}
	if num > 0 && sorted {
		prev := &(*deltas)[num-1]
		if prev.Hints&UnwindHintGap != 0 && prev.Address+MinimumGap >= delta.Address {
			// The previous opcode is end-of-function marker, and
			// the gap is not large. Reduce deltas by overwriting it.
			if num <= 1 || (*deltas)[num-2].Info != delta.Info {
				*prev = delta
				return
			}
			// The delta before end-of-function marker is same as
			// what is being inserted now. Overwrite that.
			prev = &(*deltas)[num-2]
			*deltas = (*deltas)[:num-1]
		}
		if prev.Info == delta.Info {
			prev.Hints |= delta.Hints & UnwindHintKeep
			return
		}
		if prev.Address == delta.Address {
			*prev = delta
			return
		}
	}
	*deltas = append(*deltas, delta)
}

// Add adds a new stack delta from a sorted source.
func (deltas *StackDeltaArray) Add(delta StackDelta) {
	deltas.AddEx(delta, true)
}

// Lookup returns the unwind info of the interval containing addr. Addresses
// before the first delta are invalid.
func (deltas StackDeltaArray) Lookup(addr uint64) UnwindInfo {
	i := sort.Search(len(deltas), func(i int) bool {
		return deltas[i].Address > addr
	})
	if i == 0 {
		return UnwindInfoInvalid
	}
	return deltas[i-1].Info
}

// PackDerefParam compresses pre- and post-dereference parameters to single value
func PackDerefParam(preDeref, postDeref int32) (int32, bool) {
	if postDeref < 0 || postDeref > 0x20 || postDeref%UnwindDerefMultiplier != 0 {
		return 0, false
	}
	return preDeref + postDeref/UnwindDerefMultiplier, true
}

// UnpackDerefParam splits the pre- and post-dereference parameters from single value
func UnpackDerefParam(param int32) (preDeref, postDeref int32) {
	return param &^ UnwindDerefMask, (param & UnwindDerefMask) * UnwindDerefMultiplier
}
