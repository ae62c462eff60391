// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

import (
	"encoding/binary"

	sdtypes "go.opentelemetry.io/perf-recorder/nativeunwind/stackdeltatypes"
)

// Frame is one unwound frame.
type Frame struct {
	PC uint64
	SP uint64
}

// Trace is what the unwind primitive produced for one sample.
type Trace struct {
	Frames    []Frame
	Reason    StopReason
	FaultAddr uint64
}

// Primitive walks the stack of one sample.
type Primitive interface {
	Unwind(regs RegBank, maps *MapSnapshot, mem *StackMemory, maxFrames int) Trace
}

// StackMemory is the user stack dumped with a sample. It starts at the
// sampled stack pointer.
type StackMemory struct {
	Start uint64
	Data  []byte
}

// End returns the first address after the dumped bytes.
func (m *StackMemory) End() uint64 {
	return m.Start + uint64(len(m.Data))
}

// read returns the little endian word of size bytes at addr.
func (m *StackMemory) read(addr uint64, size int) (uint64, bool) {
	if addr < m.Start || addr-m.Start+uint64(size) > uint64(len(m.Data)) {
		return 0, false
	}
	b := m.Data[addr-m.Start:]
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b)), true
	}
	return binary.LittleEndian.Uint64(b), true
}

// DeltaSource provides the stack deltas of a mapped file.
type DeltaSource interface {
	Deltas(path string) (sdtypes.StackDeltaArray, bool)
}

// DeltaPrimitive interprets stack deltas. Code without deltas is unwound
// with the frame pointer rule of the architecture.
type DeltaPrimitive struct {
	Source DeltaSource
}

func framePointerInfo(arch Arch) sdtypes.UnwindInfo {
	switch arch {
	case ArchX86:
		return sdtypes.UnwindInfoFramePointerX86
	case ArchARM:
		return sdtypes.UnwindInfoFramePointerARM
	case ArchARM64:
		return sdtypes.UnwindInfoFramePointerARM64
	}
	return sdtypes.UnwindInfoFramePointerX64
}

type unwindState struct {
	pc, sp, fp, lr uint64
	fpValid        bool
	lrValid        bool
}

// Unwind implements Primitive.
func (p DeltaPrimitive) Unwind(regs RegBank, maps *MapSnapshot, mem *StackMemory,
	maxFrames int) Trace {
	var tr Trace
	var st unwindState
	var ok bool
	if st.pc, ok = regs.Reg(RolePC); !ok {
		tr.Reason = StopReasonAccessRegFailed
		return tr
	}
	if st.sp, ok = regs.Reg(RoleSP); !ok {
		tr.Reason = StopReasonAccessRegFailed
		return tr
	}
	st.fp, st.fpValid = regs.Reg(RoleFP)
	st.lr, st.lrValid = regs.Reg(RoleLR)
	word := regs.Arch().WordSize()

	tr.Frames = append(tr.Frames, Frame{PC: st.pc, SP: st.sp})
	for len(tr.Frames) < maxFrames {
		// Return addresses point after the call; look up the call itself.
		lookupPC := st.pc
		if len(tr.Frames) > 1 {
			lookupPC--
		}
		entry, found := maps.Find(lookupPC)
		if !found || !entry.Executable {
			tr.Reason = StopReasonMapMissing
			return tr
		}
		info := framePointerInfo(regs.Arch())
		if p.Source != nil {
			if deltas, ok := p.Source.Deltas(entry.Path); ok {
				info = deltas.Lookup(entry.FileOffset(lookupPC))
			}
		}

		if info.IsCommand() {
			switch info.Param {
			case sdtypes.UnwindCommandStop:
				return tr
			case sdtypes.UnwindCommandPLT:
				info = sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP, Param: int32(word)}
			case sdtypes.UnwindCommandInvalid:
				tr.Reason = StopReasonFindProcInfoFailed
				return tr
			default:
				tr.Reason = StopReasonExecuteDwarfInstructionFailed
				return tr
			}
		}

		reason, fault := p.step(&st, info, mem, word, len(tr.Frames) == 1)
		if reason != StopReasonUnknown {
			tr.Reason = reason
			tr.FaultAddr = fault
			return tr
		}
		if st.pc == 0 {
			// The outermost frame has no caller.
			return tr
		}
		tr.Frames = append(tr.Frames, Frame{PC: st.pc, SP: st.sp})
	}
	tr.Reason = StopReasonMaxFramesExceeded
	return tr
}

// step recovers the caller's registers according to info.
func (p DeltaPrimitive) step(st *unwindState, info sdtypes.UnwindInfo, mem *StackMemory,
	word int, first bool) (StopReason, uint64) {
	var base uint64
	switch info.Opcode &^ sdtypes.UnwindOpcodeFlagDeref {
	case sdtypes.UnwindOpcodeBaseSP:
		base = st.sp
	case sdtypes.UnwindOpcodeBaseFP:
		if !st.fpValid {
			return StopReasonAccessRegFailed, 0
		}
		base = st.fp
	default:
		return StopReasonExecuteDwarfInstructionFailed, 0
	}

	var cfa uint64
	if info.Opcode&sdtypes.UnwindOpcodeFlagDeref != 0 {
		pre, post := sdtypes.UnpackDerefParam(info.Param)
		addr := base + uint64(int64(pre))
		v, ok := mem.read(addr, word)
		if !ok {
			return memoryFault(mem, addr), addr
		}
		cfa = v + uint64(int64(post))
	} else {
		cfa = base + uint64(int64(info.Param))
	}

	var ra uint64
	if info.FPOpcode == sdtypes.UnwindOpcodeBaseLR {
		// Leaf function: the return address is still in the link register,
		// which is only known for the sampled frame.
		if !first || !st.lrValid {
			return StopReasonAccessRegFailed, 0
		}
		ra = st.lr
	} else {
		addr := cfa - uint64(word)
		v, ok := mem.read(addr, word)
		if !ok {
			return memoryFault(mem, addr), addr
		}
		ra = v
		if info.FPOpcode == sdtypes.UnwindOpcodeBaseCFA {
			addr := cfa + uint64(int64(info.FPParam))
			fp, ok := mem.read(addr, word)
			if !ok {
				return memoryFault(mem, addr), addr
			}
			st.fp, st.fpValid = fp, true
		}
	}

	// The stack grows down: a caller's frame never lies below its callee's.
	if cfa < st.sp || (cfa == st.sp && ra == st.pc) {
		return StopReasonExecuteDwarfInstructionFailed, 0
	}
	st.sp, st.pc = cfa, ra
	return StopReasonUnknown, 0
}

func memoryFault(mem *StackMemory, addr uint64) StopReason {
	if addr >= mem.Start && addr < mem.End() {
		return StopReasonAccessStackFailed
	}
	return StopReasonAccessMemFailed
}
