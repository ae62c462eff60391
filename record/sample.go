// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package record // import "go.opentelemetry.io/perf-recorder/record"

import (
	"slices"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/perfevent"
)

// Call chain context markers. They separate the kernel and user parts of a
// PERF_SAMPLE_CALLCHAIN.
const (
	ContextHypervisor uint64 = 0xffffffffffffffe0
	ContextKernel     uint64 = 0xffffffffffffff80
	ContextUser       uint64 = 0xfffffffffffffe00
	ContextMax        uint64 = 0xfffffffffffff001
)

// BranchEntry is one entry of PERF_SAMPLE_BRANCH_STACK.
type BranchEntry struct {
	From, To uint64
	Flags    uint64
}

// SampleRecord is a PERF_RECORD_SAMPLE. Fields whose sample type bit is not
// set in the attribute are zero.
type SampleRecord struct {
	Header

	Identifier uint64
	IP         uint64
	Pid, Tid   uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Period     uint64

	CallChain   []uint64
	Raw         []byte
	BranchStack []BranchEntry

	// RegsABI is PERF_SAMPLE_REGS_ABI_*; zero means no registers follow.
	RegsABI uint64
	// Regs holds one value per bit set in RegsMask, in bit order.
	RegsMask uint64
	Regs     []uint64

	// Stack is the dumped user stack, truncated to DynSize.
	Stack   []byte
	DynSize uint64
}

var _ Record = (*SampleRecord)(nil)

// Timestamp implements Record.
func (s *SampleRecord) Timestamp() uint64 {
	return s.Time
}

// InUserSpace reports whether the sample hit user code.
func (s *SampleRecord) InUserSpace() bool {
	return s.CPUMode() == MiscUser
}

func decodeSample(attr *perfevent.Attr, h Header, d *decoder) *SampleRecord {
	s := &SampleRecord{Header: h, RegsMask: attr.SampleRegsUser}
	if attr.HasSample(unix.PERF_SAMPLE_IDENTIFIER) {
		s.Identifier = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_IP) {
		s.IP = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_TID) {
		s.Pid = d.u32()
		s.Tid = d.u32()
	}
	if attr.HasSample(unix.PERF_SAMPLE_TIME) {
		s.Time = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_ADDR) {
		s.Addr = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_ID) {
		s.ID = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_STREAM_ID) {
		s.StreamID = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_CPU) {
		s.CPU = d.u32()
		d.u32()
	}
	if attr.HasSample(unix.PERF_SAMPLE_PERIOD) {
		s.Period = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_CALLCHAIN) {
		nr := d.u64()
		if nr > uint64(len(d.b)/8) {
			d.err = ErrTruncated
			return s
		}
		s.CallChain = make([]uint64, nr)
		for i := range s.CallChain {
			s.CallChain[i] = d.u64()
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_RAW) {
		size := int(d.u32())
		s.Raw = d.bytes(size)
		// The u32 size plus the payload is padded to 8 bytes.
		d.skip((size+4+7)&^7 - size - 4)
	}
	if attr.HasSample(unix.PERF_SAMPLE_BRANCH_STACK) {
		nr := d.u64()
		if nr > uint64(len(d.b)/24) {
			d.err = ErrTruncated
			return s
		}
		s.BranchStack = make([]BranchEntry, nr)
		for i := range s.BranchStack {
			s.BranchStack[i] = BranchEntry{From: d.u64(), To: d.u64(), Flags: d.u64()}
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_REGS_USER) {
		s.RegsABI = d.u64()
		if s.RegsABI != 0 {
			s.Regs = make([]uint64, attr.NumUserRegs())
			for i := range s.Regs {
				s.Regs[i] = d.u64()
			}
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_STACK_USER) {
		size := d.u64()
		if size > uint64(len(d.b)) {
			d.err = ErrTruncated
			return s
		}
		if size > 0 {
			stack := d.bytes(int(size))
			s.DynSize = d.u64()
			if s.DynSize > size {
				s.DynSize = size
			}
			s.Stack = stack[:s.DynSize]
		}
	}
	return s
}

// Binary implements Record.
func (s *SampleRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeSample, s.Misc)
	if attr.HasSample(unix.PERF_SAMPLE_IDENTIFIER) {
		e.u64(s.Identifier)
	}
	if attr.HasSample(unix.PERF_SAMPLE_IP) {
		e.u64(s.IP)
	}
	if attr.HasSample(unix.PERF_SAMPLE_TID) {
		e.u32(s.Pid)
		e.u32(s.Tid)
	}
	if attr.HasSample(unix.PERF_SAMPLE_TIME) {
		e.u64(s.Time)
	}
	if attr.HasSample(unix.PERF_SAMPLE_ADDR) {
		e.u64(s.Addr)
	}
	if attr.HasSample(unix.PERF_SAMPLE_ID) {
		e.u64(s.ID)
	}
	if attr.HasSample(unix.PERF_SAMPLE_STREAM_ID) {
		e.u64(s.StreamID)
	}
	if attr.HasSample(unix.PERF_SAMPLE_CPU) {
		e.u32(s.CPU)
		e.u32(0)
	}
	if attr.HasSample(unix.PERF_SAMPLE_PERIOD) {
		e.u64(s.Period)
	}
	if attr.HasSample(unix.PERF_SAMPLE_CALLCHAIN) {
		e.u64(uint64(len(s.CallChain)))
		for _, ip := range s.CallChain {
			e.u64(ip)
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_RAW) {
		e.u32(uint32(len(s.Raw)))
		e.raw(s.Raw)
		e.raw(make([]byte, (len(s.Raw)+4+7)&^7-len(s.Raw)-4))
	}
	if attr.HasSample(unix.PERF_SAMPLE_BRANCH_STACK) {
		e.u64(uint64(len(s.BranchStack)))
		for _, b := range s.BranchStack {
			e.u64(b.From)
			e.u64(b.To)
			e.u64(b.Flags)
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_REGS_USER) {
		if len(s.Regs) == 0 {
			e.u64(0)
		} else {
			e.u64(s.RegsABI)
			for _, r := range s.Regs {
				e.u64(r)
			}
		}
	}
	if attr.HasSample(unix.PERF_SAMPLE_STACK_USER) {
		// Keep the dump 8 byte aligned; the dyn size tells readers how much
		// of it is valid.
		size := (len(s.Stack) + 7) &^ 7
		e.u64(uint64(size))
		if size > 0 {
			e.raw(s.Stack)
			e.raw(make([]byte, size-len(s.Stack)))
			e.u64(uint64(len(s.Stack)))
		}
	}
	return e.finish()
}

// UserCallChain returns the part of the kernel call chain that follows the
// user context marker. It returns nil if the chain has no user part.
func (s *SampleRecord) UserCallChain() []uint64 {
	i := slices.Index(s.CallChain, ContextUser)
	if i < 0 {
		return nil
	}
	return s.CallChain[i+1:]
}

// ReplaceUserCallChain replaces the user part of the call chain with ips and
// drops the user part if ips is empty.
func (s *SampleRecord) ReplaceUserCallChain(ips []uint64) {
	chain := s.CallChain
	if i := slices.Index(chain, ContextUser); i >= 0 {
		chain = chain[:i]
	}
	chain = slices.Clone(chain)
	if len(ips) > 0 {
		chain = append(chain, ContextUser)
		chain = append(chain, ips...)
	}
	s.CallChain = chain
}

// ReplaceRegAndStackWithCallChain stores an unwound user call chain in the
// sample and drops the register and stack dumps it was derived from. The
// attribute layout stays unchanged: the registers are encoded with ABI none
// and the stack dump with size zero.
func (s *SampleRecord) ReplaceRegAndStackWithCallChain(ips []uint64) {
	s.ReplaceUserCallChain(ips)
	s.RegsABI = 0
	s.Regs = nil
	s.Stack = nil
	s.DynSize = 0
}

// TrimToFit drops outermost user frames until the encoded sample fits into
// MaxSize bytes. It returns the number of dropped frames, or false if even
// the innermost user frame does not fit.
func (s *SampleRecord) TrimToFit(attr *perfevent.Attr) (int, bool) {
	size := len(s.Binary(attr))
	if size <= MaxSize {
		return 0, true
	}
	excess := (size - MaxSize + 7) / 8
	marker := slices.Index(s.CallChain, ContextUser)
	if marker < 0 || len(s.CallChain)-excess < marker+2 {
		return 0, false
	}
	s.CallChain = s.CallChain[:len(s.CallChain)-excess]
	return excess, true
}

// Reg returns the value of the perf register number reg if it was dumped.
func (s *SampleRecord) Reg(reg int) (uint64, bool) {
	if s.RegsABI == 0 || reg < 0 || reg >= 64 || s.RegsMask&(1<<uint(reg)) == 0 {
		return 0, false
	}
	idx := 0
	for i := 0; i < reg; i++ {
		if s.RegsMask&(1<<uint(i)) != 0 {
			idx++
		}
	}
	if idx >= len(s.Regs) {
		return 0, false
	}
	return s.Regs[idx], true
}
