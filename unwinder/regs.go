// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

import (
	"fmt"
	"runtime"
	"strings"

	"go.opentelemetry.io/perf-recorder/record"
)

// Arch identifies the register layout of a sample.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX8664
	ArchARM
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX8664:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	}
	return "unknown"
}

// WordSize returns the pointer size of the architecture.
func (a Arch) WordSize() int {
	switch a {
	case ArchX86, ArchARM:
		return 4
	}
	return 8
}

// ParseArch parses an architecture name as used by GOARCH or uname.
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "386", "x86", "i386", "i686":
		return ArchX86, nil
	case "amd64", "x86_64":
		return ArchX8664, nil
	case "arm":
		return ArchARM, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported architecture %q", name)
}

// HostArch returns the architecture this binary runs on.
func HostArch() Arch {
	arch, _ := ParseArch(runtime.GOARCH)
	return arch
}

// UserRegsMask returns the perf register mask that dumps every user
// register of arch the kernel supports sampling.
func UserRegsMask(arch Arch) uint64 {
	switch arch {
	case ArchX86:
		return 1<<(x86RegGS+1) - 1
	case ArchX8664:
		// DS, ES, FS and GS are rejected on x86-64.
		return (1<<(x86RegR15+1) - 1) &^ (1<<x86RegDS | 1<<x86RegES | 1<<x86RegFS |
			1<<x86RegGS)
	case ArchARM:
		return 1<<(armRegPC+1) - 1
	case ArchARM64:
		return 1<<(arm64RegPC+1) - 1
	}
	return 0
}

// Register ABI of a sample, as reported by the kernel.
const (
	regsABINone uint64 = 0
	regsABI32   uint64 = 1
	regsABI64   uint64 = 2
)

// ArchForABI returns the layout of user registers sampled with abi on a host
// of architecture host. 32-bit tasks on 64-bit hosts use the 32-bit layout.
func ArchForABI(host Arch, abi uint64) Arch {
	if abi != regsABI32 {
		return host
	}
	switch host {
	case ArchX8664:
		return ArchX86
	case ArchARM64:
		return ArchARM
	}
	return host
}

// Register numbers of the kernel's perf_regs.h per architecture.
const (
	x86RegAX    = 0
	x86RegBX    = 1
	x86RegCX    = 2
	x86RegDX    = 3
	x86RegSI    = 4
	x86RegDI    = 5
	x86RegBP    = 6
	x86RegSP    = 7
	x86RegIP    = 8
	x86RegFLAGS = 9
	x86RegDS    = 12
	x86RegES    = 13
	x86RegFS    = 14
	x86RegGS    = 15
	x86RegR8    = 16
	x86RegR15   = 23

	arm64RegFP = 29
	arm64RegLR = 30
	arm64RegSP = 31
	arm64RegPC = 32

	armRegFP = 11
	armRegSP = 13
	armRegLR = 14
	armRegPC = 15

	maxRegs = 64
)

// RegSet is a flat, architecture tagged register array indexed by the
// kernel's register numbers.
type RegSet struct {
	Arch  Arch
	valid uint64
	data  [maxRegs]uint64
}

// NewRegSet builds a register set from a sampled register mask and the
// values of the set bits in bit order.
func NewRegSet(arch Arch, mask uint64, values []uint64) RegSet {
	rs := RegSet{Arch: arch}
	i := 0
	for reg := 0; reg < maxRegs && i < len(values); reg++ {
		if mask&(1<<uint(reg)) == 0 {
			continue
		}
		rs.Set(reg, values[i])
		i++
	}
	return rs
}

// RegSetFromSample returns the user registers of a sample taken on a host of
// architecture host.
func RegSetFromSample(host Arch, s *record.SampleRecord) RegSet {
	if s.RegsABI == regsABINone {
		return RegSet{Arch: host}
	}
	return NewRegSet(ArchForABI(host, s.RegsABI), s.RegsMask, s.Regs)
}

// Set stores a register value.
func (r *RegSet) Set(reg int, value uint64) {
	if reg < 0 || reg >= maxRegs {
		return
	}
	r.data[reg] = value
	r.valid |= 1 << uint(reg)
}

// Get returns a register value and whether it was sampled.
func (r *RegSet) Get(reg int) (uint64, bool) {
	if reg < 0 || reg >= maxRegs || r.valid&(1<<uint(reg)) == 0 {
		return 0, false
	}
	return r.data[reg], true
}

func (r *RegSet) has(reg int) bool {
	_, ok := r.Get(reg)
	return ok
}

func (r *RegSet) spReg() int {
	switch r.Arch {
	case ArchX86, ArchX8664:
		return x86RegSP
	case ArchARM:
		return armRegSP
	case ArchARM64:
		return arm64RegSP
	}
	return -1
}

func (r *RegSet) ipReg() int {
	switch r.Arch {
	case ArchX86, ArchX8664:
		return x86RegIP
	case ArchARM:
		return armRegPC
	case ArchARM64:
		return arm64RegPC
	}
	return -1
}

// SP returns the stack pointer.
func (r *RegSet) SP() (uint64, bool) {
	return r.Get(r.spReg())
}

// IP returns the instruction pointer.
func (r *RegSet) IP() (uint64, bool) {
	return r.Get(r.ipReg())
}
