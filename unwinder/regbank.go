// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

// Role names the registers the unwind primitive needs, independent of the
// architecture's naming.
type Role uint8

const (
	RolePC Role = iota
	RoleSP
	RoleFP
	RoleLR
)

// RegBank is the architecture specific register layout handed to the
// unwind primitive.
type RegBank interface {
	Arch() Arch
	// Reg returns the register playing role and whether it is known.
	Reg(role Role) (uint64, bool)
}

// RegsX86 is the 32-bit x86 user register bank.
type RegsX86 struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi           uint32
	Ebp, Esp, Eip      uint32
	Eflags             uint32
	valid              uint64
}

func (r *RegsX86) Arch() Arch { return ArchX86 }

func (r *RegsX86) Reg(role Role) (uint64, bool) {
	switch role {
	case RolePC:
		return uint64(r.Eip), r.valid&(1<<x86RegIP) != 0
	case RoleSP:
		return uint64(r.Esp), r.valid&(1<<x86RegSP) != 0
	case RoleFP:
		return uint64(r.Ebp), r.valid&(1<<x86RegBP) != 0
	}
	// No link register.
	return 0, false
}

// RegsX8664 is the x86-64 user register bank.
type RegsX8664 struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi           uint64
	Rbp, Rsp, Rip      uint64
	Eflags             uint64
	R                  [8]uint64 // r8 to r15
	valid              uint64
}

func (r *RegsX8664) Arch() Arch { return ArchX8664 }

func (r *RegsX8664) Reg(role Role) (uint64, bool) {
	switch role {
	case RolePC:
		return r.Rip, r.valid&(1<<x86RegIP) != 0
	case RoleSP:
		return r.Rsp, r.valid&(1<<x86RegSP) != 0
	case RoleFP:
		return r.Rbp, r.valid&(1<<x86RegBP) != 0
	}
	return 0, false
}

// RegsARM is the 32-bit arm user register bank. R[11] is fp, R[13] sp,
// R[14] lr and R[15] pc.
type RegsARM struct {
	R     [16]uint32
	valid uint64
}

func (r *RegsARM) Arch() Arch { return ArchARM }

func (r *RegsARM) Reg(role Role) (uint64, bool) {
	var reg int
	switch role {
	case RolePC:
		reg = armRegPC
	case RoleSP:
		reg = armRegSP
	case RoleFP:
		reg = armRegFP
	case RoleLR:
		reg = armRegLR
	default:
		return 0, false
	}
	return uint64(r.R[reg]), r.valid&(1<<uint(reg)) != 0
}

// RegsARM64 is the aarch64 user register bank. X[29] is the frame pointer
// and X[30] the link register.
type RegsARM64 struct {
	X     [31]uint64
	SP    uint64
	PC    uint64
	valid uint64
}

func (r *RegsARM64) Arch() Arch { return ArchARM64 }

func (r *RegsARM64) Reg(role Role) (uint64, bool) {
	switch role {
	case RolePC:
		return r.PC, r.valid&(1<<arm64RegPC) != 0
	case RoleSP:
		return r.SP, r.valid&(1<<arm64RegSP) != 0
	case RoleFP:
		return r.X[arm64RegFP], r.valid&(1<<arm64RegFP) != 0
	case RoleLR:
		return r.X[arm64RegLR], r.valid&(1<<arm64RegLR) != 0
	}
	return 0, false
}

// ConvertRegs copies a flat register set into the bank of its architecture.
func ConvertRegs(rs *RegSet) (RegBank, bool) {
	switch rs.Arch {
	case ArchX86:
		b := &RegsX86{
			Eax:    uint32(rs.data[x86RegAX]),
			Ebx:    uint32(rs.data[x86RegBX]),
			Ecx:    uint32(rs.data[x86RegCX]),
			Edx:    uint32(rs.data[x86RegDX]),
			Esi:    uint32(rs.data[x86RegSI]),
			Edi:    uint32(rs.data[x86RegDI]),
			Ebp:    uint32(rs.data[x86RegBP]),
			Esp:    uint32(rs.data[x86RegSP]),
			Eip:    uint32(rs.data[x86RegIP]),
			Eflags: uint32(rs.data[x86RegFLAGS]),
			valid:  rs.valid,
		}
		return b, true
	case ArchX8664:
		b := &RegsX8664{
			Rax:    rs.data[x86RegAX],
			Rbx:    rs.data[x86RegBX],
			Rcx:    rs.data[x86RegCX],
			Rdx:    rs.data[x86RegDX],
			Rsi:    rs.data[x86RegSI],
			Rdi:    rs.data[x86RegDI],
			Rbp:    rs.data[x86RegBP],
			Rsp:    rs.data[x86RegSP],
			Rip:    rs.data[x86RegIP],
			Eflags: rs.data[x86RegFLAGS],
			valid:  rs.valid,
		}
		copy(b.R[:], rs.data[x86RegR8:x86RegR8+8])
		return b, true
	case ArchARM:
		b := &RegsARM{valid: rs.valid}
		for i := range b.R {
			b.R[i] = uint32(rs.data[i])
		}
		return b, true
	case ArchARM64:
		b := &RegsARM64{
			SP:    rs.data[arm64RegSP],
			PC:    rs.data[arm64RegPC],
			valid: rs.valid,
		}
		copy(b.X[:], rs.data[:31])
		return b, true
	}
	return nil, false
}
