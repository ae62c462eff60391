// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// This file defines the memory mapping shared by map providers and the unwinder.

package process // import "go.opentelemetry.io/perf-recorder/process"

import "debug/elf"

// VdsoPathName is the path to use for VDSO mappings
const VdsoPathName = "[vdso]"

// Mapping contains information about a memory mapping
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

// End returns the first address after the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

// ProtFlags translates mmap protection bits into program flags.
func ProtFlags(prot uint32) elf.ProgFlag {
	var flags elf.ProgFlag
	if prot&0x1 != 0 {
		flags |= elf.PF_R
	}
	if prot&0x2 != 0 {
		flags |= elf.PF_W
	}
	if prot&0x4 != 0 {
		flags |= elf.PF_X
	}
	return flags
}
