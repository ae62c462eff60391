// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"archive/zip"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/libpf"
	sdtypes "go.opentelemetry.io/perf-recorder/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/perf-recorder/process"
)

type fakeMaps struct {
	version uint64
	maps    map[libpf.PID][]process.Mapping
	calls   int
}

func (f *fakeMaps) Maps(pid libpf.PID) (uint64, []process.Mapping, bool) {
	f.calls++
	m, ok := f.maps[pid]
	return f.version, m, ok
}

func appMaps() *fakeMaps {
	return &fakeMaps{
		version: 1,
		maps: map[libpf.PID][]process.Mapping{
			10: {
				{Vaddr: 0x400000, Length: 0x100000, Flags: elf.PF_R | elf.PF_X, Path: "/bin/app"},
				{Vaddr: 0x600000, Length: 0x1000, Flags: elf.PF_R | elf.PF_W, Path: "/bin/app"},
			},
		},
	}
}

// stack lays out little endian words starting at start.
func stack(start uint64, size int, words map[uint64]uint64) []byte {
	data := make([]byte, size)
	for addr, v := range words {
		binary.LittleEndian.PutUint64(data[addr-start:], v)
	}
	return data
}

func x8664Regs(ip, sp, bp uint64) RegSet {
	var rs RegSet
	rs.Arch = ArchX8664
	rs.Set(x86RegIP, ip)
	rs.Set(x86RegSP, sp)
	rs.Set(x86RegBP, bp)
	return rs
}

// framePointerStack is a chain of three x86-64 frames.
var framePointerStack = map[uint64]uint64{
	0x7010: 0x7040, 0x7018: 0x401100,
	0x7040: 0x7060, 0x7048: 0x401200,
	0x7060: 0, 0x7068: 0,
}

func TestUnwindFramePointer(t *testing.T) {
	u, err := New(Options{Maps: appMaps(), CollectStats: true})
	require.NoError(t, err)

	ips, sps, err := u.UnwindCallChain(Thread{Pid: 10, Tid: 11},
		x8664Regs(0x401000, 0x7000, 0x7010), stack(0x7000, 0x80, framePointerStack))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x401000, 0x401100, 0x401200}, ips)
	assert.Equal(t, []uint64{0x7000, 0x7020, 0x7050}, sps)

	res := u.LastResult()
	assert.Equal(t, StopReasonUnknown, res.StopReason)
	assert.Equal(t, uint64(0x7000), res.StackStart)
	assert.Equal(t, uint64(0x7080), res.StackEnd)
	stats := u.Stats()
	assert.Equal(t, uint64(1), stats.Attempts)
	assert.Equal(t, uint64(3), stats.Frames)
	assert.Equal(t, uint64(1), stats.Reasons[StopReasonUnknown])
}

func TestUnwindStopReasons(t *testing.T) {
	tests := map[string]struct {
		ip        uint64
		stackSize int
		maxFrames int
		wantIPs   []uint64
		reason    StopReason
		fault     uint64
	}{
		"stack ends before the frame": {
			ip: 0x401000, stackSize: 0x40, maxFrames: 64,
			wantIPs: []uint64{0x401000, 0x401100},
			reason:  StopReasonAccessMemFailed, fault: 0x7048,
		},
		"read straddles the end of the stack": {
			ip: 0x401000, stackSize: 0x4c, maxFrames: 64,
			wantIPs: []uint64{0x401000, 0x401100},
			reason:  StopReasonAccessStackFailed, fault: 0x7048,
		},
		"frame limit": {
			ip: 0x401000, stackSize: 0x80, maxFrames: 2,
			wantIPs: []uint64{0x401000, 0x401100},
			reason:  StopReasonMaxFramesExceeded,
		},
		"no map for the ip": {
			ip: 0x900000, stackSize: 0x80, maxFrames: 64,
			wantIPs: []uint64{0x900000},
			reason:  StopReasonMapMissing,
		},
		"ip in a data map": {
			ip: 0x600100, stackSize: 0x80, maxFrames: 64,
			wantIPs: []uint64{0x600100},
			reason:  StopReasonMapMissing,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u, err := New(Options{Maps: appMaps(), MaxFrames: tc.maxFrames, CollectStats: true})
			require.NoError(t, err)
			ips, _, err := u.UnwindCallChain(Thread{Pid: 10, Tid: 10},
				x8664Regs(tc.ip, 0x7000, 0x7010),
				stack(0x7000, 0x80, framePointerStack)[:tc.stackSize])
			require.NoError(t, err)
			assert.Equal(t, tc.wantIPs, ips)
			assert.Equal(t, tc.ip, ips[0])
			assert.Equal(t, tc.reason, u.LastResult().StopReason)
			assert.Equal(t, tc.fault, u.LastResult().FaultAddr)
		})
	}
}

func TestUnwindHardFailures(t *testing.T) {
	u, err := New(Options{Maps: appMaps()})
	require.NoError(t, err)

	var noSP RegSet
	noSP.Arch = ArchX8664
	noSP.Set(x86RegIP, 0x401000)
	_, _, err = u.UnwindCallChain(Thread{Pid: 10, Tid: 10}, noSP, nil)
	require.ErrorIs(t, err, ErrNoStackPointer)

	_, _, err = u.UnwindCallChain(Thread{Pid: 99, Tid: 99}, x8664Regs(1, 2, 3), nil)
	require.ErrorIs(t, err, ErrNoMaps)
	assert.Equal(t, uint64(2), u.Stats().Failures)
	assert.Zero(t, u.Stats().Attempts)
}

// skipFirst drops the sampled frame, like primitives that start at the
// caller.
type skipFirst struct{}

func (skipFirst) Unwind(RegBank, *MapSnapshot, *StackMemory, int) Trace {
	return Trace{Frames: []Frame{{PC: 0x401100, SP: 0x7020}, {PC: 0, SP: 0x7050},
		{PC: 0x401300, SP: 0x7060}}}
}

func TestFirstIPIsSampleIP(t *testing.T) {
	u, err := New(Options{Maps: appMaps(), Primitive: skipFirst{}})
	require.NoError(t, err)
	ips, sps, err := u.UnwindCallChain(Thread{Pid: 10, Tid: 10},
		x8664Regs(0x401000, 0x7000, 0), nil)
	require.NoError(t, err)
	// A zero ip ends the chain.
	assert.Equal(t, []uint64{0x401000, 0x401100}, ips)
	assert.Equal(t, []uint64{0x7000, 0x7020}, sps)
}

func TestMapCacheVersion(t *testing.T) {
	maps := appMaps()
	u, err := New(Options{Maps: maps})
	require.NoError(t, err)
	regs := x8664Regs(0x401000, 0x7000, 0x7010)
	data := stack(0x7000, 0x80, framePointerStack)

	for range 3 {
		_, _, err = u.UnwindCallChain(Thread{Pid: 10, Tid: 10}, regs, data)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), u.Stats().MapRebuilds)
	assert.Equal(t, uint64(2), u.Stats().MapCacheHits)

	// The process mapped something new.
	maps.version = 2
	maps.maps[10] = nil
	ips, _, err := u.UnwindCallChain(Thread{Pid: 10, Tid: 10}, regs, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.Stats().MapRebuilds)
	assert.Equal(t, []uint64{0x401000}, ips)
}

type deltaMap map[string]sdtypes.StackDeltaArray

func (d deltaMap) Deltas(path string) (sdtypes.StackDeltaArray, bool) {
	deltas, ok := d[path]
	return deltas, ok
}

func TestUnwindDeltasARM64(t *testing.T) {
	var deltas sdtypes.StackDeltaArray
	deltas.Add(sdtypes.StackDelta{Address: 0, Info: sdtypes.UnwindInfoLR})
	deltas.Add(sdtypes.StackDelta{Address: 0x800, Info: sdtypes.UnwindInfoFramePointerARM64})
	deltas.Add(sdtypes.StackDelta{Address: 0x900, Info: sdtypes.UnwindInfoStop})

	maps := &fakeMaps{version: 1, maps: map[libpf.PID][]process.Mapping{
		7: {{Vaddr: 0x400000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: "/lib/libx.so"}},
	}}
	u, err := New(Options{
		Maps:         maps,
		Primitive:    DeltaPrimitive{Source: deltaMap{"/lib/libx.so": deltas}},
		CollectStats: true,
	})
	require.NoError(t, err)

	var rs RegSet
	rs.Arch = ArchARM64
	rs.Set(arm64RegPC, 0x400100)
	rs.Set(arm64RegSP, 0x8000)
	rs.Set(arm64RegFP, 0x8010)
	rs.Set(arm64RegLR, 0x400810)
	data := stack(0x8000, 0x40, map[uint64]uint64{0x8010: 0x8030, 0x8018: 0x400904})

	ips, sps, err := u.UnwindCallChain(Thread{Pid: 7, Tid: 7}, rs, data)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x400100, 0x400810, 0x400904}, ips)
	assert.Equal(t, []uint64{0x8000, 0x8000, 0x8020}, sps)
	assert.Equal(t, StopReasonUnknown, u.LastResult().StopReason)
}

func TestUnwindMissingDelta(t *testing.T) {
	var deltas sdtypes.StackDeltaArray
	deltas.Add(sdtypes.StackDelta{Address: 0x100, Info: sdtypes.UnwindInfoFramePointerX64})
	u, err := New(Options{
		Maps:         appMaps(),
		Primitive:    DeltaPrimitive{Source: deltaMap{"/bin/app": deltas}},
		CollectStats: true,
	})
	require.NoError(t, err)
	// File offset 0x50 lies before the first delta.
	ips, _, err := u.UnwindCallChain(Thread{Pid: 10, Tid: 10},
		x8664Regs(0x400050, 0x7000, 0x7010), stack(0x7000, 0x80, framePointerStack))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x400050}, ips)
	assert.Equal(t, StopReasonFindProcInfoFailed, u.LastResult().StopReason)
}

func TestArchiveRewrite(t *testing.T) {
	apk := filepath.Join(t.TempDir(), "base.apk")
	f, err := os.Create(apk)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "assets/readme", Method: zip.Deflate})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	w, err = zw.CreateHeader(&zip.FileHeader{Name: "lib/arm64/libfoo.so", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := zip.OpenReader(apk)
	require.NoError(t, err)
	want, err := r.File[1].DataOffset()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	snap := buildSnapshot(3, []process.Mapping{
		{Vaddr: 0x1000, Length: 0x1000, FileOffset: 0x10, Path: apk + "!/lib/arm64/libfoo.so"},
		{Vaddr: 0x3000, Length: 0x1000, Path: apk + "!/assets/readme"},
		{Vaddr: 0x5000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: "/bin/app"},
	}, NewZipResolver())
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, apk, snap.Entries[0].Path)
	assert.Equal(t, uint64(want)+0x10, snap.Entries[0].Offset)
	// Compressed members cannot be mapped and keep their path.
	assert.Equal(t, apk+"!/assets/readme", snap.Entries[1].Path)
	assert.Equal(t, "/bin/app", snap.Entries[2].Path)
	assert.False(t, snap.Entries[0].Executable)
	assert.True(t, snap.Entries[2].Executable)

	e, ok := snap.Find(0x1800)
	require.True(t, ok)
	assert.Equal(t, uint64(want)+0x810, e.FileOffset(0x1800))
	_, ok = snap.Find(0x2000)
	assert.False(t, ok)
}

func TestRegSet(t *testing.T) {
	// ip, sp and bp sampled on x86-64.
	mask := uint64(1<<x86RegBP | 1<<x86RegSP | 1<<x86RegIP)
	rs := NewRegSet(ArchX8664, mask, []uint64{0x10, 0x20, 0x30})
	bp, ok := rs.Get(x86RegBP)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10), bp)
	sp, _ := rs.SP()
	ip, _ := rs.IP()
	assert.Equal(t, uint64(0x20), sp)
	assert.Equal(t, uint64(0x30), ip)
	_, ok = rs.Get(x86RegAX)
	assert.False(t, ok)

	tests := map[string]struct {
		host Arch
		abi  uint64
		want Arch
	}{
		"x86_64 task":        {host: ArchX8664, abi: regsABI64, want: ArchX8664},
		"x86 task on x86_64": {host: ArchX8664, abi: regsABI32, want: ArchX86},
		"arm task on arm64":  {host: ArchARM64, abi: regsABI32, want: ArchARM},
		"arm64 task":         {host: ArchARM64, abi: regsABI64, want: ArchARM64},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ArchForABI(tc.host, tc.abi))
		})
	}
}

func TestConvertRegs(t *testing.T) {
	var rs RegSet
	rs.Arch = ArchX86
	rs.Set(x86RegIP, 0x1_0000_1234)
	rs.Set(x86RegSP, 0x8000)
	bank, ok := ConvertRegs(&rs)
	require.True(t, ok)
	x86 := bank.(*RegsX86)
	// 32-bit registers keep the low half.
	assert.Equal(t, uint32(0x1234), x86.Eip)
	_, ok = bank.Reg(RoleFP)
	assert.False(t, ok)
	_, ok = bank.Reg(RoleLR)
	assert.False(t, ok)

	rs = RegSet{Arch: ArchARM}
	rs.Set(armRegLR, 0x4444)
	rs.Set(armRegPC, 0x5555)
	bank, ok = ConvertRegs(&rs)
	require.True(t, ok)
	lr, ok := bank.Reg(RoleLR)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4444), lr)
	pc, _ := bank.Reg(RolePC)
	assert.Equal(t, uint64(0x5555), pc)

	_, ok = ConvertRegs(&RegSet{})
	assert.False(t, ok)
}

func TestUserRegsMask(t *testing.T) {
	tests := map[Arch]uint64{
		ArchX86:     0xffff,
		ArchX8664:   0xff0fff,
		ArchARM:     0xffff,
		ArchARM64:   0x1ffffffff,
		ArchUnknown: 0,
	}
	for arch, want := range tests {
		t.Run(arch.String(), func(t *testing.T) {
			assert.Equal(t, want, UserRegsMask(arch))
		})
	}
}
