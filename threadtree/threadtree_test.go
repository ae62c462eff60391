// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package threadtree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/process"
	"go.opentelemetry.io/perf-recorder/record"
)

func mmap(pid uint32, addr, length, pgoff uint64, file string) *record.MmapRecord {
	return &record.MmapRecord{
		Header:   record.Header{Type: record.TypeMmap, Misc: record.MiscUser},
		Pid:      pid,
		Tid:      pid,
		Addr:     addr,
		Len:      length,
		Pgoff:    pgoff,
		Filename: file,
	}
}

func TestAddMapOverlap(t *testing.T) {
	tests := map[string]struct {
		addr, length uint64
		want         []process.Mapping
	}{
		"disjoint": {
			addr: 0x5000, length: 0x1000,
			want: []process.Mapping{
				{Vaddr: 0x1000, Length: 0x3000, Path: "a"},
				{Vaddr: 0x5000, Length: 0x1000, Path: "b"},
			},
		},
		"middle": {
			addr: 0x2000, length: 0x1000,
			want: []process.Mapping{
				{Vaddr: 0x1000, Length: 0x1000, Path: "a"},
				{Vaddr: 0x2000, Length: 0x1000, Path: "b"},
				{Vaddr: 0x3000, Length: 0x1000, FileOffset: 0x2000, Path: "a"},
			},
		},
		"cover": {
			addr: 0x1000, length: 0x3000,
			want: []process.Mapping{
				{Vaddr: 0x1000, Length: 0x3000, Path: "b"},
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tree := New()
			tree.AddMap(1, process.Mapping{Vaddr: 0x1000, Length: 0x3000, Path: "a"})
			tree.AddMap(1, process.Mapping{Vaddr: tc.addr, Length: tc.length, Path: "b"})
			_, maps, ok := tree.Maps(1)
			require.True(t, ok)
			assert.Equal(t, tc.want, maps)
		})
	}
}

func TestUpdateLifecycle(t *testing.T) {
	tree := New()
	tree.Update(&record.CommRecord{Pid: 10, Tid: 10, Comm: "app"})
	tree.Update(mmap(10, 0x400000, 0x1000, 0, "/bin/app"))
	v1, maps, ok := tree.Maps(10)
	require.True(t, ok)
	require.Len(t, maps, 1)
	assert.Equal(t, "/bin/app", maps[0].Path)

	// A kernel map does not belong to any process.
	kernel := mmap(10, 0xffff0000, 0x1000, 0, "[kernel.kallsyms]")
	kernel.Misc = record.MiscKernel
	tree.Update(kernel)
	v, _, _ := tree.Maps(10)
	assert.Equal(t, v1, v)

	// New thread in the same process.
	tree.Update(&record.TaskRecord{Header: record.Header{Type: record.TypeFork},
		Pid: 10, Ppid: 10, Tid: 11, Ptid: 10})
	th, ok := tree.Thread(11)
	require.True(t, ok)
	assert.Equal(t, Thread{Pid: 10, Tid: 11, Comm: "app"}, th)

	// Child process inherits the maps.
	tree.Update(&record.TaskRecord{Header: record.Header{Type: record.TypeFork},
		Pid: 20, Ppid: 10, Tid: 20, Ptid: 10})
	v2, childMaps, ok := tree.Maps(20)
	require.True(t, ok)
	assert.Equal(t, maps, childMaps)
	assert.Greater(t, v2, v1)

	// Exec drops the old address space.
	tree.Update(&record.CommRecord{Header: record.Header{Misc: record.MiscCommExec},
		Pid: 20, Tid: 20, Comm: "sh"})
	v3, childMaps, ok := tree.Maps(20)
	require.True(t, ok)
	assert.Empty(t, childMaps)
	assert.Greater(t, v3, v2)

	// The parent's slice is untouched by the child's changes.
	tree.Update(mmap(20, 0x400000, 0x2000, 0, "/bin/sh"))
	_, maps, _ = tree.Maps(10)
	assert.Equal(t, "/bin/app", maps[0].Path)

	tree.Update(&record.TaskRecord{Header: record.Header{Type: record.TypeExit},
		Pid: 10, Ppid: 10, Tid: 11, Ptid: 10})
	_, ok = tree.Thread(11)
	assert.False(t, ok)
	_, _, ok = tree.Maps(10)
	assert.True(t, ok)
	tree.Update(&record.TaskRecord{Header: record.Header{Type: record.TypeExit},
		Pid: 10, Ppid: 1, Tid: 10, Ptid: 1})
	_, _, ok = tree.Maps(10)
	assert.False(t, ok)
}

func TestMmap2Identity(t *testing.T) {
	tree := New()
	tree.Update(&record.Mmap2Record{
		Header: record.Header{Type: record.TypeMmap2, Misc: record.MiscUser},
		Pid:    5, Tid: 5, Addr: 0x1000, Len: 0x1000,
		Maj: 0xfd, Min: 1, Ino: 42, Prot: 0x5, Filename: "/lib/libc.so",
	})
	m, ok := tree.FindMap(5, 0x1800)
	require.True(t, ok)
	assert.Equal(t, uint64(0xfd01), m.Device)
	assert.Equal(t, uint64(42), m.Inode)
	assert.True(t, m.IsExecutable())

	_, ok = tree.FindMap(5, 0x2000)
	assert.False(t, ok)
	_, ok = tree.FindMap(6, 0x1800)
	assert.False(t, ok)
}

func TestSeedFromProc(t *testing.T) {
	tree := New()
	tree.readMappings = func(pid libpf.PID) ([]process.Mapping, error) {
		if pid == 1 {
			return []process.Mapping{{Vaddr: 0x1000, Length: 0x1000, Path: "/sbin/init"}}, nil
		}
		return nil, process.ErrNoMappings
	}
	require.NoError(t, tree.SeedFromProc(1))
	v, maps, ok := tree.Maps(1)
	require.True(t, ok)
	assert.NotZero(t, v)
	assert.Len(t, maps, 1)

	err := tree.SeedFromProc(2)
	assert.True(t, errors.Is(err, process.ErrNoMappings))
}
