// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package threadtree tracks threads and the memory maps of their processes
// from the metadata records of a session. Every change to the maps of a
// process advances its version, which lets consumers cache derived state.
package threadtree // import "go.opentelemetry.io/perf-recorder/threadtree"

import (
	"cmp"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/process"
	"go.opentelemetry.io/perf-recorder/record"
)

// Thread is one known thread.
type Thread struct {
	Pid  libpf.PID
	Tid  libpf.PID
	Comm string
}

type processMaps struct {
	// maps is sorted by address and never modified in place, so slices
	// handed out by Maps stay valid.
	maps    []process.Mapping
	version uint64
}

// Tree holds the threads and process maps seen so far. It is not safe for
// concurrent use.
type Tree struct {
	threads   map[libpf.PID]*Thread
	processes map[libpf.PID]*processMaps
	// version is the last version handed out to any process.
	version uint64

	readMappings func(libpf.PID) ([]process.Mapping, error)
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		threads:      make(map[libpf.PID]*Thread),
		processes:    make(map[libpf.PID]*processMaps),
		readMappings: process.ReadMappings,
	}
}

// Update applies one record. Records that carry no thread or map
// information are ignored.
func (t *Tree) Update(rec record.Record) {
	switch r := rec.(type) {
	case *record.MmapRecord:
		if r.CPUMode() == record.MiscKernel {
			return
		}
		t.AddMap(libpf.PID(r.Pid), process.Mapping{
			Vaddr:      r.Addr,
			Length:     r.Len,
			Flags:      process.ProtFlags(0x5),
			FileOffset: r.Pgoff,
			Path:       r.Filename,
		})
	case *record.Mmap2Record:
		if r.CPUMode() == record.MiscKernel {
			return
		}
		m := process.Mapping{
			Vaddr:      r.Addr,
			Length:     r.Len,
			Flags:      process.ProtFlags(r.Prot),
			FileOffset: r.Pgoff,
			Path:       r.Filename,
		}
		if r.Misc&record.MiscMmapBuildID == 0 {
			m.Device = uint64(r.Maj)<<8 + uint64(r.Min)
			m.Inode = r.Ino
		}
		t.AddMap(libpf.PID(r.Pid), m)
	case *record.CommRecord:
		t.SetComm(libpf.PID(r.Pid), libpf.PID(r.Tid), r.Comm, r.IsExec())
	case *record.TaskRecord:
		if r.Type == record.TypeFork {
			t.Fork(libpf.PID(r.Pid), libpf.PID(r.Ppid), libpf.PID(r.Tid), libpf.PID(r.Ptid))
		} else {
			t.Exit(libpf.PID(r.Pid), libpf.PID(r.Tid))
		}
	}
}

func (t *Tree) thread(pid, tid libpf.PID) *Thread {
	th, ok := t.threads[tid]
	if !ok || th.Pid != pid {
		th = &Thread{Pid: pid, Tid: tid}
		if parent, ok := t.threads[pid]; ok {
			th.Comm = parent.Comm
		}
		t.threads[tid] = th
	}
	return th
}

func (t *Tree) setMaps(pid libpf.PID, maps []process.Mapping) {
	t.version++
	t.processes[pid] = &processMaps{maps: maps, version: t.version}
}

// AddMap adds m to the maps of pid. Parts of older maps covered by m are
// removed.
func (t *Tree) AddMap(pid libpf.PID, m process.Mapping) {
	if m.Length == 0 {
		return
	}
	var old []process.Mapping
	if pm, ok := t.processes[pid]; ok {
		old = pm.maps
	}
	maps := make([]process.Mapping, 0, len(old)+2)
	for _, o := range old {
		if o.End() <= m.Vaddr || o.Vaddr >= m.End() {
			maps = append(maps, o)
			continue
		}
		if o.Vaddr < m.Vaddr {
			left := o
			left.Length = m.Vaddr - o.Vaddr
			maps = append(maps, left)
		}
		if o.End() > m.End() {
			right := o
			right.Vaddr = m.End()
			right.Length = o.End() - m.End()
			right.FileOffset += m.End() - o.Vaddr
			maps = append(maps, right)
		}
	}
	maps = append(maps, m)
	slices.SortFunc(maps, func(a, b process.Mapping) int {
		return cmp.Compare(a.Vaddr, b.Vaddr)
	})
	t.setMaps(pid, maps)
}

// SetComm names a thread. A name change caused by exec also drops the old
// address space of the process.
func (t *Tree) SetComm(pid, tid libpf.PID, comm string, exec bool) {
	t.thread(pid, tid).Comm = comm
	if exec {
		if _, ok := t.processes[pid]; ok {
			t.setMaps(pid, nil)
		}
	}
}

// Fork adds a thread created by ptid of ppid. A new process starts with a
// copy of its parent's maps.
func (t *Tree) Fork(pid, ppid, tid, ptid libpf.PID) {
	th := t.thread(pid, tid)
	if parent, ok := t.threads[ptid]; ok && th.Comm == "" {
		th.Comm = parent.Comm
	}
	if pid == ppid {
		return
	}
	if pm, ok := t.processes[ppid]; ok {
		t.setMaps(pid, pm.maps)
	}
}

// Exit removes a thread. The exit of the main thread ends the process.
func (t *Tree) Exit(pid, tid libpf.PID) {
	delete(t.threads, tid)
	if pid == tid {
		delete(t.processes, pid)
	}
}

// Thread returns the thread with the given tid.
func (t *Tree) Thread(tid libpf.PID) (Thread, bool) {
	th, ok := t.threads[tid]
	if !ok {
		return Thread{}, false
	}
	return *th, true
}

// Maps returns the version and the maps of pid sorted by address. The
// returned slice must not be modified.
func (t *Tree) Maps(pid libpf.PID) (uint64, []process.Mapping, bool) {
	pm, ok := t.processes[pid]
	if !ok {
		return 0, nil, false
	}
	return pm.version, pm.maps, true
}

// FindMap returns the map of pid containing addr.
func (t *Tree) FindMap(pid libpf.PID, addr uint64) (process.Mapping, bool) {
	pm, ok := t.processes[pid]
	if !ok {
		return process.Mapping{}, false
	}
	i, found := slices.BinarySearchFunc(pm.maps, addr, func(m process.Mapping, a uint64) int {
		switch {
		case m.End() <= a:
			return -1
		case m.Vaddr > a:
			return 1
		}
		return 0
	})
	if !found {
		return process.Mapping{}, false
	}
	return pm.maps[i], true
}

// SeedFromProc loads the current maps of a running process, for processes
// that existed before the session started.
func (t *Tree) SeedFromProc(pid libpf.PID) error {
	maps, err := t.readMappings(pid)
	if err != nil {
		return fmt.Errorf("failed to read maps of pid %d: %w", pid, err)
	}
	t.thread(pid, pid)
	t.setMaps(pid, maps)
	log.Debugf("Seeded %d maps for pid %d", len(maps), pid)
	return nil
}
