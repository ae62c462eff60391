// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/perfevent"
)

// bufferKey identifies the ring shared by handles: all handles of one event
// source bound to one CPU share a ring, handles bound to any CPU share one
// ring per thread.
type bufferKey struct {
	inprocess bool
	cpu       int
	tid       int
}

func keyOf(h perfevent.Handle) bufferKey {
	_, inprocess := h.(*perfevent.InprocessHandle)
	if h.CPU() >= 0 {
		return bufferKey{inprocess: inprocess, cpu: h.CPU(), tid: libpf.AllThreads}
	}
	return bufferKey{inprocess: inprocess, cpu: libpf.AnyCPU, tid: h.TID()}
}

// resolveCPUs returns the CPUs to open files on. An empty request means
// every online CPU; a request of only AnyCPU means no CPU binding.
func (s *Set) resolveCPUs(requested []int) ([]int, error) {
	if len(requested) == 1 && requested[0] == libpf.AnyCPU {
		if s.systemWide {
			return nil, errors.New("system wide monitoring needs explicit cpus")
		}
		return requested, nil
	}
	online, err := s.cpuSource.OnlineCPUs()
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		if len(online) == 0 {
			return nil, ErrNoCPUOnline
		}
		return online, nil
	}
	onlineSet := libpf.SliceToSet(online)
	var cpus []int
	for _, cpu := range requested {
		if onlineSet.Contains(cpu) {
			cpus = append(cpus, cpu)
		} else {
			log.Warnf("CPU %d is not online, skipping it", cpu)
		}
	}
	if len(cpus) == 0 {
		return nil, ErrNoCPUOnline
	}
	slices.Sort(cpus)
	return slices.Compact(cpus), nil
}

// openGroup opens all selections of group g for tid on cpu. The first
// member becomes the group leader. Either all members are opened or none.
func (s *Set) openGroup(g int, tid, cpu int) ([]perfevent.Handle, error) {
	grp := &s.groups[g]
	handles := make([]perfevent.Handle, 0, len(grp.selections))
	var leader perfevent.Handle
	for _, idx := range grp.selections {
		sel := s.selections[idx]
		h, err := grp.opener.Open(sel.Attr, tid, cpu, leader)
		if err != nil {
			for _, opened := range handles {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("event %s: %w", sel.Name(), err)
		}
		if leader == nil {
			leader = h
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// addHandles registers opened group handles with their selections.
func (s *Set) addHandles(g int, handles []perfevent.Handle) {
	for i, idx := range s.groups[g].selections {
		sel := s.selections[idx]
		sel.handles = append(sel.handles, handles[i])
		s.idToSelection[handles[i].ID()] = idx
	}
}

// OpenEventFiles opens every group for every target on every given CPU.
// Single failures are tolerated as long as each target gets at least one
// opened group; a target without any fails the call.
func (s *Set) OpenEventFiles(cpus []int) error {
	if len(s.groups) == 0 {
		return errors.New("no event group added")
	}
	if !s.HasMonitoredTarget() {
		return ErrNoTarget
	}
	cpus, err := s.resolveCPUs(cpus)
	if err != nil {
		return err
	}
	s.filesOpened = true

	for _, t := range s.targets() {
		for g := range s.groups {
			opened := 0
			var lastErr error
			for _, tid := range t.tids {
				for _, cpu := range cpus {
					handles, err := s.openGroup(g, tid, cpu)
					if err != nil {
						log.Debugf("Failed to open group %d for tid %d on cpu %d: %v",
							g, tid, cpu, err)
						lastErr = err
						continue
					}
					s.addHandles(g, handles)
					opened++
				}
			}
			if opened == 0 {
				return fmt.Errorf("failed to open perf event files for %s: %w", t.name, lastErr)
			}
		}
	}
	return nil
}

// MmapEventFiles maps one ring per CPU (or per thread for files not bound
// to a CPU) and lets every other file of that CPU write into it. It starts
// with the largest power of two page count not above maxPages and halves it
// on failure down to minPages.
func (s *Set) MmapEventFiles(minPages, maxPages int) error {
	if s.forStat {
		return errors.New("counting sessions do not map buffers")
	}
	if minPages <= 0 || maxPages < minPages {
		return fmt.Errorf("invalid mmap page range [%d, %d]", minPages, maxPages)
	}
	pages := 1 << (bits.Len(uint(maxPages)) - 1)
	var err error
	for ; pages >= minPages; pages /= 2 {
		if err = s.mmapAll(pages); err == nil {
			s.pageCount = pages
			log.Debugf("Mapped event buffers with %d pages", pages)
			return nil
		}
		log.Debugf("Failed to map event buffers with %d pages: %v", pages, err)
		s.destroyBuffers()
	}
	return fmt.Errorf("failed to map event buffers with %d pages: %w", minPages, err)
}

func (s *Set) mmapAll(pages int) error {
	for _, sel := range s.selections {
		for _, h := range sel.handles {
			if err := s.mapHandle(h, pages); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapHandle creates the ring for h's key or shares the existing one.
func (s *Set) mapHandle(h perfevent.Handle, pages int) error {
	key := keyOf(h)
	if owner, ok := s.buffers[key]; ok {
		return h.ShareMappedBuffer(owner)
	}
	if err := h.CreateMappedBuffer(pages); err != nil {
		return err
	}
	s.buffers[key] = h
	return nil
}

func (s *Set) destroyBuffers() {
	for _, sel := range s.selections {
		for _, h := range sel.handles {
			if err := h.DestroyMappedBuffer(); err != nil {
				log.Warnf("Failed to unmap buffer: %v", err)
			}
		}
	}
	clear(s.buffers)
}

// shouldEnable reports whether newly opened files should be enabled right
// away. With enable-on-exec the kernel enables them once the workload execs.
func (s *Set) shouldEnable() bool {
	return !s.enableOnExec || s.workloadExeced
}

// EnableEvents enables every opened file.
func (s *Set) EnableEvents() error {
	for _, sel := range s.selections {
		for _, h := range sel.handles {
			if err := h.Enable(); err != nil {
				return fmt.Errorf("failed to enable %s on cpu %d: %w", sel.Name(), h.CPU(), err)
			}
		}
	}
	return nil
}

// DisableEvents disables every opened file.
func (s *Set) DisableEvents() error {
	var errs []error
	for _, sel := range s.selections {
		for _, h := range sel.handles {
			errs = append(errs, h.Disable())
		}
	}
	return errors.Join(errs...)
}

// CounterInfo is one counter reading of one file.
type CounterInfo struct {
	TID     int
	CPU     int
	Counter perfevent.Counter
}

// CountersInfo holds the counters of one selection.
type CountersInfo struct {
	GroupID   int
	AttrIndex int
	EventName string
	Counters  []CounterInfo
}

// Sum adds up all counters of the selection.
func (ci *CountersInfo) Sum() perfevent.Counter {
	var sum perfevent.Counter
	for _, c := range ci.Counters {
		sum.Add(c.Counter)
	}
	return sum
}

// ReadCounters reads the counters of every file plus those preserved from
// CPUs that went offline.
func (s *Set) ReadCounters() ([]CountersInfo, error) {
	infos := make([]CountersInfo, 0, len(s.selections))
	for _, sel := range s.selections {
		ci := CountersInfo{
			GroupID:   sel.group,
			AttrIndex: sel.index,
			EventName: sel.Name(),
		}
		for _, h := range sel.handles {
			c, err := h.ReadCounter()
			if err != nil {
				return nil, fmt.Errorf("failed to read counter of %s: %w", sel.Name(), err)
			}
			ci.Counters = append(ci.Counters, CounterInfo{TID: h.TID(), CPU: h.CPU(), Counter: c})
		}
		ci.Counters = append(ci.Counters, sel.hotplugged...)
		infos = append(infos, ci)
	}
	return infos, nil
}

// handleCount returns the number of open files.
func (s *Set) handleCount() int {
	n := 0
	for _, sel := range s.selections {
		n += len(sel.handles)
	}
	return n
}

// Close closes every file. Rings must have been drained before.
func (s *Set) Close() error {
	var errs []error
	// Close group members before their leaders.
	for i := len(s.selections) - 1; i >= 0; i-- {
		sel := s.selections[i]
		for _, h := range sel.handles {
			errs = append(errs, h.Close())
		}
		sel.handles = nil
	}
	clear(s.buffers)
	clear(s.idToSelection)
	return errors.Join(errs...)
}
