// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/record"
)

// HotplugState is the CPU bookkeeping of one Set between two hotplug
// checks.
type HotplugState struct {
	// requested restricts monitoring to these CPUs. Empty means all.
	requested libpf.Set[int]
	interval  time.Duration

	// online is the online CPU list seen by the previous check.
	online []int
	// monitored holds the CPUs that currently have open files.
	monitored libpf.Set[int]

	OnlineEvents  uint64
	OfflineEvents uint64
}

// Interval returns the time between two checks.
func (hs *HotplugState) Interval() time.Duration {
	return hs.interval
}

func (hs *HotplugState) wanted(cpu int) bool {
	return len(hs.requested) == 0 || hs.requested.Contains(cpu)
}

// HandleCpuHotplugEvents enables CPU hotplug handling for the CPUs in cpus
// (all CPUs if empty). The online CPU set is compared every interval from
// Run, or on demand through DetectCpuHotplugEvents.
func (s *Set) HandleCpuHotplugEvents(cpus []int, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid hotplug check interval %v", interval)
	}
	online, err := s.cpuSource.OnlineCPUs()
	if err != nil {
		return fmt.Errorf("failed to read online cpus: %w", err)
	}
	hs := &HotplugState{
		requested: libpf.SliceToSet(cpus),
		interval:  interval,
		online:    online,
		monitored: libpf.Set[int]{},
	}
	for _, sel := range s.selections {
		for _, h := range sel.handles {
			if h.CPU() >= 0 {
				hs.monitored[h.CPU()] = libpf.Void{}
			}
		}
	}
	s.hotplug = hs
	return nil
}

// HotplugState returns the hotplug state, or nil if hotplug handling is off.
func (s *Set) HotplugState() *HotplugState {
	return s.hotplug
}

// DetectCpuHotplugEvents compares the online CPUs with the previous check
// and adapts the open files. Offline CPUs are drained through handler before
// their files are closed. Files for CPUs that came online are opened for the
// current targets and announced to handler with an EventID record.
func (s *Set) DetectCpuHotplugEvents(hs *HotplugState, handler Handler) error {
	if hs == nil {
		return nil
	}
	online, err := s.cpuSource.OnlineCPUs()
	if err != nil {
		// Retry at the next check.
		log.Warnf("Failed to read online cpus: %v", err)
		return nil
	}
	prev := libpf.SliceToSet(hs.online)
	cur := libpf.SliceToSet(online)
	hs.online = online
	var retry []int

	for _, cpu := range libpf.Difference(prev, cur) {
		if !hs.monitored.Contains(cpu) {
			continue
		}
		log.Infof("CPU %d went offline", cpu)
		if err := s.handleCPUOffline(cpu, handler); err != nil {
			return err
		}
		delete(hs.monitored, cpu)
		hs.OfflineEvents++
	}
	for _, cpu := range libpf.Difference(cur, prev) {
		if !hs.wanted(cpu) || hs.monitored.Contains(cpu) {
			continue
		}
		log.Infof("CPU %d came online", cpu)
		opened, err := s.handleCPUOnline(cpu, handler)
		if err != nil {
			return err
		}
		if !opened {
			retry = append(retry, cpu)
			continue
		}
		hs.monitored[cpu] = libpf.Void{}
		hs.OnlineEvents++
	}
	if len(retry) > 0 {
		// Forget CPUs without coverage so the next check tries them again.
		hs.online = slices.DeleteFunc(hs.online, func(cpu int) bool {
			return slices.Contains(retry, cpu)
		})
	}
	return nil
}

// handleCPUOffline drains pending data, preserves counters in stat mode and
// closes the files of cpu.
func (s *Set) handleCPUOffline(cpu int, handler Handler) error {
	if !s.forStat {
		if err := s.ReadMmapEventData(handler); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			return fmt.Errorf("failed to drain cpu %d before closing it: %w", cpu, err)
		}
	}
	for _, sel := range s.selections {
		kept := sel.handles[:0]
		var closing []perfevent.Handle
		for _, h := range sel.handles {
			if h.CPU() == cpu {
				closing = append(closing, h)
			} else {
				kept = append(kept, h)
			}
		}
		sel.handles = kept
		for _, h := range closing {
			if s.forStat {
				c, err := h.ReadCounter()
				if err != nil {
					log.Warnf("Failed to read counter of %s on offline cpu %d: %v",
						sel.Name(), cpu, err)
				} else {
					sel.hotplugged = append(sel.hotplugged,
						CounterInfo{TID: h.TID(), CPU: cpu, Counter: c})
				}
			}
			delete(s.idToSelection, h.ID())
			if err := h.Close(); err != nil {
				log.Warnf("Failed to close %s on cpu %d: %v", sel.Name(), cpu, err)
			}
		}
	}
	for key := range s.buffers {
		if key.cpu == cpu {
			delete(s.buffers, key)
		}
	}
	return nil
}

// handleCPUOnline opens every group for the current targets on cpu. Open
// and map failures only cost coverage of that CPU and are logged.
func (s *Set) handleCPUOnline(cpu int, handler Handler) (bool, error) {
	var pairs []record.EventIDPair
	var opened []perfevent.Handle
	for _, t := range s.targets() {
		for g := range s.groups {
			for _, tid := range t.tids {
				handles, err := s.openGroup(g, tid, cpu)
				if err != nil {
					log.Debugf("Failed to open group %d for tid %d on new cpu %d: %v",
						g, tid, cpu, err)
					continue
				}
				if !s.forStat {
					if err := s.mapGroup(handles); err != nil {
						log.Warnf("Failed to map buffer on new cpu %d: %v", cpu, err)
						for _, h := range handles {
							_ = h.Close()
						}
						continue
					}
				}
				s.addHandles(g, handles)
				opened = append(opened, handles...)
				for i, idx := range s.groups[g].selections {
					pairs = append(pairs, record.EventIDPair{
						AttrIndex: uint64(idx),
						EventID:   handles[i].ID(),
					})
				}
			}
		}
	}
	if len(opened) == 0 {
		log.Warnf("No event could be opened on cpu %d", cpu)
		return false, nil
	}
	if s.shouldEnable() {
		for _, h := range opened {
			if err := h.Enable(); err != nil {
				log.Warnf("Failed to enable event on cpu %d: %v", cpu, err)
			}
		}
	}
	if s.forStat {
		return true, nil
	}
	rec := record.NewEventIDRecord(pairs)
	return true, handler(&Event{
		AttrIndex: -1,
		Data:      rec.Binary(nil),
		Record:    rec,
	})
}

// mapGroup maps the handles of one freshly opened group. The pages of the
// initial mapping are reused.
func (s *Set) mapGroup(handles []perfevent.Handle) error {
	var created []bufferKey
	for _, h := range handles {
		key := keyOf(h)
		_, existed := s.buffers[key]
		if err := s.mapHandle(h, s.pageCount); err != nil {
			for _, k := range created {
				delete(s.buffers, k)
			}
			for _, h := range handles {
				_ = h.DestroyMappedBuffer()
			}
			return err
		}
		if !existed {
			created = append(created, key)
		}
	}
	return nil
}

// MonitoredCPUs returns the CPUs that currently have open files.
func (hs *HotplugState) MonitoredCPUs() []int {
	return libpf.SortedKeys(hs.monitored)
}
