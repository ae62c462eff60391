// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/libpf"
)

// target is one logical monitoring target: a process, a single thread or
// everything. Opening succeeds for a target if at least one of its threads
// could be opened on at least one CPU.
type target struct {
	name string
	tids []int
}

// listThreads returns the threads of pid from /proc.
func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// isAlive checks for tid with the null signal.
func isAlive(tid int) bool {
	err := unix.Kill(tid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// targets derives the current monitoring targets. Threads of monitored
// processes are listed again on every call, so threads created since the
// last call are picked up and exited ones are skipped.
func (s *Set) targets() []target {
	if s.systemWide {
		return []target{{name: "system wide", tids: []int{libpf.AllThreads}}}
	}
	var targets []target
	for _, pid := range libpf.SortedKeys(s.processes) {
		tids, err := s.threadLister(pid)
		if err != nil {
			// The process may have exited; opening will report it.
			tids = []int{pid}
		}
		targets = append(targets, target{name: fmt.Sprintf("process %d", pid), tids: tids})
	}
	for _, tid := range libpf.SortedKeys(s.threads) {
		targets = append(targets, target{name: fmt.Sprintf("thread %d", tid), tids: []int{tid}})
	}
	return targets
}

// TargetsAlive reports whether any monitored process or thread still exists.
// System wide sessions are always alive.
func (s *Set) TargetsAlive() bool {
	if s.systemWide {
		return true
	}
	for pid := range s.processes {
		if s.isAlive(pid) {
			return true
		}
	}
	for tid := range s.threads {
		if s.isAlive(tid) {
			return true
		}
	}
	return false
}
