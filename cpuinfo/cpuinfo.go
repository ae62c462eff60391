// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpuinfo reads the set of online CPUs and watches for hotplug
// notifications.
package cpuinfo // import "go.opentelemetry.io/perf-recorder/cpuinfo"

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

const onlinePath = "/sys/devices/system/cpu/online"

// Source reports the CPUs that are currently online.
type Source interface {
	OnlineCPUs() ([]int, error)
}

// SysfsSource reads the online CPUs from sysfs.
type SysfsSource struct{}

// OnlineCPUs implements Source.
func (SysfsSource) OnlineCPUs() ([]int, error) {
	return OnlineCPUs()
}

// OnlineCPUs reads online CPUs from /sys/devices/system/cpu/online and reports
// the core IDs as a sorted list of integers.
func OnlineCPUs() ([]int, error) {
	buf, err := os.ReadFile(onlinePath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", onlinePath, err)
	}
	return ParseCPURange(string(buf))
}

// ParseCPURange parses the kernel's CPU list format, which can contain comma
// separated ranges or single values, like "0,3-6,8".
// Reference: https://www.kernel.org/doc/Documentation/admin-guide/cputopology.rst
func ParseCPURange(cpuRangeStr string) ([]int, error) {
	var cpus []int
	cpuRangeStr = strings.Trim(cpuRangeStr, "\n ")
	if cpuRangeStr == "" {
		return nil, nil
	}
	for _, cpuRange := range strings.Split(cpuRangeStr, ",") {
		first, last, isRange := strings.Cut(cpuRange, "-")
		lo, err := strconv.ParseUint(first, 10, 32)
		if err != nil {
			return nil, err
		}
		if !isRange {
			cpus = append(cpus, int(lo))
			continue
		}
		hi, err := strconv.ParseUint(last, 10, 32)
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("invalid cpu range %q", cpuRange)
		}
		for n := lo; n <= hi; n++ {
			cpus = append(cpus, int(n))
		}
	}
	slices.Sort(cpus)
	return slices.Compact(cpus), nil
}

// StaticSource is a Source with a fixed, replaceable CPU list.
type StaticSource struct {
	CPUs []int
	Err  error
}

// OnlineCPUs implements Source.
func (s *StaticSource) OnlineCPUs() ([]int, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return slices.Clone(s.CPUs), nil
}
