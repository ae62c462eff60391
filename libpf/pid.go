// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/perf-recorder/libpf"

// PID represent Unix Process ID (pid_t)
type PID uint32

func (p PID) Hash32() uint32 {
	return uint32(p)
}

// AllThreads is the tid value used to monitor every thread on a CPU.
const AllThreads = -1

// AnyCPU is the cpu value used to monitor a thread on whatever CPU it runs.
const AnyCPU = -1
